package ticker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ruleevents/internal/clock"
)

const (
	// DefaultLeaseName is the advisory lock name shared by every process.
	DefaultLeaseName = "ruleevents_schedule_ticker"
	// DefaultLeaseSlot is the second advisory lock key.
	DefaultLeaseSlot = 1
	// DefaultProbeInterval is how often the lock-holding connection is checked.
	DefaultProbeInterval = 15 * time.Second

	probeTimeout = 5 * time.Second
)

var errLeaseNotHeld = errors.New("advisory lock was not held")

// advisoryConn is the subset of a pooled connection the lease needs.
type advisoryConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
	// Destroy closes the connection and removes it from the pool.
	Destroy(ctx context.Context)
}

type pooledConn struct {
	*pgxpool.Conn
}

func (c pooledConn) Destroy(ctx context.Context) {
	_ = c.Conn.Conn().Close(ctx)
	c.Conn.Release()
}

// PostgresLeaseAcquirer grants the lease through a session-level advisory lock
// keyed by (hashtext(name), slot). The lock lives on one pooled connection that
// is held for as long as the lease is.
type PostgresLeaseAcquirer struct {
	name          string
	slot          int32
	probeInterval time.Duration
	clock         clock.Clock
	acquire       func(ctx context.Context) (advisoryConn, error)
}

// NewPostgresLeaseAcquirer creates an acquirer drawing connections from pool.
func NewPostgresLeaseAcquirer(pool *pgxpool.Pool, name string, slot int, probeInterval time.Duration, clk clock.Clock) *PostgresLeaseAcquirer {
	return newPostgresLeaseAcquirer(func(ctx context.Context) (advisoryConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return pooledConn{conn}, nil
	}, name, slot, probeInterval, clk)
}

func newPostgresLeaseAcquirer(acquire func(context.Context) (advisoryConn, error), name string, slot int, probeInterval time.Duration, clk clock.Clock) *PostgresLeaseAcquirer {
	if name == "" {
		name = DefaultLeaseName
	}
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}
	return &PostgresLeaseAcquirer{
		name:          name,
		slot:          int32(slot),
		probeInterval: probeInterval,
		clock:         clock.OrReal(clk),
		acquire:       acquire,
	}
}

// TryAcquire attempts pg_try_advisory_lock without waiting.
func (a *PostgresLeaseAcquirer) TryAcquire(ctx context.Context) (Lease, bool, error) {
	conn, err := a.acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1), $2)", a.name, a.slot).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	l := &postgresLease{
		conn: conn,
		name: a.name,
		slot: a.slot,
		lost: make(chan error, 1),
	}
	l.mu.Lock()
	l.probe = clock.Every(a.clock, a.probeInterval, l.check)
	l.mu.Unlock()
	return l, true, nil
}

type postgresLease struct {
	name string
	slot int32
	lost chan error

	mu       sync.Mutex // serializes use of conn
	conn     advisoryConn
	probe    clock.Timer
	broken   bool
	released bool
}

func (l *postgresLease) Lost() <-chan error {
	return l.lost
}

// check pings the lock-holding connection and reports the first failure.
func (l *postgresLease) check() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.broken {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if _, err := l.conn.Exec(ctx, "SELECT 1"); err != nil {
		l.broken = true
		l.probe.Stop()
		l.lost <- fmt.Errorf("advisory lock connection: %w", err)
	}
}

// Release unlocks and returns the connection to the pool. A connection whose
// unlock did not succeed is destroyed so the session lock cannot leak into the pool.
func (l *postgresLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.probe.Stop()

	if l.broken {
		l.conn.Destroy(ctx)
		return nil
	}

	var unlocked bool
	err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1), $2)", l.name, l.slot).Scan(&unlocked)
	if err == nil && !unlocked {
		err = errLeaseNotHeld
	}
	if err != nil {
		l.conn.Destroy(ctx)
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	l.conn.Release()
	return nil
}
