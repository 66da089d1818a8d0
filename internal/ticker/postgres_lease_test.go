package ticker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleevents/internal/clock"
)

type fakeRow struct {
	scanFn func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.scanFn == nil {
		return nil
	}
	return r.scanFn(dest...)
}

type fakeConn struct {
	mu           sync.Mutex
	tryLockOK    bool
	tryLockErr   error
	unlockOK     bool
	unlockErr    error
	probeErr     error
	lockArgs     []any
	tryLockCalls int
	unlockCalls  int
	probeCalls   int
	releaseCalls int
	destroyCalls int
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "pg_try_advisory_lock"):
		return &fakeRow{scanFn: func(dest ...any) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.tryLockCalls++
			c.lockArgs = args
			if c.tryLockErr != nil {
				return c.tryLockErr
			}
			*(dest[0].(*bool)) = c.tryLockOK
			return nil
		}}
	case strings.Contains(sql, "pg_advisory_unlock"):
		return &fakeRow{scanFn: func(dest ...any) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unlockCalls++
			if c.unlockErr != nil {
				return c.unlockErr
			}
			*(dest[0].(*bool)) = c.unlockOK
			return nil
		}}
	default:
		return &fakeRow{scanFn: func(_ ...any) error {
			return errors.New("unexpected query")
		}}
	}
}

func (c *fakeConn) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeCalls++
	return pgconn.NewCommandTag("SELECT 1"), c.probeErr
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseCalls++
}

func (c *fakeConn) Destroy(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyCalls++
}

func newTestPostgresAcquirer(conn *fakeConn, clk clock.Clock) *PostgresLeaseAcquirer {
	return newPostgresLeaseAcquirer(
		func(context.Context) (advisoryConn, error) { return conn, nil },
		"schedule_ticker",
		7,
		time.Second,
		clk,
	)
}

func TestPostgresLease_AcquireAndRelease(t *testing.T) {
	conn := &fakeConn{tryLockOK: true, unlockOK: true}
	acq := newTestPostgresAcquirer(conn, clock.NewFake(t0))

	lease, ok, err := acq.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, lease.Release(context.Background()))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, []any{"schedule_ticker", int32(7)}, conn.lockArgs)
	assert.Equal(t, 1, conn.tryLockCalls)
	assert.Equal(t, 1, conn.unlockCalls)
	assert.Equal(t, 1, conn.releaseCalls)
	assert.Equal(t, 0, conn.destroyCalls)
}

func TestPostgresLease_HeldElsewhere(t *testing.T) {
	conn := &fakeConn{tryLockOK: false}
	acq := newTestPostgresAcquirer(conn, clock.NewFake(t0))

	lease, ok, err := acq.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, lease)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 1, conn.releaseCalls, "unsuccessful connection goes back to the pool")
}

func TestPostgresLease_TryLockError(t *testing.T) {
	conn := &fakeConn{tryLockErr: errors.New("canceling statement")}
	acq := newTestPostgresAcquirer(conn, clock.NewFake(t0))

	_, ok, err := acq.TryAcquire(context.Background())
	require.Error(t, err)
	assert.False(t, ok)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 1, conn.releaseCalls)
}

func TestPostgresLease_AcquireConnectionError(t *testing.T) {
	acq := newPostgresLeaseAcquirer(
		func(context.Context) (advisoryConn, error) { return nil, errors.New("pool closed") },
		"", DefaultLeaseSlot, 0, nil,
	)
	_, ok, err := acq.TryAcquire(context.Background())
	assert.False(t, ok)
	assert.ErrorContains(t, err, "pool closed")
	assert.Equal(t, DefaultLeaseName, acq.name)
}

func TestPostgresLease_ProbeFailureReportsLost(t *testing.T) {
	fc := clock.NewFake(t0)
	conn := &fakeConn{tryLockOK: true, unlockOK: true}
	acq := newTestPostgresAcquirer(conn, fc)

	lease, ok, err := acq.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	fc.Advance(time.Second)
	select {
	case err := <-lease.Lost():
		t.Fatalf("unexpected lost: %v", err)
	default:
	}

	conn.mu.Lock()
	conn.probeErr = errors.New("connection reset")
	conn.mu.Unlock()
	fc.Advance(time.Second)

	select {
	case err := <-lease.Lost():
		assert.ErrorContains(t, err, "connection reset")
	default:
		t.Fatal("expected lost notification")
	}
	assert.Empty(t, fc.Pending(), "probe stops after failure")

	require.NoError(t, lease.Release(context.Background()))
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 0, conn.unlockCalls)
	assert.Equal(t, 1, conn.destroyCalls)
	assert.Equal(t, 0, conn.releaseCalls)
}

func TestPostgresLease_UnlockFailureDestroysConnection(t *testing.T) {
	tests := []struct {
		name string
		conn *fakeConn
	}{
		{"unlock error", &fakeConn{tryLockOK: true, unlockErr: errors.New("broken pipe")}},
		{"lock not held", &fakeConn{tryLockOK: true, unlockOK: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acq := newTestPostgresAcquirer(tt.conn, clock.NewFake(t0))
			lease, ok, err := acq.TryAcquire(context.Background())
			require.NoError(t, err)
			require.True(t, ok)

			assert.Error(t, lease.Release(context.Background()))

			tt.conn.mu.Lock()
			defer tt.conn.mu.Unlock()
			assert.Equal(t, 1, tt.conn.destroyCalls)
			assert.Equal(t, 0, tt.conn.releaseCalls)
		})
	}
}

func TestPostgresLease_DrivesTicker(t *testing.T) {
	fc := clock.NewFake(t0)
	conn := &fakeConn{tryLockOK: true, unlockOK: true}
	tk := New(newTestPostgresAcquirer(conn, fc), &recordingStore{}, (&emitted{}).emit, WithClock(fc))

	require.NoError(t, tk.Start(context.Background()))
	assert.Equal(t, StateLeading, tk.State())
	require.NoError(t, tk.Stop(context.Background()))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 1, conn.unlockCalls)
	assert.Equal(t, 1, conn.releaseCalls)
}
