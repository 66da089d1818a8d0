package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ruleevents/pkg/types"
)

const unlistenTimeout = 5 * time.Second

// PostgresTransport uses LISTEN/NOTIFY on the shared database as the message bus.
type PostgresTransport struct {
	pool *pgxpool.Pool
}

// NewPostgresTransport wraps a pool. The caller owns the pool.
func NewPostgresTransport(pool *pgxpool.Pool) *PostgresTransport {
	return &PostgresTransport{pool: pool}
}

// Publish issues pg_notify on channel.
func (t *PostgresTransport) Publish(ctx context.Context, channel, payload string) error {
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe acquires a dedicated pool connection, LISTENs on channel and pumps
// notifications until Close is called or the connection fails.
func (t *PostgresTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if !types.IsValidChannelName(channel) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", ident, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(cancel)

	go func() {
		defer sub.finish()
		defer releaseListener(conn, ident)

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					sub.fail(fmt.Errorf("wait for notification: %w", err))
				}
				return
			}
			if !sub.deliver(subCtx, n.Payload) {
				return
			}
		}
	}()

	return sub, nil
}

// releaseListener returns the connection to the pool with no channels attached.
// A connection that cannot be cleaned is closed so the pool discards it.
func releaseListener(conn *pgxpool.Conn, ident string) {
	defer conn.Release()
	if conn.Conn().IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+ident); err != nil {
		_ = conn.Conn().Close(ctx)
	}
}
