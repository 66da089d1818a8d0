package bridge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresTransport_RejectsUnsafeChannel(t *testing.T) {
	transport := NewPostgresTransport(nil)
	_, err := transport.Subscribe(context.Background(), "events; DROP TABLE classrooms")
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestPostgresTransport_ListenNotify(t *testing.T) {
	pool := setupTestPool(t)
	transport := NewPostgresTransport(pool)
	ctx := context.Background()

	sub, err := transport.Subscribe(ctx, "ruleevents_test")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, transport.Publish(ctx, "ruleevents_test", `{"type":"broadcast","origin":"x"}`))

	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"type":"broadcast","origin":"x"}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestPostgresTransport_CloseReleasesConnection(t *testing.T) {
	pool := setupTestPool(t)
	transport := NewPostgresTransport(pool)

	sub, err := transport.Subscribe(context.Background(), "ruleevents_test")
	require.NoError(t, err)
	acquired := pool.Stat().AcquiredConns()
	require.NoError(t, sub.Close())

	assert.Less(t, pool.Stat().AcquiredConns(), acquired)
}
