package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "ruleevents/pkg/database"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "nested", "test.db")

	m, err := NewManager(context.Background(), config, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_OpenCreatesDirectoryAndMigrates(t *testing.T) {
	m := setupTestDB(t)
	assert.Equal(t, dbconfig.DialectSQLite, m.Dialect())
	assert.Nil(t, m.Pool())

	applied, err := m.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, applied)

	applied, err = m.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)

	require.NoError(t, m.HealthCheck(context.Background()))
}

func TestManager_HealthCheckFailsBeforeMigration(t *testing.T) {
	m := setupTestDB(t)
	assert.Error(t, m.HealthCheck(context.Background()))
}

func TestManager_InvalidConfig(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.DatabasePath = ""
	_, err := NewManager(context.Background(), config, zerolog.Nop())
	assert.Error(t, err)
}

func TestManager_ExecuteWriteSerializesWriters(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	_, err := m.Migrate(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.ExecuteWrite(ctx, func(ctx context.Context, db *sql.DB) error {
				_, err := db.ExecContext(ctx, "INSERT INTO classrooms (id, name) VALUES (?, ?)", fmt.Sprintf("cls-%d", i), "room")
				return err
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var n int
	require.NoError(t, m.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM classrooms").Scan(&n))
	assert.Equal(t, 20, n)
}

func TestManager_ExecuteWriteReturnsOperationError(t *testing.T) {
	m := setupTestDB(t)
	want := errors.New("constraint failed")
	err := m.ExecuteWrite(context.Background(), func(context.Context, *sql.DB) error { return want })
	assert.ErrorIs(t, err, want)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := setupTestDB(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.ExecuteWrite(context.Background(), func(context.Context, *sql.DB) error { return nil })
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, isBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, isBusy(errors.New("other")))
	assert.False(t, isBusy(nil))
}

func TestManager_Postgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	config := dbconfig.DefaultConfig()
	config.Driver = dbconfig.DialectPostgres
	config.DSN = dsn

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m, err := NewManager(ctx, config, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	assert.NotNil(t, m.Pool())
	_, err = m.Migrate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.HealthCheck(ctx))
}
