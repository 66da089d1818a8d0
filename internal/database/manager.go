package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "ruleevents/pkg/database"
)

const (
	writeQueueSize  = 100
	writeTimeout    = 30 * time.Second
	writeRetryDelay = 5 * time.Second
)

// Manager errors
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager owns the process's database handles. Reads go straight to the pool;
// writes are funnelled through a single writer goroutine so SQLite never sees
// concurrent writers.
type Manager struct {
	db      *sql.DB
	pool    *pgxpool.Pool // postgres only
	config  *dbconfig.Config
	log     zerolog.Logger
	dialect dbconfig.Dialect

	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the configured database and starts the writer.
func NewManager(ctx context.Context, config *dbconfig.Config, log zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	m := &Manager{
		config:       config,
		log:          log,
		dialect:      config.Driver,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
	}

	var err error
	switch config.Driver {
	case dbconfig.DialectPostgres:
		err = m.openPostgres(ctx)
	default:
		err = m.openSQLite(ctx)
	}
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go m.writeLoop()

	m.log.Info().Str("driver", string(config.Driver)).Msg("database opened")
	return m, nil
}

func (m *Manager) openSQLite(ctx context.Context) error {
	if dir := filepath.Dir(m.config.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", m.config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(m.config.MaxConnections)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	m.db = db
	return nil
}

func (m *Manager) openPostgres(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(m.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolConfig.MaxConns = int32(m.config.MaxConnections)
	poolConfig.MaxConnLifetime = m.config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = m.config.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	m.pool = pool
	m.db = stdlib.OpenDBFromPool(pool)
	return nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if isBusy(err) {
				m.log.Warn().Err(err).Dur("retryIn", writeRetryDelay).Msg("database busy, retrying write")
				select {
				case <-time.After(writeRetryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
			}
			if err != nil {
				m.log.Warn().Err(err).Msg("database write failed")
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

// ExecuteWrite queues operation on the writer and waits for its result.
func (m *Manager) ExecuteWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Migrate applies pending embedded migrations and validates the schema.
func (m *Manager) Migrate(ctx context.Context) ([]string, error) {
	applied, err := dbconfig.NewMigrationManager(m.db, m.dialect).ApplyMigrations(ctx)
	if err != nil {
		return applied, err
	}
	if err := dbconfig.NewSchemaValidator(m.db, m.dialect).Validate(ctx); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	if len(applied) > 0 {
		m.log.Info().Strs("versions", applied).Msg("migrations applied")
	}
	return applied, nil
}

// DB returns the database/sql handle.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Pool returns the pgx pool, or nil when running on SQLite.
func (m *Manager) Pool() *pgxpool.Pool {
	return m.pool
}

// Dialect returns the configured SQL dialect.
func (m *Manager) Dialect() dbconfig.Dialect {
	return m.dialect
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	err := m.db.Close()
	if m.pool != nil {
		m.pool.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite lock contention worth one retry.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func applySQLiteOptimizations(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
