package database

import (
	"errors"
	"fmt"
	"time"
)

// Config holds database configuration.
type Config struct {
	Driver          Dialect       `json:"driver" mapstructure:"driver"`
	DatabasePath    string        `json:"database_path" mapstructure:"path"`
	DSN             string        `json:"dsn" mapstructure:"dsn"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// DefaultConfig returns a SQLite configuration suitable for a single node.
// SQLite performs best with a small pool; Postgres deployments raise MaxConnections.
func DefaultConfig() *Config {
	return &Config{
		Driver:          DialectSQLite,
		DatabasePath:    "./data/ruleevents.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// Validate ensures the configuration is usable for its driver.
func (c *Config) Validate() error {
	switch c.Driver {
	case DialectSQLite:
		if c.DatabasePath == "" {
			return errors.New("database path cannot be empty")
		}
	case DialectPostgres:
		if c.DSN == "" {
			return errors.New("postgres dsn cannot be empty")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDialect, c.Driver)
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}
