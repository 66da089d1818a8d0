// Package config loads service settings from defaults, an optional file and
// RULEEVENTS_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	dbconfig "ruleevents/pkg/database"
	"ruleevents/pkg/types"
)

// EnvPrefix namespaces environment overrides, e.g. RULEEVENTS_HTTP_PORT.
const EnvPrefix = "RULEEVENTS"

// Bridge backends
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BackendNone     = "none"
)

// Environment names
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	HTTP        *HTTPConfig      `mapstructure:"http"`
	Database    *dbconfig.Config `mapstructure:"database"`
	Redis       *RedisConfig     `mapstructure:"redis"`
	Bridge      *BridgeConfig    `mapstructure:"bridge"`
	Ticker      *TickerConfig    `mapstructure:"ticker"`
	Schedule    *ScheduleConfig  `mapstructure:"schedule"`
	Logging     *LoggingConfig   `mapstructure:"logging"`
	WebSocket   *WebSocketConfig `mapstructure:"websocket"`
	RateLimit   *RateLimitConfig `mapstructure:"rate_limit"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BridgeConfig selects how peer processes are notified.
type BridgeConfig struct {
	Backend          string        `mapstructure:"backend"`
	Channel          string        `mapstructure:"channel"`
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

// TickerConfig controls the leader-elected schedule boundary ticker.
type TickerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Force         bool          `mapstructure:"force"`
	LockName      string        `mapstructure:"lock_name"`
	LockSlot      int           `mapstructure:"lock_slot"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type ScheduleConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WebSocketConfig tunes the WebSocket watch transport.
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
}

// RateLimitConfig limits watch connection attempts per hostname.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

func DefaultConfig() *Config {
	return &Config{
		Environment: EnvProduction,
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
		},
		Database: dbconfig.DefaultConfig(),
		Redis: &RedisConfig{
			Addr: "localhost:6379",
		},
		Bridge: &BridgeConfig{
			Backend:          BackendNone,
			Channel:          types.DefaultChannelName,
			ResubscribeDelay: 5 * time.Second,
			PublishTimeout:   5 * time.Second,
		},
		Ticker: &TickerConfig{
			Enabled:       true,
			LockName:      "ruleevents_schedule_ticker",
			LockSlot:      1,
			RetryInterval: 30 * time.Second,
			LeaseTTL:      30 * time.Second,
			ProbeInterval: 15 * time.Second,
		},
		Schedule: &ScheduleConfig{
			Timezone: "UTC",
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		RateLimit: &RateLimitConfig{
			PerSecond: 1,
			Burst:     5,
		},
	}
}

// TickerEnabled reports whether this process should compete for ticker leadership.
// Test environments stay idle unless Force is set.
func (c *Config) TickerEnabled() bool {
	if c.Ticker == nil || !c.Ticker.Enabled {
		return false
	}
	if c.Environment == EnvTest {
		return c.Ticker.Force
	}
	return true
}

// Location parses the schedule timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule == nil || c.Schedule.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

func (c *Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout < 0 {
		return errors.New("HTTP write timeout cannot be negative")
	}

	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Bridge == nil {
		return errors.New("bridge configuration is required")
	}
	switch c.Bridge.Backend {
	case BackendPostgres:
		if c.Database.Driver != dbconfig.DialectPostgres {
			return errors.New("postgres bridge requires the postgres database driver")
		}
	case BackendRedis:
		if c.Redis == nil || c.Redis.Addr == "" {
			return errors.New("redis bridge requires redis.addr")
		}
	case BackendMemory, BackendNone:
	default:
		return fmt.Errorf("unknown bridge backend %q", c.Bridge.Backend)
	}
	if c.Bridge.ResubscribeDelay <= 0 || c.Bridge.PublishTimeout <= 0 {
		return errors.New("bridge delays must be positive")
	}

	if c.Ticker == nil {
		return errors.New("ticker configuration is required")
	}
	if c.Ticker.LockName == "" {
		return errors.New("ticker lock name cannot be empty")
	}
	if c.Ticker.RetryInterval <= 0 || c.Ticker.LeaseTTL <= 0 || c.Ticker.ProbeInterval <= 0 {
		return errors.New("ticker intervals must be positive")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Logging == nil {
		return errors.New("logging configuration is required")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket timeouts must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}

	if c.RateLimit == nil || c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rate limit must be positive")
	}
	return nil
}

// Load builds a Config from defaults, the file at path when non-empty, and the
// environment. A missing or malformed file is an error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return decode(v)
}

// LoadFromEnv builds a Config from defaults and the environment only.
func LoadFromEnv() (*Config, error) {
	return decode(newViper())
}

// LoadConfigWithPrecedence loads path when it exists and falls back to
// defaults plus environment otherwise.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("environment", d.Environment)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("database.driver", string(d.Database.Driver))
	v.SetDefault("database.path", d.Database.DatabasePath)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("bridge.backend", d.Bridge.Backend)
	v.SetDefault("bridge.channel", d.Bridge.Channel)
	v.SetDefault("bridge.resubscribe_delay", d.Bridge.ResubscribeDelay)
	v.SetDefault("bridge.publish_timeout", d.Bridge.PublishTimeout)

	v.SetDefault("ticker.enabled", d.Ticker.Enabled)
	v.SetDefault("ticker.force", d.Ticker.Force)
	v.SetDefault("ticker.lock_name", d.Ticker.LockName)
	v.SetDefault("ticker.lock_slot", d.Ticker.LockSlot)
	v.SetDefault("ticker.retry_interval", d.Ticker.RetryInterval)
	v.SetDefault("ticker.lease_ttl", d.Ticker.LeaseTTL)
	v.SetDefault("ticker.probe_interval", d.Ticker.ProbeInterval)

	v.SetDefault("schedule.timezone", d.Schedule.Timezone)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)

	v.SetDefault("rate_limit.per_second", d.RateLimit.PerSecond)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
}
