// Package app wires the notification hub into a runnable HTTP service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ruleevents/internal/api"
	"ruleevents/internal/bridge"
	"ruleevents/internal/classroom"
	"ruleevents/internal/clock"
	"ruleevents/internal/config"
	"ruleevents/internal/database"
	"ruleevents/internal/hub"
	"ruleevents/internal/logging"
	"ruleevents/internal/metrics"
	"ruleevents/internal/registry"
	"ruleevents/internal/ticker"
	"ruleevents/internal/websocket"
)

const (
	limiterCleanupInterval = time.Minute
	limiterMaxIdle         = 5 * time.Minute
)

// Application owns every component of one process.
type Application struct {
	config     *config.Config
	log        zerolog.Logger
	clock      clock.Clock
	instanceID string

	dbManager   *database.Manager
	redisClient redis.UniversalClient
	ownsRedis   bool
	transport   bridge.Transport
	store       *classroom.Store
	registry    *registry.Registry
	bridge      *bridge.Bridge
	hub         *hub.Hub
	ticker      *ticker.Ticker
	limiter     *api.RateLimiter
	gatherer    *prometheus.Registry
	apiServer   *api.Server
	httpServer  *http.Server
	listenAddr  string

	listener net.Listener
	cleanup  clock.Timer
}

// Option configures an Application.
type Option func(*Application)

func WithLogger(log zerolog.Logger) Option {
	return func(a *Application) { a.log = log }
}

func WithClock(c clock.Clock) Option {
	return func(a *Application) { a.clock = clock.OrReal(c) }
}

// WithRedisClient supplies the Redis client instead of dialing config.Redis.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(a *Application) { a.redisClient = client }
}

// WithTransport overrides the bridge transport chosen from config.
func WithTransport(t bridge.Transport) Option {
	return func(a *Application) { a.transport = t }
}

// WithListenAddr overrides the configured HTTP address, e.g. "127.0.0.1:0".
func WithListenAddr(addr string) Option {
	return func(a *Application) { a.listenAddr = addr }
}

// NewApplication opens the database, applies migrations and builds every component
// in dependency order:
// Database → Store → Registry → Bridge → Hub → Ticker → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{
		config:     cfg,
		clock:      clock.New(),
		instanceID: uuid.NewString(),
		listenAddr: cfg.Addr(),
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	a.log = log
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("instance", a.instanceID).Logger()

	if err := a.build(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.config

	dbManager, err := database.NewManager(ctx, cfg.Database, logging.Component(a.log, "database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database manager: %w", err)
	}
	a.dbManager = dbManager
	if _, err := dbManager.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	a.store = classroom.NewStore(dbManager.DB(), dbManager.Dialect(),
		classroom.WithLocation(loc),
		classroom.WithWriter(dbManager),
	)

	a.gatherer = prometheus.NewRegistry()
	a.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector("", a.gatherer)
	if err != nil {
		return err
	}

	a.registry = registry.New(a.store,
		registry.WithClock(a.clock),
		registry.WithLogger(logging.Component(a.log, "registry")),
		registry.WithObserver(collector),
	)

	if err := a.buildTransport(); err != nil {
		return err
	}
	hubOpts := []hub.Option{
		hub.WithClock(a.clock),
		hub.WithLogger(logging.Component(a.log, "hub")),
		hub.WithObserver(collector),
		hub.WithNotifyTimeout(cfg.Bridge.PublishTimeout),
	}
	if a.transport != nil {
		a.bridge = bridge.New(a.transport, a.registry, a.instanceID,
			bridge.WithChannel(cfg.Bridge.Channel),
			bridge.WithClock(a.clock),
			bridge.WithLogger(logging.Component(a.log, "bridge")),
			bridge.WithObserver(collector),
			bridge.WithResubscribeDelay(cfg.Bridge.ResubscribeDelay),
			bridge.WithPublishTimeout(cfg.Bridge.PublishTimeout),
		)
		hubOpts = append(hubOpts, hub.WithNotifier(a.bridge))
	}
	a.hub = hub.NewHub(a.registry, hubOpts...)

	a.ticker = ticker.New(a.leaseAcquirer(), a.store, a.hub.EmitClassroomChangedContext,
		ticker.WithEnabled(cfg.TickerEnabled()),
		ticker.WithRetryInterval(cfg.Ticker.RetryInterval),
		ticker.WithClock(a.clock),
		ticker.WithLogger(logging.Component(a.log, "ticker")),
		ticker.WithObserver(collector),
	)

	a.limiter = api.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, a.clock)
	wsHandler := websocket.NewHandler(a.registry, a.store, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, websocket.WithClock(a.clock), websocket.WithLogger(logging.Component(a.log, "websocket")))

	a.apiServer = api.NewServer(a.hub, a.registry, a.store,
		api.WithClock(a.clock),
		api.WithLogger(logging.Component(a.log, "api")),
		api.WithActiveGroupStore(a.store),
		api.WithHealthChecker(dbManager),
		api.WithStatus(a.instanceID, a.bridgeActive, func() string { return a.ticker.State().String() }),
		api.WithMetricsHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})),
		api.WithWebSocketHandler(wsHandler),
		api.WithRateLimiter(a.limiter),
	)

	a.httpServer = &http.Server{
		Addr:              a.listenAddr,
		Handler:           a.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	// watch streams never go idle on their own
	a.httpServer.RegisterOnShutdown(a.registry.Close)
	return nil
}

func (a *Application) buildTransport() error {
	if a.transport != nil {
		return nil
	}
	switch a.config.Bridge.Backend {
	case config.BackendPostgres:
		pool := a.dbManager.Pool()
		if pool == nil {
			return errors.New("postgres bridge requires a postgres database")
		}
		a.transport = bridge.NewPostgresTransport(pool)
	case config.BackendRedis:
		a.transport = bridge.NewRedisTransport(a.redis())
	case config.BackendMemory:
		a.transport = bridge.NewMemoryTransport()
	}
	return nil
}

// leaseAcquirer picks the strongest lease the deployment offers.
func (a *Application) leaseAcquirer() ticker.LeaseAcquirer {
	t := a.config.Ticker
	switch {
	case a.dbManager.Pool() != nil:
		return ticker.NewPostgresLeaseAcquirer(a.dbManager.Pool(), t.LockName, t.LockSlot, t.ProbeInterval, a.clock)
	case a.config.Bridge.Backend == config.BackendRedis:
		return ticker.NewRedisLeaseAcquirer(a.redis(), t.LockName, t.LockSlot, t.LeaseTTL, a.clock)
	default:
		return ticker.LocalLease{}
	}
}

func (a *Application) redis() redis.UniversalClient {
	if a.redisClient == nil {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.config.Redis.Addr,
			Password: a.config.Redis.Password,
			DB:       a.config.Redis.DB,
		})
		a.ownsRedis = true
	}
	return a.redisClient
}

func (a *Application) bridgeActive() bool {
	return a.bridge != nil && a.bridge.Running()
}

// Start brings the process online: hub and bridge first so emissions reach peers,
// then the ticker, then the HTTP listener.
func (a *Application) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if err := a.ticker.Start(ctx); err != nil {
		_ = a.hub.Stop()
		return fmt.Errorf("failed to start ticker: %w", err)
	}

	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		_ = a.ticker.Stop(ctx)
		_ = a.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.listenAddr, err)
	}
	a.listener = listener
	a.cleanup = clock.Every(a.clock, limiterCleanupInterval, func() {
		a.limiter.Cleanup(limiterMaxIdle)
	})

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	a.log.Info().
		Str("addr", listener.Addr().String()).
		Str("bridge", a.config.Bridge.Backend).
		Str("ticker", a.ticker.State().String()).
		Msg("ruleevents started")
	return nil
}

// Stop shuts down in reverse order. Watch streams are closed as soon as the
// listener stops accepting.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info().Msg("shutting down")

	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	if err := a.ticker.Stop(ctx); err != nil {
		a.log.Warn().Err(err).Msg("ticker shutdown error")
	}
	if a.listener != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
	}
	a.registry.Close()
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.log.Warn().Err(err).Msg("hub shutdown error")
	}

	a.closeResources()
	a.log.Info().Msg("shutdown complete")
	return nil
}

func (a *Application) closeResources() {
	if a.ownsRedis && a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn().Err(err).Msg("redis close error")
		}
	}
	if a.dbManager != nil {
		if err := a.dbManager.Close(); err != nil {
			a.log.Warn().Err(err).Msg("database close error")
		}
	}
}

// Addr returns the bound listen address once started, otherwise the configured one.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.listenAddr
}

func (a *Application) InstanceID() string { return a.instanceID }

func (a *Application) Hub() *hub.Hub { return a.hub }

func (a *Application) Store() *classroom.Store { return a.store }

func (a *Application) Registry() *registry.Registry { return a.registry }

func (a *Application) Ticker() *ticker.Ticker { return a.ticker }

func (a *Application) Handler() http.Handler { return a.apiServer }
