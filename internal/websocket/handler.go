package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ruleevents/internal/clock"
	"ruleevents/internal/registry"
	"ruleevents/pkg/interfaces"
	"ruleevents/pkg/types"
)

// Registrar is the part of the registry the handler needs.
type Registrar interface {
	Register(hostname, classroomID, groupID string, stream interfaces.Stream) (*registry.Registration, error)
}

// Config tunes heartbeats and buffering for WebSocket watchers.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultConfig pings every 30s and drops peers silent for 60s.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   defaultBufferSize,
	}
}

// Handler serves watch sessions over WebSocket. Each session receives the same
// payloads as an SSE watcher, one JSON text message per change.
type Handler struct {
	registry Registrar
	resolver interfaces.ClassroomResolver
	config   Config
	clock    clock.Clock
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// Option configures a Handler.
type Option func(*Handler)

func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = clock.OrReal(c) }
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithCheckOrigin replaces the permissive origin check.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

func NewHandler(reg Registrar, resolver interfaces.ClassroomResolver, config Config, opts ...Option) *Handler {
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	h := &Handler{
		registry: reg,
		resolver: resolver,
		config:   config,
		clock:    clock.New(),
		log:      zerolog.Nop(),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP validates the request, resolves the classroom's current group, upgrades
// and then blocks until the peer goes away or the registry drops the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	classroomID := r.URL.Query().Get("classroomId")
	hostname := r.URL.Query().Get("hostname")
	if !types.IsValidIdentifier(classroomID) || !types.IsValidIdentifier(hostname) {
		http.Error(w, "classroomId and hostname are required", http.StatusBadRequest)
		return
	}

	groupCtx, err := h.resolver.ResolveClassroomGroupContext(r.Context(), classroomID, h.clock.Now())
	if err != nil {
		h.log.Warn().Err(err).Str("classroom_id", classroomID).Msg("failed to resolve classroom")
		http.Error(w, "failed to resolve classroom", http.StatusInternalServerError)
		return
	}
	if groupCtx == nil {
		http.Error(w, "classroom has no active group", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, h.config.BufferSize, h.config.WriteTimeout)
	registration, err := h.registry.Register(hostname, classroomID, groupCtx.GroupID, wsConn)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to register websocket watcher")
		_ = wsConn.Close()
		return
	}
	defer registration.Deregister()

	if frame, err := types.DataFrame(types.NewChangePayload(groupCtx.GroupID)); err == nil {
		_ = wsConn.Write(frame)
	}

	h.readPump(wsConn)
}

// readPump keeps the read deadline fresh from pongs and discards client messages.
func (h *Handler) readPump(c *Connection) {
	if err := c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	pinger := clock.Every(h.clock, h.config.PingInterval, func() {
		_ = c.Write(types.KeepAliveFrame)
	})
	defer pinger.Stop()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
