package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ruleevents/internal/clock"
	"ruleevents/internal/registry"
	"ruleevents/pkg/interfaces"
	"ruleevents/pkg/types"
)

// Registry is the registry surface used by the watch endpoint and health.
type Registry interface {
	Register(hostname, classroomID, groupID string, stream interfaces.Stream) (*registry.Registration, error)
	Stats() registry.Stats
}

// ActiveGroupStore pins or clears a classroom's manual group.
type ActiveGroupStore interface {
	SetActiveGroup(ctx context.Context, classroomID, groupID string) error
}

// Server is the HTTP surface: watch streams, emission endpoints, health and metrics.
// It holds no notification logic of its own.
type Server struct {
	emitter  interfaces.Emitter
	registry Registry
	resolver interfaces.ClassroomResolver

	store        ActiveGroupStore
	health       interfaces.HealthChecker
	instanceID   string
	bridgeActive func() bool
	tickerState  func() string
	metrics      http.Handler
	websocket    http.Handler
	limiter      *RateLimiter

	clock   clock.Clock
	log     zerolog.Logger
	started time.Time
	router  *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = clock.OrReal(c) }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithActiveGroupStore enables PUT /api/classrooms/{id}/active-group.
func WithActiveGroupStore(store ActiveGroupStore) Option {
	return func(s *Server) { s.store = store }
}

// WithHealthChecker reports database health on /health.
func WithHealthChecker(h interfaces.HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithStatus adds process details to /health.
func WithStatus(instanceID string, bridgeActive func() bool, tickerState func() string) Option {
	return func(s *Server) {
		s.instanceID = instanceID
		s.bridgeActive = bridgeActive
		s.tickerState = tickerState
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithWebSocketHandler serves h on /ws.
func WithWebSocketHandler(h http.Handler) Option {
	return func(s *Server) { s.websocket = h }
}

// WithRateLimiter limits watch connection attempts per hostname.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

func NewServer(emitter interfaces.Emitter, reg Registry, resolver interfaces.ClassroomResolver, opts ...Option) *Server {
	s := &Server{
		emitter:  emitter,
		registry: reg,
		resolver: resolver,
		clock:    clock.New(),
		log:      zerolog.Nop(),
		router:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("GET /api/events/watch", s.rateLimitMiddleware(http.HandlerFunc(s.handleWatch)))
	if s.websocket != nil {
		s.router.Handle("GET /ws", s.rateLimitMiddleware(s.websocket))
	}

	s.router.Handle("POST /api/events/groups/{id}", s.jsonMiddleware(http.HandlerFunc(s.emitGroup)))
	s.router.Handle("POST /api/events/classrooms/{id}", s.jsonMiddleware(http.HandlerFunc(s.emitClassroom)))
	s.router.Handle("POST /api/events/broadcast", s.jsonMiddleware(http.HandlerFunc(s.emitBroadcast)))
	if s.store != nil {
		s.router.Handle("PUT /api/classrooms/{id}/active-group", s.jsonMiddleware(http.HandlerFunc(s.setActiveGroup)))
	}

	s.router.Handle("GET /health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type EmitResponse struct {
	Event       string `json:"event"`
	GroupID     string `json:"groupId,omitempty"`
	ClassroomID string `json:"classroomId,omitempty"`
}

type ActiveGroupRequest struct {
	GroupID string `json:"groupId"`
}

type ActiveGroupResponse struct {
	ClassroomID   string `json:"classroomId"`
	ActiveGroupID string `json:"activeGroupId"`
}

type HealthResponse struct {
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	InstanceID   string         `json:"instanceId,omitempty"`
	Database     string         `json:"database"`
	Clients      registry.Stats `json:"clients"`
	BridgeActive bool           `json:"bridgeActive"`
	TickerState  string         `json:"tickerState,omitempty"`
	Uptime       string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleWatch streams change notifications for one classroom as server-sent events.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	classroomID := r.URL.Query().Get("classroomId")
	hostname := r.URL.Query().Get("hostname")
	if !types.IsValidIdentifier(classroomID) || !types.IsValidIdentifier(hostname) {
		s.sendError(w, "classroomId and hostname are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	groupCtx, err := s.resolver.ResolveClassroomGroupContext(r.Context(), classroomID, s.clock.Now())
	if err != nil {
		s.log.Warn().Err(err).Str("classroom_id", classroomID).Msg("failed to resolve classroom")
		s.sendError(w, "failed to resolve classroom", http.StatusInternalServerError)
		return
	}
	if groupCtx == nil {
		s.sendError(w, "classroom has no active group", http.StatusNotFound)
		return
	}

	// a watch outlives the server-wide write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.log.Debug().Err(err).Msg("watch write deadline not cleared")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	stream := newSSEStream(w, flusher)
	registration, err := s.registry.Register(hostname, classroomID, groupCtx.GroupID, stream)
	if err != nil {
		s.sendError(w, "failed to register watcher", http.StatusInternalServerError)
		return
	}
	defer registration.Deregister()

	frame, err := types.DataFrame(types.NewChangePayload(groupCtx.GroupID))
	if err != nil || stream.Write(frame) != nil {
		return
	}

	select {
	case <-r.Context().Done():
	case <-stream.done:
	}
}

// POST /api/events/groups/{id}
func (s *Server) emitGroup(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	if !types.IsValidIdentifier(groupID) {
		s.sendError(w, "invalid group id", http.StatusBadRequest)
		return
	}
	s.emitter.EmitWhitelistChanged(groupID)
	s.accepted(w, EmitResponse{Event: types.EnvelopeTypeGroup, GroupID: groupID})
}

// POST /api/events/classrooms/{id}?at=RFC3339
func (s *Server) emitClassroom(w http.ResponseWriter, r *http.Request) {
	classroomID := r.PathValue("id")
	if !types.IsValidIdentifier(classroomID) {
		s.sendError(w, "invalid classroom id", http.StatusBadRequest)
		return
	}

	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.sendError(w, "at must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		at = parsed
	}

	s.emitter.EmitClassroomChanged(classroomID, at)
	s.accepted(w, EmitResponse{Event: types.EnvelopeTypeClassroom, ClassroomID: classroomID})
}

// POST /api/events/broadcast
func (s *Server) emitBroadcast(w http.ResponseWriter, r *http.Request) {
	s.emitter.EmitAllWhitelistsChanged()
	s.accepted(w, EmitResponse{Event: types.EnvelopeTypeBroadcast})
}

// PUT /api/classrooms/{id}/active-group
func (s *Server) setActiveGroup(w http.ResponseWriter, r *http.Request) {
	classroomID := r.PathValue("id")
	if !types.IsValidIdentifier(classroomID) {
		s.sendError(w, "invalid classroom id", http.StatusBadRequest)
		return
	}

	var req ActiveGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.GroupID != "" && !types.IsValidIdentifier(req.GroupID) {
		s.sendError(w, "invalid group id", http.StatusBadRequest)
		return
	}

	if err := s.store.SetActiveGroup(r.Context(), classroomID, req.GroupID); err != nil {
		if errors.Is(err, interfaces.ErrClassroomNotFound) {
			s.sendError(w, "classroom not found", http.StatusNotFound)
			return
		}
		s.log.Warn().Err(err).Str("classroom_id", classroomID).Msg("failed to set active group")
		s.sendError(w, "failed to set active group", http.StatusInternalServerError)
		return
	}

	s.emitter.EmitClassroomChanged(classroomID, time.Time{})
	_ = json.NewEncoder(w).Encode(ActiveGroupResponse{ClassroomID: classroomID, ActiveGroupID: req.GroupID})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	now := s.clock.Now()
	resp := HealthResponse{
		Status:     "healthy",
		Timestamp:  now,
		InstanceID: s.instanceID,
		Database:   "healthy",
		Clients:    s.registry.Stats(),
		Uptime:     now.Sub(s.started).Round(time.Second).String(),
	}
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	} else {
		resp.Database = "unknown"
	}
	if s.bridgeActive != nil {
		resp.BridgeActive = s.bridgeActive()
	}
	if s.tickerState != nil {
		resp.TickerState = s.tickerState()
	}

	if resp.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) accepted(w http.ResponseWriter, resp EmitResponse) {
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware keys on the hostname parameter, falling back to the remote IP.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("hostname")
		if key == "" {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
		}
		if !s.limiter.Allow(key) {
			s.sendError(w, "too many watch attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
