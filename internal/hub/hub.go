package hub

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ruleevents/internal/bridge"
	"ruleevents/internal/clock"
	"ruleevents/pkg/interfaces"
)

// DefaultNotifyTimeout bounds one background peer notification.
const DefaultNotifyTimeout = 5 * time.Second

// Emission kinds reported to the Observer.
const (
	KindGroup     = "group"
	KindClassroom = "classroom"
	KindBroadcast = "broadcast"
)

// Notifier forwards a change to peer processes. Implementations log their own failures.
type Notifier interface {
	Start(ctx context.Context) error
	Stop()
	NotifyGroup(ctx context.Context, groupID string)
	NotifyClassroom(ctx context.Context, classroomID string)
	NotifyBroadcast(ctx context.Context)
}

// Observer receives emission events, typically a metrics collector.
type Observer interface {
	Emitted(kind string)
}

type nopObserver struct{}

func (nopObserver) Emitted(string) {}

// Hub is the emission entry point for the service layer. Each Emit call fans out
// to this process's clients synchronously and then notifies peer processes on a
// background goroutine; nothing is returned and nothing blocks on the network.
type Hub struct {
	local         bridge.LocalPublisher
	notifier      Notifier
	clock         clock.Clock
	log           zerolog.Logger
	observer      Observer
	notifyTimeout time.Duration

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // in-flight peer notifications
}

var _ interfaces.Emitter = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithNotifier sets the cross-process notifier. Without one the hub is local-only.
func WithNotifier(n Notifier) Option {
	return func(h *Hub) { h.notifier = n }
}

// WithClock injects the clock used to default classroom resolution time.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = clock.OrReal(c) }
}

// WithLogger sets the hub logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithNotifyTimeout overrides DefaultNotifyTimeout.
func WithNotifyTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.notifyTimeout = d
		}
	}
}

// NewHub creates a stopped hub publishing locally through local.
func NewHub(local bridge.LocalPublisher, opts ...Option) *Hub {
	h := &Hub{
		local:         local,
		clock:         clock.New(),
		log:           zerolog.Nop(),
		observer:      nopObserver{},
		notifyTimeout: DefaultNotifyTimeout,
		ctx:           context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start attaches the notifier's listener. A notifier that fails to start is
// logged and the hub keeps running local-only.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.mu.Unlock()

	if h.notifier != nil {
		if err := h.notifier.Start(ctx); err != nil {
			h.log.Warn().Err(err).Msg("peer notifications unavailable, running local-only")
		}
	}
	h.log.Info().Bool("peers", h.notifier != nil).Msg("hub started")
	return nil
}

// Stop waits for in-flight peer notifications and detaches the notifier.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel := h.cancel
	h.ctx, h.cancel = context.Background(), nil
	h.mu.Unlock()

	h.wg.Wait()
	cancel()
	if h.notifier != nil {
		h.notifier.Stop()
	}
	h.log.Info().Msg("hub stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// EmitWhitelistChanged announces that the rules of groupID changed.
func (h *Hub) EmitWhitelistChanged(groupID string) {
	n := h.local.PublishGroupChanged(groupID)
	h.observer.Emitted(KindGroup)
	h.log.Debug().Str("groupId", groupID).Int("delivered", n).Msg("whitelist changed")

	h.notifyAsync(KindGroup, func(ctx context.Context, n Notifier) {
		n.NotifyGroup(ctx, groupID)
	})
}

// EmitClassroomChanged announces that the effective group of classroomID may have
// changed. A zero at means now.
func (h *Hub) EmitClassroomChanged(classroomID string, at time.Time) {
	h.EmitClassroomChangedContext(h.baseContext(), classroomID, at)
}

// EmitClassroomChangedContext is EmitClassroomChanged with the caller's context
// for the local resolution.
func (h *Hub) EmitClassroomChangedContext(ctx context.Context, classroomID string, at time.Time) {
	if at.IsZero() {
		at = h.clock.Now()
	}
	n := h.local.PublishClassroomChanged(ctx, classroomID, at)
	h.observer.Emitted(KindClassroom)
	h.log.Debug().Str("classroomId", classroomID).Time("at", at).Int("delivered", n).Msg("classroom changed")

	h.notifyAsync(KindClassroom, func(ctx context.Context, n Notifier) {
		n.NotifyClassroom(ctx, classroomID)
	})
}

// EmitAllWhitelistsChanged announces a change affecting every group.
func (h *Hub) EmitAllWhitelistsChanged() {
	n := h.local.PublishBroadcast()
	h.observer.Emitted(KindBroadcast)
	h.log.Debug().Int("delivered", n).Msg("all whitelists changed")

	h.notifyAsync(KindBroadcast, func(ctx context.Context, n Notifier) {
		n.NotifyBroadcast(ctx)
	})
}

func (h *Hub) baseContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// notifyAsync runs fn on a detached goroutine while the hub is running.
// A panic in the notifier is logged and contained.
func (h *Hub) notifyAsync(kind string, fn func(ctx context.Context, n Notifier)) {
	if h.notifier == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.log.Warn().
					Interface("panic", r).
					Str("kind", kind).
					Bytes("stack", debug.Stack()).
					Msg("peer notification panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), h.notifyTimeout)
		defer cancel()
		fn(ctx, h.notifier)
	}()
}
