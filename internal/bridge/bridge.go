package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ruleevents/internal/clock"
	"ruleevents/pkg/types"
)

const (
	// DefaultResubscribeDelay is the wait before re-attaching a listener whose connection failed.
	DefaultResubscribeDelay = 5 * time.Second
	// DefaultPublishTimeout bounds one outbound notify.
	DefaultPublishTimeout = 5 * time.Second
)

// Receive outcomes reported to the Observer.
const (
	OutcomeDispatched = "dispatched"
	OutcomeSelfEcho   = "self_echo"
	OutcomeMalformed  = "malformed"
)

// LocalPublisher is the in-process fan-out the bridge dispatches remote envelopes to.
type LocalPublisher interface {
	PublishGroupChanged(groupID string) int
	PublishClassroomChanged(ctx context.Context, classroomID string, at time.Time) int
	PublishBroadcast() int
}

// Observer receives bridge events, typically a metrics collector.
type Observer interface {
	BridgeReceived(outcome string)
	BridgePublished(envelopeType string, err error)
}

type nopObserver struct{}

func (nopObserver) BridgeReceived(string)         {}
func (nopObserver) BridgePublished(string, error) {}

// Bridge relays change envelopes between API processes over a Transport.
// Every envelope it sends carries instanceID as origin; envelopes coming back
// with the same origin are dropped because the local fan-out already happened.
type Bridge struct {
	transport  Transport
	local      LocalPublisher
	instanceID string
	channel    string

	log              zerolog.Logger
	observer         Observer
	clock            clock.Clock
	resubscribeDelay time.Duration
	publishTimeout   time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	sub     Subscription
	retry   clock.Timer
	wg      sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithChannel sets the notification channel. Invalid names fall back to types.DefaultChannelName.
func WithChannel(name string) Option {
	return func(b *Bridge) { b.channel = name }
}

// WithLogger sets the bridge logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bridge) {
		if o != nil {
			b.observer = o
		}
	}
}

// WithClock injects the clock used for resubscribe backoff.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) { b.clock = clock.OrReal(c) }
}

// WithResubscribeDelay overrides DefaultResubscribeDelay.
func WithResubscribeDelay(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.resubscribeDelay = d
		}
	}
}

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

// New creates a stopped bridge. local may be nil for publish-only use.
func New(transport Transport, local LocalPublisher, instanceID string, opts ...Option) *Bridge {
	b := &Bridge{
		transport:        transport,
		local:            local,
		instanceID:       instanceID,
		channel:          types.DefaultChannelName,
		log:              zerolog.Nop(),
		observer:         nopObserver{},
		clock:            clock.New(),
		resubscribeDelay: DefaultResubscribeDelay,
		publishTimeout:   DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if !types.IsValidChannelName(b.channel) {
		b.log.Warn().Str("channel", b.channel).Str("fallback", types.DefaultChannelName).
			Msg("invalid notification channel name, using default")
		b.channel = types.DefaultChannelName
	}
	return b
}

// Channel returns the validated channel name.
func (b *Bridge) Channel() string {
	return b.channel
}

// InstanceID returns the origin stamped on outgoing envelopes.
func (b *Bridge) InstanceID() string {
	return b.instanceID
}

// Start attaches the listener. It is idempotent. When the listener cannot be
// attached the error is returned and the bridge stays inactive; the process then
// only notifies its own clients.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	sub, err := b.transport.Subscribe(ctx, b.channel)
	if err != nil {
		b.mu.Lock()
		b.running = false
		b.cancel()
		b.mu.Unlock()
		b.log.Warn().Err(err).Str("channel", b.channel).
			Msg("event bridge inactive, notifications stay local to this process")
		return fmt.Errorf("start bridge: %w", err)
	}

	if !b.attach(sub) {
		_ = sub.Close()
		return nil
	}
	b.log.Info().Str("channel", b.channel).Str("instanceId", b.instanceID).Msg("event bridge listening")
	return nil
}

// Running reports whether the listener is attached or being re-attached.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Stop detaches the listener and waits for the receive loop to exit.
// Safe to call when never started.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	sub, retry, cancel := b.sub, b.retry, b.cancel
	b.sub, b.retry = nil, nil
	b.mu.Unlock()

	cancel()
	if retry != nil {
		retry.Stop()
	}
	if sub != nil {
		_ = sub.Close()
	}
	b.wg.Wait()
	b.log.Info().Msg("event bridge stopped")
}

// attach installs sub and starts its receive loop. It reports false when the
// bridge was stopped in the meantime.
func (b *Bridge) attach(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return false
	}
	b.sub = sub
	b.wg.Add(1)
	go b.receive(b.ctx, sub)
	return true
}

func (b *Bridge) receive(ctx context.Context, sub Subscription) {
	defer b.wg.Done()

	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.log.Warn().Err(err).Msg("event bridge listener error")
		case payload, ok := <-sub.Messages():
			if !ok {
				b.lost(sub)
				return
			}
			b.HandleMessage(ctx, payload)
		}
	}
}

// lost schedules a resubscribe after the listener's connection went away.
func (b *Bridge) lost(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.sub != sub {
		return
	}
	b.sub = nil
	b.log.Warn().Dur("retryIn", b.resubscribeDelay).Msg("event bridge listener lost, resubscribing")
	b.retry = b.clock.AfterFunc(b.resubscribeDelay, b.resubscribe)
}

func (b *Bridge) resubscribe() {
	b.mu.Lock()
	if !b.running || b.sub != nil {
		b.mu.Unlock()
		return
	}
	ctx := b.ctx
	b.retry = nil
	b.mu.Unlock()

	sub, err := b.transport.Subscribe(ctx, b.channel)
	if err != nil {
		b.log.Warn().Err(err).Dur("retryIn", b.resubscribeDelay).Msg("event bridge resubscribe failed")
		b.mu.Lock()
		if b.running {
			b.retry = b.clock.AfterFunc(b.resubscribeDelay, b.resubscribe)
		}
		b.mu.Unlock()
		return
	}
	if !b.attach(sub) {
		_ = sub.Close()
		return
	}
	b.log.Info().Str("channel", b.channel).Msg("event bridge resubscribed")
}

// HandleMessage processes one raw payload received from the channel and reports
// whether it was dispatched to the local publisher. Malformed or foreign payloads
// and this process's own envelopes are dropped quietly.
func (b *Bridge) HandleMessage(ctx context.Context, payload string) bool {
	env, err := types.ParseEnvelope(payload)
	if err != nil {
		b.observer.BridgeReceived(OutcomeMalformed)
		b.log.Trace().Err(err).Msg("discarding unrecognised bridge payload")
		return false
	}
	if env.Origin == b.instanceID {
		b.observer.BridgeReceived(OutcomeSelfEcho)
		return false
	}
	if b.local == nil {
		return false
	}

	switch env.Type {
	case types.EnvelopeTypeGroup:
		b.local.PublishGroupChanged(env.GroupID)
	case types.EnvelopeTypeClassroom:
		b.local.PublishClassroomChanged(ctx, env.ClassroomID, time.Time{})
	case types.EnvelopeTypeBroadcast:
		b.local.PublishBroadcast()
	}
	b.observer.BridgeReceived(OutcomeDispatched)
	b.log.Debug().Str("type", env.Type).Str("origin", env.Origin).Msg("remote change dispatched")
	return true
}

// Publish sends env on the channel and returns any transport error.
func (b *Bridge) Publish(ctx context.Context, env types.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	err = b.transport.Publish(ctx, b.channel, payload)
	b.observer.BridgePublished(env.Type, err)
	return err
}

// NotifyGroup tells peer processes that groupID changed. Failures are logged only.
func (b *Bridge) NotifyGroup(ctx context.Context, groupID string) {
	b.notify(ctx, types.GroupEnvelope(groupID, b.instanceID))
}

// NotifyClassroom tells peer processes to re-resolve classroomID. Failures are logged only.
func (b *Bridge) NotifyClassroom(ctx context.Context, classroomID string) {
	b.notify(ctx, types.ClassroomEnvelope(classroomID, b.instanceID))
}

// NotifyBroadcast tells peer processes to refresh every client. Failures are logged only.
func (b *Bridge) NotifyBroadcast(ctx context.Context) {
	b.notify(ctx, types.BroadcastEnvelope(b.instanceID))
}

func (b *Bridge) notify(ctx context.Context, env types.Envelope) {
	if err := b.Publish(ctx, env); err != nil {
		b.log.Warn().Err(err).Str("type", env.Type).Str("channel", b.channel).
			Msg("failed to notify peer processes")
	}
}
