package ticker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ruleevents/internal/clock"
	"ruleevents/pkg/interfaces"
)

const (
	// DefaultRetryInterval is the fixed wait after losing a lease race.
	DefaultRetryInterval = 30 * time.Second
	// TickInterval is the spacing of schedule boundary checks.
	TickInterval = time.Minute
	// MaxCatchUp bounds how many past minutes a late tick still checks.
	MaxCatchUp = 5 * time.Minute
	// AlignSlack lands each tick just after the minute turns.
	AlignSlack = 250 * time.Millisecond

	releaseTimeout = 5 * time.Second
)

// EmitFunc is invoked once per classroom whose schedule crosses a boundary.
type EmitFunc func(ctx context.Context, classroomID string, at time.Time)

// Observer receives ticker events, typically a metrics collector.
type Observer interface {
	TickerStateChanged(state string)
	TickerBoundaries(n int)
}

type nopObserver struct{}

func (nopObserver) TickerStateChanged(string) {}
func (nopObserver) TickerBoundaries(int)      {}

// Ticker fires classroom-changed emissions at schedule boundaries. Across all
// processes sharing a LeaseAcquirer only the lease holder ticks.
type Ticker struct {
	acquirer      LeaseAcquirer
	store         interfaces.ScheduleStore
	emit          EmitFunc
	enabled       bool
	retryInterval time.Duration
	clock         clock.Clock
	log           zerolog.Logger
	observer      Observer

	mu          sync.Mutex
	state       State
	active      bool   // between Start and Stop
	gen         uint64 // bumped on teardown, invalidates stale timer callbacks
	ctx         context.Context
	cancel      context.CancelFunc
	lease       Lease
	leaseCancel context.CancelFunc
	timer       clock.Timer
	nextMinute  time.Time // first minute not yet checked while leading
	wg          sync.WaitGroup
}

// Option configures a Ticker.
type Option func(*Ticker)

// WithEnabled switches ticking on or off. A disabled ticker never acquires a lease.
func WithEnabled(enabled bool) Option {
	return func(t *Ticker) { t.enabled = enabled }
}

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(t *Ticker) {
		if d > 0 {
			t.retryInterval = d
		}
	}
}

// WithClock injects the clock.
func WithClock(c clock.Clock) Option {
	return func(t *Ticker) { t.clock = clock.OrReal(c) }
}

// WithLogger sets the ticker logger.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Ticker) { t.log = log }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(t *Ticker) {
		if o != nil {
			t.observer = o
		}
	}
}

// New creates a stopped ticker. It is enabled unless WithEnabled(false) is given.
func New(acquirer LeaseAcquirer, store interfaces.ScheduleStore, emit EmitFunc, opts ...Option) *Ticker {
	t := &Ticker{
		acquirer:      acquirer,
		store:         store,
		emit:          emit,
		enabled:       true,
		retryInterval: DefaultRetryInterval,
		clock:         clock.New(),
		log:           zerolog.Nop(),
		observer:      nopObserver{},
		state:         StateStopped,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current state.
func (t *Ticker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start begins lease acquisition. The first attempt runs on the calling goroutine;
// when it wins, the immediate tick runs before Start returns. Calling Start on a
// running ticker is a no-op. The ticker's lifetime is owned by Stop, so the
// context is not retained.
func (t *Ticker) Start(_ context.Context) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return nil
	}
	if !t.enabled {
		t.setStateLocked(StateDisabled)
		t.mu.Unlock()
		t.log.Info().Msg("schedule ticker disabled")
		return nil
	}
	t.active = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	gen := t.gen
	t.mu.Unlock()

	t.acquire(gen)
	return nil
}

// Stop cancels pending timers, releases any held lease and waits for background
// work to finish. It is safe from any state, including before Start.
func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.active {
		t.setStateLocked(StateStopped)
		t.mu.Unlock()
		return nil
	}
	t.active = false
	t.gen++
	cancel, leaseCancel, timer, lease := t.cancel, t.leaseCancel, t.timer, t.lease
	t.leaseCancel, t.timer, t.lease = nil, nil, nil
	t.setStateLocked(StateStopped)
	t.mu.Unlock()

	cancel()
	if leaseCancel != nil {
		leaseCancel()
	}
	if timer != nil {
		timer.Stop()
	}
	var err error
	if lease != nil {
		err = lease.Release(ctx)
	}
	t.wg.Wait()
	t.log.Info().Msg("schedule ticker stopped")
	return err
}

// RunOnce performs one boundary check as of at and returns the number of
// classrooms emitted. It does not require leadership.
func (t *Ticker) RunOnce(ctx context.Context, at time.Time) int {
	ids, err := t.store.GetClassroomIDsWithScheduleBoundaryAt(ctx, at)
	if err != nil {
		t.log.Warn().Err(err).Time("at", at).Msg("schedule boundary lookup failed")
		return 0
	}
	for _, id := range ids {
		t.emit(ctx, id, at)
	}
	t.observer.TickerBoundaries(len(ids))
	if len(ids) > 0 {
		t.log.Debug().Int("classrooms", len(ids)).Time("at", at).Msg("schedule boundaries crossed")
	}
	return len(ids)
}

// AlignDelay returns the wait from now until just after the next minute boundary.
// A delay that would exceed one minute is clamped to AlignSlack.
func AlignDelay(now time.Time) time.Duration {
	intoMinute := now.Sub(now.Truncate(time.Minute))
	delay := time.Minute - intoMinute + AlignSlack
	if delay > time.Minute {
		return AlignSlack
	}
	return delay
}

func (t *Ticker) acquire(gen uint64) {
	t.mu.Lock()
	if !t.active || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.setStateLocked(StateAcquiringLease)
	ctx := t.ctx
	t.mu.Unlock()

	lease, ok, err := t.acquirer.TryAcquire(ctx)

	t.mu.Lock()
	if !t.active || gen != t.gen {
		t.mu.Unlock()
		if ok {
			releaseQuietly(lease)
		}
		return
	}
	if err != nil || !ok {
		if err != nil {
			t.log.Warn().Err(err).Dur("retryIn", t.retryInterval).Msg("ticker lease attempt failed")
		} else {
			t.log.Debug().Dur("retryIn", t.retryInterval).Msg("ticker lease held by another process")
		}
		t.setStateLocked(StateRetrying)
		t.timer = t.clock.AfterFunc(t.retryInterval, func() { t.acquire(gen) })
		t.mu.Unlock()
		return
	}

	t.lease = lease
	leaseCtx, leaseCancel := context.WithCancel(ctx)
	t.leaseCancel = leaseCancel
	t.setStateLocked(StateLeading)
	t.wg.Add(1)
	go t.watchLease(leaseCtx, gen, lease)
	t.mu.Unlock()

	t.log.Info().Msg("schedule ticker leading")
	now := t.clock.Now()
	t.RunOnce(ctx, now)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.leadingLocked(gen) {
		return
	}
	t.nextMinute = now.Truncate(time.Minute).Add(TickInterval)
	t.armLocked(gen)
}

// armLocked schedules the next tick just after nextMinute begins. Deadlines are
// absolute, so time spent inside a tick never pushes later ticks back.
func (t *Ticker) armLocked(gen uint64) {
	delay := t.nextMinute.Add(AlignSlack).Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}
	t.timer = t.clock.AfterFunc(delay, func() { t.tick(gen) })
}

// tick checks every minute from nextMinute up to the current one, so a tick
// that lands late still visits each minute exactly once.
func (t *Ticker) tick(gen uint64) {
	t.mu.Lock()
	if !t.leadingLocked(gen) {
		t.mu.Unlock()
		return
	}
	ctx, from := t.ctx, t.nextMinute
	t.mu.Unlock()

	now := t.clock.Now()
	current := now.Truncate(time.Minute)
	if behind := current.Sub(from); behind > MaxCatchUp {
		t.log.Warn().Time("from", from).Dur("behind", behind).Msg("schedule ticker too far behind, skipping minutes")
		from = current.Add(-MaxCatchUp)
	}
	for m := from; !m.After(current); m = m.Add(TickInterval) {
		if ctx.Err() != nil {
			return
		}
		at := m
		if m.Equal(current) {
			at = now
		}
		t.RunOnce(ctx, at)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.leadingLocked(gen) {
		return
	}
	if next := current.Add(TickInterval); next.After(t.nextMinute) {
		t.nextMinute = next
	}
	t.armLocked(gen)
}

// watchLease tears leadership down when the lease connection fails and starts
// acquiring again.
func (t *Ticker) watchLease(ctx context.Context, gen uint64, lease Lease) {
	defer t.wg.Done()

	var err error
	select {
	case <-ctx.Done():
		return
	case err = <-lease.Lost():
	}

	t.mu.Lock()
	if !t.active || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	next := t.gen
	timer, leaseCancel := t.timer, t.leaseCancel
	t.timer, t.lease, t.leaseCancel = nil, nil, nil
	t.mu.Unlock()

	t.log.Warn().Err(err).Msg("ticker lease connection lost, re-acquiring")
	if timer != nil {
		timer.Stop()
	}
	leaseCancel()
	releaseQuietly(lease)

	t.acquire(next)
}

func (t *Ticker) leadingLocked(gen uint64) bool {
	return t.active && gen == t.gen && t.state == StateLeading
}

func (t *Ticker) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	t.observer.TickerStateChanged(s.String())
}

func releaseQuietly(lease Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	_ = lease.Release(ctx)
}
