// Package clock abstracts wall-clock time and timers so periodic work can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call stopped it.
	Stop() bool
}

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the Clock backed by the time package. Timers created by time.AfterFunc
// do not keep the process alive.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrReal returns c when non-nil, otherwise the wall clock.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// repeating re-arms a one-shot timer after every firing.
type repeating struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	fn       func()
	current  Timer
	stopped  bool
}

// Every calls f every interval until the returned Timer is stopped.
// The first call happens one interval from now.
func Every(c Clock, interval time.Duration, f func()) Timer {
	r := &repeating{clock: OrReal(c), interval: interval, fn: f}
	r.mu.Lock()
	r.current = r.clock.AfterFunc(interval, r.fire)
	r.mu.Unlock()
	return r
}

func (r *repeating) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.fn()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.current = r.clock.AfterFunc(r.interval, r.fire)
	}
}

func (r *repeating) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.current != nil {
		r.current.Stop()
	}
	return true
}
