package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidChannel is returned when a channel name would not be a safe identifier.
var ErrInvalidChannel = errors.New("invalid notification channel name")

// Transport carries raw envelope payloads between processes. Delivery is best-effort
// multicast: every subscriber attached when a payload is published may receive it once.
type Transport interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live listener on one channel. Messages is closed when the
// subscription ends, either through Close or because the underlying connection failed.
type Subscription interface {
	Messages() <-chan string
	Errors() <-chan error
	Close() error
}

// subscription is the channel-backed Subscription shared by the transports.
type subscription struct {
	messages chan string
	errors   chan error
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func newSubscription(cancel context.CancelFunc) *subscription {
	return &subscription{
		messages: make(chan string, 16),
		errors:   make(chan error, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (s *subscription) Messages() <-chan string {
	return s.messages
}

func (s *subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the pump and waits for it to release its connection. Safe to call multiple times.
func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// deliver hands a payload to the consumer unless the subscription is shutting down.
func (s *subscription) deliver(ctx context.Context, payload string) bool {
	select {
	case s.messages <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail records a terminal error without blocking.
func (s *subscription) fail(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// finish closes the consumer channels and marks the pump as exited.
func (s *subscription) finish() {
	close(s.messages)
	close(s.errors)
	close(s.done)
}
