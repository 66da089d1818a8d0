package bridge

import (
	"context"
	"sync"
)

// MemoryTransport multicasts payloads between bridges inside one process.
// It backs single-node deployments without a shared broker, and tests.
type MemoryTransport struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]context.Context
}

// NewMemoryTransport returns an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*subscription]context.Context)}
}

// Publish delivers payload to every subscriber of channel. Slow subscribers drop the payload.
func (t *MemoryTransport) Publish(_ context.Context, channel, payload string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub, ctx := range t.subs[channel] {
		if ctx.Err() != nil {
			continue
		}
		select {
		case sub.messages <- payload:
		default:
		}
	}
	return nil
}

// Subscribe attaches a listener to channel.
func (t *MemoryTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(cancel)

	t.mu.Lock()
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*subscription]context.Context)
	}
	t.subs[channel][sub] = subCtx
	t.mu.Unlock()

	go func() {
		<-subCtx.Done()
		t.mu.Lock()
		delete(t.subs[channel], sub)
		if len(t.subs[channel]) == 0 {
			delete(t.subs, channel)
		}
		t.mu.Unlock()
		sub.finish()
	}()

	return sub, nil
}

// Subscribers reports how many listeners are attached to channel.
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}
