package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleevents/internal/clock"
	"ruleevents/pkg/types"
)

// recordingPublisher captures dispatched local publishes.
type recordingPublisher struct {
	mu         sync.Mutex
	groups     []string
	classrooms []string
	broadcasts int
}

func (p *recordingPublisher) PublishGroupChanged(groupID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = append(p.groups, groupID)
	return 1
}

func (p *recordingPublisher) PublishClassroomChanged(_ context.Context, classroomID string, _ time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classrooms = append(p.classrooms, classroomID)
	return 1
}

func (p *recordingPublisher) PublishBroadcast() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts++
	return 1
}

func (p *recordingPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups) + len(p.classrooms) + p.broadcasts
}

func (p *recordingPublisher) groupCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.groups...)
}

// failingTransport fails every call.
type failingTransport struct{ err error }

func (t failingTransport) Publish(context.Context, string, string) error { return t.err }

func (t failingTransport) Subscribe(context.Context, string) (Subscription, error) {
	return nil, t.err
}

func encode(t *testing.T, env types.Envelope) string {
	t.Helper()
	raw, err := env.Encode()
	require.NoError(t, err)
	return raw
}

func TestBridge_HandleMessageDispatch(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, p *recordingPublisher)
	}{
		{
			name:    "group",
			payload: `{"type":"group","groupId":"g1","origin":"peer"}`,
			check: func(t *testing.T, p *recordingPublisher) {
				assert.Equal(t, []string{"g1"}, p.groups)
			},
		},
		{
			name:    "classroom",
			payload: `{"type":"classroom","classroomId":"cls-1","origin":"peer"}`,
			check: func(t *testing.T, p *recordingPublisher) {
				assert.Equal(t, []string{"cls-1"}, p.classrooms)
			},
		},
		{
			name:    "broadcast",
			payload: `{"type":"broadcast","origin":"peer"}`,
			check: func(t *testing.T, p *recordingPublisher) {
				assert.Equal(t, 1, p.broadcasts)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			b := New(NewMemoryTransport(), pub, "self")
			assert.True(t, b.HandleMessage(context.Background(), tt.payload))
			tt.check(t, pub)
		})
	}
}

func TestBridge_HandleMessageDiscards(t *testing.T) {
	payloads := map[string]string{
		"not json":          "not json",
		"unknown type":      `{"type":"unknown"}`,
		"missing origin":    `{"type":"group","groupId":"g1"}`,
		"group without id":  `{"type":"group","origin":"peer"}`,
		"empty":             "",
		"json array":        `[1,2,3]`,
		"self echo":         `{"type":"broadcast","origin":"self"}`,
		"self echo (group)": `{"type":"group","groupId":"g1","origin":"self"}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			pub := &recordingPublisher{}
			b := New(NewMemoryTransport(), pub, "self")
			assert.NotPanics(t, func() {
				assert.False(t, b.HandleMessage(context.Background(), payload))
			})
			assert.Equal(t, 0, pub.total())
		})
	}
}

func TestBridge_SelfEchoSuppression(t *testing.T) {
	pubA, pubB := &recordingPublisher{}, &recordingPublisher{}
	a := New(NewMemoryTransport(), pubA, "origin-a")
	b := New(NewMemoryTransport(), pubB, "origin-b")

	raw := encode(t, types.GroupEnvelope("g", a.InstanceID()))

	assert.False(t, a.HandleMessage(context.Background(), raw))
	assert.True(t, b.HandleMessage(context.Background(), raw))
	assert.Empty(t, pubA.groupCalls())
	assert.Equal(t, []string{"g"}, pubB.groupCalls())
}

func TestBridge_ChannelNameFallback(t *testing.T) {
	assert.Equal(t, "whitelist_events", New(NewMemoryTransport(), nil, "x", WithChannel("whitelist_events")).Channel())
	assert.Equal(t, types.DefaultChannelName, New(NewMemoryTransport(), nil, "x", WithChannel("x; DROP TABLE")).Channel())
	assert.Equal(t, types.DefaultChannelName, New(NewMemoryTransport(), nil, "x", WithChannel("")).Channel())
}

func TestBridge_PeersReceiveOverSharedTransport(t *testing.T) {
	transport := NewMemoryTransport()
	pubA, pubB := &recordingPublisher{}, &recordingPublisher{}
	a := New(transport, pubA, "origin-a")
	b := New(transport, pubB, "origin-b")

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)

	a.NotifyGroup(ctx, "g1")

	require.Eventually(t, func() bool { return len(pubB.groupCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"g1"}, pubB.groupCalls())
	// give A's own listener a chance to (wrongly) dispatch
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, pubA.groupCalls())
}

func TestBridge_StartIsIdempotentAndStopSafe(t *testing.T) {
	transport := NewMemoryTransport()
	b := New(transport, &recordingPublisher{}, "a")

	b.Stop() // never started

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 1, transport.Subscribers(b.Channel()))

	b.Stop()
	b.Stop()
	assert.False(t, b.Running())
	require.Eventually(t, func() bool { return transport.Subscribers(b.Channel()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBridge_StartFailureLeavesBridgeInactive(t *testing.T) {
	b := New(failingTransport{err: errors.New("connection refused")}, &recordingPublisher{}, "a")

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.False(t, b.Running())
	b.Stop()
}

func TestBridge_NotifySwallowsPublishErrors(t *testing.T) {
	obs := &recordingObserver{}
	b := New(failingTransport{err: errors.New("broken pipe")}, nil, "a", WithObserver(obs))

	assert.NotPanics(t, func() {
		b.NotifyGroup(context.Background(), "g1")
		b.NotifyClassroom(context.Background(), "cls-1")
		b.NotifyBroadcast(context.Background())
	})
	assert.Equal(t, 3, obs.publishErrors)

	err := b.Publish(context.Background(), types.GroupEnvelope("g1", "a"))
	assert.EqualError(t, err, "broken pipe")
}

func TestBridge_PublishRejectsInvalidEnvelope(t *testing.T) {
	b := New(NewMemoryTransport(), nil, "a")
	err := b.Publish(context.Background(), types.Envelope{Type: types.EnvelopeTypeGroup, Origin: "a"})
	assert.ErrorIs(t, err, types.ErrMissingGroupID)
}

// flakyTransport hands out subscriptions the test can kill.
type flakyTransport struct {
	*MemoryTransport
	mu   sync.Mutex
	subs []Subscription
}

func (t *flakyTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub, err := t.MemoryTransport.Subscribe(ctx, channel)
	if err == nil {
		t.mu.Lock()
		t.subs = append(t.subs, sub)
		t.mu.Unlock()
	}
	return sub, err
}

func (t *flakyTransport) killLatest() {
	t.mu.Lock()
	sub := t.subs[len(t.subs)-1]
	t.mu.Unlock()
	_ = sub.Close()
}

func (t *flakyTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func TestBridge_ResubscribesAfterListenerLoss(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	transport := &flakyTransport{MemoryTransport: NewMemoryTransport()}
	pub := &recordingPublisher{}
	b := New(transport, pub, "listener", WithClock(fc), WithResubscribeDelay(5*time.Second))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	transport.killLatest()
	require.Eventually(t, func() bool { return len(fc.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{5 * time.Second}, fc.Pending())

	fc.Advance(5 * time.Second)
	assert.Equal(t, 2, transport.count())

	raw := encode(t, types.BroadcastEnvelope("peer"))
	require.NoError(t, transport.Publish(context.Background(), b.Channel(), raw))
	require.Eventually(t, func() bool { return pub.total() == 1 }, time.Second, 5*time.Millisecond)
}

type recordingObserver struct {
	mu            sync.Mutex
	received      map[string]int
	publishErrors int
}

func (o *recordingObserver) BridgeReceived(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.received == nil {
		o.received = make(map[string]int)
	}
	o.received[outcome]++
}

func (o *recordingObserver) BridgePublished(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.publishErrors++
	}
}
