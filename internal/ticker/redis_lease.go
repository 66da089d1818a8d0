package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ruleevents/internal/clock"
)

// DefaultLeaseTTL is how long a Redis lease survives without refresh.
const DefaultLeaseTTL = 30 * time.Second

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaseAcquirer grants the lease by SET NX on a shared key with a TTL,
// refreshed at a third of the TTL while held.
type RedisLeaseAcquirer struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	clock  clock.Clock
}

// NewRedisLeaseAcquirer creates an acquirer for the lease identified by name and slot.
func NewRedisLeaseAcquirer(client redis.UniversalClient, name string, slot int, ttl time.Duration, clk clock.Clock) *RedisLeaseAcquirer {
	if name == "" {
		name = DefaultLeaseName
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLeaseAcquirer{
		client: client,
		key:    fmt.Sprintf("ruleevents:lease:%s:%d", name, slot),
		ttl:    ttl,
		clock:  clock.OrReal(clk),
	}
}

// Key returns the Redis key guarding the lease.
func (a *RedisLeaseAcquirer) Key() string {
	return a.key
}

// TryAcquire attempts SET NX without waiting.
func (a *RedisLeaseAcquirer) TryAcquire(ctx context.Context) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := a.client.SetNX(ctx, a.key, token, a.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	l := &redisLease{
		client: a.client,
		key:    a.key,
		token:  token,
		ttl:    a.ttl,
		lost:   make(chan error, 1),
	}
	l.mu.Lock()
	l.refresher = clock.Every(a.clock, a.ttl/3, l.refresh)
	l.mu.Unlock()
	return l, true, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	lost   chan error

	mu        sync.Mutex
	refresher clock.Timer
	broken    bool
	released  bool
}

func (l *redisLease) Lost() <-chan error {
	return l.lost
}

func (l *redisLease) refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.broken {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err == nil && n == 0 {
		err = fmt.Errorf("lease key %q expired or taken over", l.key)
	}
	if err != nil {
		l.broken = true
		l.refresher.Stop()
		l.lost <- err
	}
}

// Release deletes the key if this lease still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.refresher.Stop()

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release redis lease: %w", err)
	}
	return nil
}
