package bridge

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes envelopes with PUBLISH and listens with SUBSCRIBE.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport wraps an existing client. The caller owns the client.
func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends payload to every current subscriber of channel.
func (t *RedisTransport) Publish(ctx context.Context, channel, payload string) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe attaches a listener to channel. It returns once Redis has confirmed
// the subscription, so payloads published afterwards are observed.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(cancel)

	go func() {
		defer sub.finish()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					sub.fail(fmt.Errorf("redis subscription on %q closed", channel))
					return
				}
				if !sub.deliver(subCtx, msg.Payload) {
					return
				}
			}
		}
	}()

	return sub, nil
}
