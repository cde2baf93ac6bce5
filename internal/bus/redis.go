package bus

import (
	"context"
	"errors"
	"net"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Publisher and Subscriber over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
}

// NewRedisBus connects to redisURL (a redis:// URL) and returns a ready
// Publisher and Subscriber. A malformed URL is a FatalError; a failed initial
// ping is classified by classifyConnErr, so network errors come back as
// TransientError.
func NewRedisBus(ctx context.Context, redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, &FatalError{Cause: err}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, classifyConnErr(err)
	}
	return &RedisBus{client: client}, nil
}

// Subscribe implements Subscriber. The returned channel is closed when ctx is
// canceled or the subscription drops; callers should treat a closed channel
// as a transient condition and reopen.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.pubsub = b.client.Subscribe(ctx, topic)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return nil, classifyConnErr(err)
	}

	out := make(chan Message)
	redisCh := b.pubsub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- Message{Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return &PublisherFailure{Cause: err}
	}
	return nil
}

// Close releases the subscription and client connection.
func (b *RedisBus) Close() error {
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	return b.client.Close()
}

// classifyConnErr distinguishes retryable connectivity failures (network
// blips, connection refused, timeouts) from fatal ones (auth failures,
// malformed configuration) the way spec.md §7 requires.
func classifyConnErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Cause: err}
	}
	if errors.Is(err, redis.ErrClosed) {
		return &TransientError{Cause: err}
	}
	return &FatalError{Cause: err}
}
