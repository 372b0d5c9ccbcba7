package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// redisTransport uses Redis pub/sub. Redis delivers a publish to every
// subscriber including the publisher's own connection, which the bridge
// filters by origin.
type redisTransport struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// DialRedis connects to the Redis server at url and pings it. url may be a
// redis:// URL or a bare host:port address.
func DialRedis(ctx context.Context, url, channel string, logger *slog.Logger) (Transport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to Redis: %w", err)
	}

	logger.Info("connected to Redis", "addr", opts.Addr)
	return &redisTransport{client: client, channel: channel, logger: logger}, nil
}

func (t *redisTransport) Send(ctx context.Context, payload []byte) error {
	return t.client.Publish(ctx, t.channel, payload).Err()
}

func (t *redisTransport) Receive(ctx context.Context) (<-chan []byte, error) {
	pubsub := t.client.Subscribe(ctx, t.channel)

	// Wait for the subscription confirmation so messages published right
	// after Receive returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", t.channel, err)
	}

	msgs := pubsub.Channel()
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					t.logger.Warn("redis subscription closed")
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *redisTransport) Close() error {
	return t.client.Close()
}
