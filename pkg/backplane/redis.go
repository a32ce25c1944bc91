package backplane

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackplane carries envelopes over Redis pub/sub.
type RedisBackplane struct {
	client *redis.Client
}

// NewRedisBackplane wraps an existing client.
func NewRedisBackplane(client *redis.Client) *RedisBackplane {
	return &RedisBackplane{client: client}
}

// DialRedis creates a client for addr and verifies it with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisBackplane, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisBackplane(client), nil
}

func (r *RedisBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe reads messages until ctx is done or the pub/sub connection fails.
// go-redis would silently reconnect on the next read; returning the error
// instead hands reconnection to the Bus.
func (r *RedisBackplane) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	ps := r.client.Subscribe(ctx, channels...)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	handler.OnSubscribed()

	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		handler.OnMessage(msg.Channel, []byte(msg.Payload))
	}
}

func (r *RedisBackplane) Close() error {
	return r.client.Close()
}
