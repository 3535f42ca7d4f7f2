package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus carries progress updates between replicas over Redis Pub/Sub.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) channel(topic string) string {
	return keyPrefix + topic
}

func (b *Bus) Publish(ctx context.Context, topic string, msg []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning, so
// nothing published after Subscribe returns is missed.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler func([]byte)) (func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				slog.Warn("redis unsubscribe failed", "topic", topic, "error", err)
			}
		})
	}, nil
}
