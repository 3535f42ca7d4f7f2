// Package redis holds the Redis-backed implementations used when several
// broker replicas share state: the progress bus and cache, the fixed-window
// limiter and the credential lease store.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "genbroker:"

// Connect dials addr and verifies the connection with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
