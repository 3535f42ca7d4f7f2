package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/genbroker/pkg/limiter"
)

// The first INCR in a window starts its expiry, so the key disappears when
// the window ends and the next call opens a fresh one.
var consumeScript = redis.NewScript(`
	local n = redis.call("INCR", KEYS[1])
	if n == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return n
`)

// reserveScript takes a unit only while the window's count is below
// ARGV[2], so a denied call leaves the counter untouched.
var reserveScript = redis.NewScript(`
	local n = tonumber(redis.call("GET", KEYS[1]) or "0")
	if n >= tonumber(ARGV[2]) then
		return 0
	end
	n = redis.call("INCR", KEYS[1])
	if n == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return 1
`)

var refundScript = redis.NewScript(`
	local n = tonumber(redis.call("GET", KEYS[1]) or "0")
	if n > 0 then
		return redis.call("DECR", KEYS[1])
	end
	return 0
`)

// Limiter is a fixed-window limiter shared by every replica.
type Limiter struct {
	client *redis.Client
	cfg    limiter.Config
	prefix string
}

var (
	_ limiter.Limiter  = (*Limiter)(nil)
	_ limiter.Reporter = (*Limiter)(nil)
)

// NewLimiter creates a limiter whose keys live under name.
func NewLimiter(client *redis.Client, name string, cfg limiter.Config) *Limiter {
	return &Limiter{
		client: client,
		cfg:    cfg,
		prefix: keyPrefix + "limit:" + name + ":",
	}
}

// TryConsume denies the call when Redis cannot be reached.
func (l *Limiter) TryConsume(ctx context.Context, key string) bool {
	if l.cfg.Max <= 0 {
		return false
	}
	n, err := consumeScript.Run(ctx, l.client, []string{l.prefix + key}, l.cfg.Window.Milliseconds()).Int64()
	if err != nil {
		slog.Warn("redis limiter unavailable, denying", "key", key, "error", err)
		return false
	}
	return n <= int64(l.cfg.Max)
}

// Reserve takes one unit of key's window when fewer than max are used. Unlike
// TryConsume the limit is per call, so each key can carry its own budget.
func (l *Limiter) Reserve(ctx context.Context, key string, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	n, err := reserveScript.Run(ctx, l.client, []string{l.prefix + key}, l.cfg.Window.Milliseconds(), max).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	return n == 1, nil
}

// Refund gives back a unit taken by Reserve whose call never happened.
func (l *Limiter) Refund(ctx context.Context, key string) error {
	if err := refundScript.Run(ctx, l.client, []string{l.prefix + key}).Err(); err != nil {
		return fmt.Errorf("failed to refund quota: %w", err)
	}
	return nil
}

// Remaining returns how many calls key has left in its current window.
func (l *Limiter) Remaining(ctx context.Context, key string) (int, time.Duration, error) {
	pipe := l.client.Pipeline()
	get := pipe.Get(ctx, l.prefix+key)
	ttl := pipe.PTTL(ctx, l.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	used, err := get.Int()
	if err != nil {
		return l.cfg.Max, 0, nil
	}
	left := l.cfg.Max - used
	if left < 0 {
		left = 0
	}
	return left, ttl.Val(), nil
}
