package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/genbroker/pkg/store"
)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// LeaseStore implements store.LeaseStore on Redis keys with TTLs.
type LeaseStore struct {
	client *redis.Client
}

var _ store.LeaseStore = (*LeaseStore)(nil)

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

func (s *LeaseStore) makeKey(name string) string {
	return fmt.Sprintf("%slease:%s", keyPrefix, name)
}

func (s *LeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	key := s.makeKey(name)

	success, err := s.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if success {
		return true, nil
	}

	// Already ours: renew instead.
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET; let the caller retry.
			return false, nil
		}
		return false, fmt.Errorf("failed to check existing lease: %w", err)
	}
	if val == holderID {
		return true, s.Renew(ctx, name, holderID, ttl)
	}

	return false, nil
}

func (s *LeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, s.client, []string{s.makeKey(name)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to execute renew script: %w", err)
	}
	if res != 1 {
		return store.ErrLeaseLost
	}
	return nil
}

// Release is a no-op when holderID does not hold the lease.
func (s *LeaseStore) Release(ctx context.Context, name, holderID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.makeKey(name)}, holderID).Err(); err != nil {
		return fmt.Errorf("failed to execute release script: %w", err)
	}
	return nil
}
