// Package limiter provides fixed-window usage counters keyed by an arbitrary
// identity. One limiter instance enforces one (max, window) pair; callers
// create separate instances for per-credential quotas and API rate limiting.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by callers that translate a denied TryConsume
// into an error.
var ErrRateLimited = errors.New("rate limited")

// Limiter is a boolean gate. TryConsume never fails; backends that can fail
// (Redis) deny the request instead.
type Limiter interface {
	TryConsume(ctx context.Context, key string) bool
}

// Reporter is implemented by limiters that can tell a caller how much of its
// window is left and when the window resets.
type Reporter interface {
	Remaining(ctx context.Context, key string) (int, time.Duration, error)
}

// Config defines the limit enforced by a single limiter instance.
type Config struct {
	Max    int
	Window time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter implements Limiter with an in-process map.
type MemoryLimiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter creates a limiter allowing cfg.Max calls per key per cfg.Window.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// SetClock replaces the time source (tests).
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// TryConsume records one use of key and reports whether it was within the limit.
func (l *MemoryLimiter) TryConsume(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.cfg.Window)}
		return l.cfg.Max > 0
	}
	if w.count < l.cfg.Max {
		w.count++
		return true
	}
	return false
}

// Remaining returns how many calls key may still make in its current window
// and how long until that window resets.
func (l *MemoryLimiter) Remaining(_ context.Context, key string) (int, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		return l.cfg.Max, 0, nil
	}
	left := l.cfg.Max - w.count
	if left < 0 {
		left = 0
	}
	return left, w.resetAt.Sub(now), nil
}

// Prune drops windows that have already elapsed.
func (l *MemoryLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// StartPruning removes elapsed windows on every tick until ctx is done.
func (l *MemoryLimiter) StartPruning(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}
