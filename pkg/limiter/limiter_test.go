package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLimiter_TryConsume(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(Config{Max: 3, Window: time.Minute})
	l.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.TryConsume(ctx, "a") {
			t.Fatalf("call %d: expected allow", i+1)
		}
	}
	if l.TryConsume(ctx, "a") {
		t.Errorf("4th call should be denied")
	}
	if !l.TryConsume(ctx, "b") {
		t.Errorf("keys must be independent")
	}
	if got, reset, _ := l.Remaining(ctx, "a"); got != 0 || reset != time.Minute {
		t.Errorf("Remaining(a) = %d, %v; want 0, 1m", got, reset)
	}

	// Window elapses: the record resets to count=1.
	now = now.Add(time.Minute)
	if !l.TryConsume(ctx, "a") {
		t.Errorf("expected allow after window reset")
	}
	if got, _, _ := l.Remaining(ctx, "a"); got != 2 {
		t.Errorf("Remaining(a) after reset = %d; want 2", got)
	}
	if got, reset, _ := l.Remaining(ctx, "unseen"); got != 3 || reset != 0 {
		t.Errorf("Remaining(unseen) = %d, %v; want 3, 0", got, reset)
	}
}

func TestMemoryLimiter_ZeroMaxDenies(t *testing.T) {
	l := NewMemoryLimiter(Config{Max: 0, Window: time.Minute})
	if l.TryConsume(context.Background(), "k") {
		t.Errorf("max=0 must deny")
	}
}

func TestMemoryLimiter_ConcurrentSameKey(t *testing.T) {
	l := NewMemoryLimiter(Config{Max: 50, Window: time.Hour})
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryConsume(ctx, "shared") {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d; want exactly 50", allowed)
	}
}

func TestMemoryLimiter_Prune(t *testing.T) {
	now := time.Now()
	l := NewMemoryLimiter(Config{Max: 1, Window: time.Second})
	l.SetClock(func() time.Time { return now })
	l.TryConsume(context.Background(), "x")
	l.TryConsume(context.Background(), "y")

	now = now.Add(2 * time.Second)
	if removed := l.Prune(); removed != 2 {
		t.Errorf("Prune() = %d; want 2", removed)
	}
}
