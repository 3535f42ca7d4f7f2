package client

import (
	"math/rand"
	"time"
)

// BackoffStrategy defines how to calculate the next wait time.
type BackoffStrategy interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with jitter.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.0 to 1.0
}

// ReconnectBackoff is the push channel reconnect schedule:
// min(1s * 2^attempt, 30s), without jitter.
func ReconnectBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
	}
}

// Next calculates the wait duration for the given attempt (0-based).
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}

	// Calculate exponential delay: Base * Factor^attempt
	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Factor
	}

	// Apply cap
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// delay * (1 +/- Jitter)
	if b.Jitter > 0 {
		jitterFactor := (rand.Float64()*2 - 1) * b.Jitter // Range [-Jitter, +Jitter]
		delay += delay * jitterFactor
	}

	if delay < 0 {
		return 0
	}

	return time.Duration(delay)
}
