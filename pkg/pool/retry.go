package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rmax-ai/genbroker/pkg/credential"
)

var (
	// ErrUpstreamRejected is returned by callers when the upstream service
	// refused the credential itself.
	ErrUpstreamRejected = errors.New("upstream rejected credential")
	// ErrUpstreamQuota is returned by callers when the upstream service
	// reports the credential's quota as spent.
	ErrUpstreamQuota = errors.New("upstream quota exhausted")
	// ErrUpstreamUnavailable marks transient upstream or network failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// CallFunc performs one upstream call with a credential.
type CallFunc func(ctx context.Context, c credential.Credential) error

// WithCredential acquires a credential, runs fn, and settles the lease from
// fn's result. Rejections are retried on a different credential up to the
// pool's retry budget; every other error is settled and returned as is.
// ErrNoCredentialAvailable is never retried.
func (p *Pool) WithCredential(ctx context.Context, tier credential.Tier, fn CallFunc) error {
	var lastErr error
	for attempt := 1; attempt <= p.retryMax; attempt++ {
		lease, err := p.Acquire(ctx, tier)
		if err != nil {
			return err
		}

		callErr := fn(ctx, lease.Credential)
		if callErr == nil {
			return p.MarkUsed(ctx, lease)
		}

		reason := failureReason(callErr)
		if err := p.MarkFailed(ctx, lease, reason); err != nil {
			slog.Error("failed to settle lease", "lease_id", lease.ID, "error", err)
		}
		if reason != credential.ReasonAuthRejected {
			return callErr
		}

		slog.Info("credential rejected upstream, retrying", "credential", lease.Credential.Redacted(), "attempt", attempt)
		lastErr = callErr
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("retry budget of %d exhausted: %w", p.retryMax, lastErr)
}

func failureReason(err error) credential.FailureReason {
	switch {
	case errors.Is(err, ErrUpstreamRejected):
		return credential.ReasonAuthRejected
	case errors.Is(err, ErrUpstreamQuota):
		return credential.ReasonQuotaExceeded
	case errors.Is(err, ErrUpstreamUnavailable):
		return credential.ReasonNetwork
	default:
		return credential.ReasonOther
	}
}
