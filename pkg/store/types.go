package store

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned by Renew when another holder owns the lease.
var ErrLeaseLost = errors.New("lease lost or stolen")

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Returns ErrLeaseLost if the lease is held by someone else.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error
}
