package store

import (
	"context"
	"fmt"
	"time"
)

// Acquire tries to acquire the lease. Returns true if successful.
// If the lease is already held by holderID, it renews it.
func (s *Store) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	expiry := now.Add(ttl)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder_id, expires_at, version)
		VALUES (?, ?, ?, 1)
	`, name, holderID, expiry)
	if err == nil {
		return true, nil
	}

	// The row exists. Take it over if it lapsed or is already ours, in one statement.
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET holder_id = ?, expires_at = ?, version = version + 1
		WHERE name = ? AND (holder_id = ? OR expires_at < ?)
	`, holderID, expiry, name, holderID, now)
	if err != nil {
		return false, fmt.Errorf("failed to update lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows > 0, nil
}

// Renew updates the expiry of an existing lease held by holderID.
func (s *Store) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	expiry := s.now().UTC().Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`, expiry, name, holderID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLeaseLost
	}

	return nil
}

// Release releases the lease if held by holderID.
func (s *Store) Release(ctx context.Context, name, holderID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE name = ? AND holder_id = ?
	`, name, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	return nil
}

// PruneLeases deletes leases that expired before now and returns how many.
func (s *Store) PruneLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at < ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune leases: %w", err)
	}
	return res.RowsAffected()
}
