package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rmax-ai/genbroker/pkg/credential"
)

const credentialColumns = `id, secret, issuer, subject, tier, expires_at, health, usage_count,
	daily_quota, usage_reset_at, last_used_at, consecutive_failures, source, created_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (credential.Credential, error) {
	var (
		c        credential.Credential
		lastUsed sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.Secret, &c.Issuer, &c.Subject, &c.Tier, &c.ExpiresAt, &c.Health, &c.UsageCount,
		&c.DailyQuota, &c.UsageResetAt, &lastUsed, &c.ConsecutiveFailures, &c.Source, &c.CreatedAt, &c.Version,
	)
	if err != nil {
		return credential.Credential{}, err
	}
	if lastUsed.Valid {
		c.LastUsedAt = lastUsed.Time
	}
	return c, nil
}

// ListCredentials returns every stored credential in creation order.
func (s *Store) ListCredentials(ctx context.Context) ([]credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return creds, nil
}

// FindCredential returns the credential with id, or nil if there is none.
func (s *Store) FindCredential(ctx context.Context, id string) (*credential.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// UpsertCredential inserts c or overwrites the stored row. A write carrying
// an older version than the stored row is ignored, so out-of-order writes
// from concurrent callers settle on the newest state.
func (s *Store) UpsertCredential(ctx context.Context, c credential.Credential) error {
	var lastUsed sql.NullTime
	if !c.LastUsedAt.IsZero() {
		lastUsed = sql.NullTime{Time: c.LastUsedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			secret = excluded.secret,
			issuer = excluded.issuer,
			subject = excluded.subject,
			tier = excluded.tier,
			expires_at = excluded.expires_at,
			health = excluded.health,
			usage_count = excluded.usage_count,
			daily_quota = excluded.daily_quota,
			usage_reset_at = excluded.usage_reset_at,
			last_used_at = excluded.last_used_at,
			consecutive_failures = excluded.consecutive_failures,
			source = excluded.source,
			version = excluded.version
		WHERE excluded.version >= credentials.version
	`,
		c.ID, c.Secret, c.Issuer, c.Subject, string(c.Tier), c.ExpiresAt.UTC(), string(c.Health), c.UsageCount,
		c.DailyQuota, c.UsageResetAt.UTC(), lastUsed, c.ConsecutiveFailures, string(c.Source), createdAt(c), c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential %s: %w", c.Redacted(), err)
	}
	return nil
}

// DeleteCredential removes the credential with id. Deleting a missing id is not an error.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func createdAt(c credential.Credential) time.Time {
	if c.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return c.CreatedAt.UTC()
}
