// Package credential defines the bearer credentials brokered by the pool and
// the boundary validation applied when they are ingested.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrInvalid marks a credential that is malformed, expired or otherwise
// unusable at ingestion time.
var ErrInvalid = errors.New("credential invalid")

// Tier is the service level of a credential.
type Tier string

const (
	TierFree       Tier = "free"
	TierPaid       Tier = "paid"
	TierEnterprise Tier = "enterprise"
)

// Priority orders tiers for selection: higher is preferred.
func (t Tier) Priority() int {
	switch t {
	case TierEnterprise:
		return 2
	case TierPaid:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPaid, TierEnterprise:
		return true
	}
	return false
}

// ParseTier normalizes a tier name. Empty maps to free.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "", "free", "basic":
		return TierFree, nil
	case "paid", "pro", "premium":
		return TierPaid, nil
	case "enterprise", "business":
		return TierEnterprise, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", ErrInvalid, s)
}

// Health is the health state of a credential.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthInvalid  Health = "invalid"
	HealthExpired  Health = "expired"
)

// ParseHealth maps an administrative health value onto a Health.
func ParseHealth(s string) (Health, error) {
	switch h := Health(s); h {
	case HealthHealthy, HealthDegraded, HealthInvalid, HealthExpired:
		return h, nil
	}
	return "", fmt.Errorf("%w: unknown health %q", ErrInvalid, s)
}

// Source records how a credential entered the pool.
type Source string

const (
	SourceManual    Source = "manual"
	SourceHarvested Source = "harvested"
	SourceMigrated  Source = "migrated"
)

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceHarvested, SourceMigrated:
		return true
	}
	return false
}

// FailureReason classifies a failed upstream call.
type FailureReason string

const (
	ReasonAuthRejected  FailureReason = "auth_rejected"
	ReasonQuotaExceeded FailureReason = "quota_exceeded"
	ReasonUpstream      FailureReason = "upstream_error"
	ReasonNetwork       FailureReason = "network_error"
	ReasonOther         FailureReason = "other"
)

// MaxConsecutiveFailures is the failure count that forces a credential invalid.
const MaxConsecutiveFailures = 3

// Credential is an opaque bearer secret plus the bookkeeping the pool keeps for it.
type Credential struct {
	ID                  string    `json:"id"`
	Secret              string    `json:"secret,omitempty"`
	Issuer              string    `json:"issuer"`
	Subject             string    `json:"subject,omitempty"`
	Tier                Tier      `json:"tier"`
	ExpiresAt           time.Time `json:"expires_at"`
	Health              Health    `json:"health"`
	UsageCount          int       `json:"usage_count"`
	DailyQuota          int       `json:"daily_quota"`
	UsageResetAt        time.Time `json:"usage_reset_at"`
	LastUsedAt          time.Time `json:"last_used_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Source              Source    `json:"source"`
	CreatedAt           time.Time `json:"created_at"`
	Version             int64     `json:"version"`
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Fingerprint returns a short, stable, non-reversible identifier of the secret.
func (c Credential) Fingerprint() string {
	return Fingerprint(c.Secret)
}

// Redacted is the only form of a credential that may appear in diagnostics.
func (c Credential) Redacted() string {
	return c.ID + "/" + c.Fingerprint()
}

// WithoutSecret returns a copy safe to serialize to external callers.
func (c Credential) WithoutSecret() Credential {
	c.Secret = ""
	return c
}

// Fingerprint hashes secret material and keeps the first 8 hex characters.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}
