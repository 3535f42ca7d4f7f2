package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultDailyQuota applies when neither the record nor the pool sets one.
const DefaultDailyQuota = 50

// Record is the ingestion form of a credential. Every source (manual entry,
// harvesting, migration) is decoded into a Record before it reaches the pool.
type Record struct {
	Secret     string     `json:"secret"`
	Issuer     string     `json:"issuer,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Source     Source     `json:"source,omitempty"`
	Tier       Tier       `json:"tier,omitempty"`
	DailyQuota int        `json:"dailyQuota,omitempty"`
}

// ParseRecord decodes a JSON ingestion payload, rejecting unknown fields.
func ParseRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("%w: malformed record: %v", ErrInvalid, err)
	}
	return r, nil
}

// Build validates the record against the secret's claims and returns a new
// healthy credential. Explicit issuer/expiry values must agree with the claims.
func (r Record) Build(dec ClaimsDecoder, now time.Time, defaultQuota int) (Credential, error) {
	if strings.TrimSpace(r.Secret) == "" {
		return Credential{}, fmt.Errorf("%w: secret is required", ErrInvalid)
	}

	claims, err := dec.Decode(r.Secret)
	if err != nil {
		return Credential{}, err
	}

	if r.Issuer != "" && r.Issuer != claims.Issuer {
		return Credential{}, fmt.Errorf("%w: issuer %q does not match claim %q", ErrInvalid, r.Issuer, claims.Issuer)
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.Equal(claims.ExpiresAt) {
		return Credential{}, fmt.Errorf("%w: expiry does not match claim", ErrInvalid)
	}
	if !claims.ExpiresAt.After(now) {
		return Credential{}, fmt.Errorf("%w: expired at %s", ErrInvalid, claims.ExpiresAt.Format(time.RFC3339))
	}

	source := r.Source
	if source == "" {
		source = SourceManual
	}
	if !source.Valid() {
		return Credential{}, fmt.Errorf("%w: unknown source %q", ErrInvalid, source)
	}

	tier := claims.Tier
	if r.Tier != "" {
		if !r.Tier.Valid() {
			return Credential{}, fmt.Errorf("%w: unknown tier %q", ErrInvalid, r.Tier)
		}
		tier = r.Tier
	}

	quota := r.DailyQuota
	if quota < 0 {
		return Credential{}, fmt.Errorf("%w: negative daily quota", ErrInvalid)
	}
	if quota == 0 {
		quota = defaultQuota
	}
	if quota <= 0 {
		quota = DefaultDailyQuota
	}

	return Credential{
		ID:           uuid.NewString(),
		Secret:       NormalizeSecret(r.Secret),
		Issuer:       claims.Issuer,
		Subject:      claims.Subject,
		Tier:         tier,
		ExpiresAt:    claims.ExpiresAt,
		Health:       HealthHealthy,
		DailyQuota:   quota,
		UsageResetAt: now.Add(24 * time.Hour),
		Source:       source,
		CreatedAt:    now,
	}, nil
}
