package api

import (
	"time"

	"github.com/rmax-ai/genbroker/pkg/credential"
	"github.com/rmax-ai/genbroker/pkg/progress"
)

// HealthResponse matches GET /v1/health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AcquireRequest matches the POST /v1/credentials/acquire body schema
type AcquireRequest struct {
	Tier string `json:"tier,omitempty"` // minimum tier, empty = any
}

// LeaseResponse matches the response for POST /v1/credentials/acquire
type LeaseResponse struct {
	LeaseID      string          `json:"lease_id"`
	CredentialID string          `json:"credential_id"`
	Secret       string          `json:"secret"`
	Issuer       string          `json:"issuer"`
	Tier         credential.Tier `json:"tier"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Deadline     time.Time       `json:"deadline"`
}

// ReportRequest matches the POST /v1/credentials/report body schema
type ReportRequest struct {
	LeaseID      string                   `json:"lease_id"`
	CredentialID string                   `json:"credential_id"`
	Outcome      string                   `json:"outcome"` // success, failure
	Reason       credential.FailureReason `json:"reason,omitempty"`
}

// ExtendRequest matches the POST /v1/credentials/extend body schema
type ExtendRequest struct {
	LeaseID      string `json:"lease_id"`
	CredentialID string `json:"credential_id"`
}

// ExtendResponse carries the lease's new deadline.
type ExtendResponse struct {
	LeaseID      string    `json:"lease_id"`
	CredentialID string    `json:"credential_id"`
	Deadline     time.Time `json:"deadline"`
}

// SetHealthRequest matches the PUT /v1/credentials/{id}/health body schema
type SetHealthRequest struct {
	Health string `json:"health"`
}

// CredentialInfo is the redacted view returned by GET /v1/credentials
type CredentialInfo struct {
	ID                  string            `json:"id"`
	Fingerprint         string            `json:"fingerprint"`
	Issuer              string            `json:"issuer"`
	Subject             string            `json:"subject,omitempty"`
	Tier                credential.Tier   `json:"tier"`
	Health              credential.Health `json:"health"`
	Source              credential.Source `json:"source"`
	UsageCount          int               `json:"usage_count"`
	DailyQuota          int               `json:"daily_quota"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	ExpiresAt           time.Time         `json:"expires_at"`
	LastUsedAt          time.Time         `json:"last_used_at"`
}

func newCredentialInfo(c credential.Credential) CredentialInfo {
	return CredentialInfo{
		ID:                  c.ID,
		Fingerprint:         c.Fingerprint(),
		Issuer:              c.Issuer,
		Subject:             c.Subject,
		Tier:                c.Tier,
		Health:              c.Health,
		Source:              c.Source,
		UsageCount:          c.UsageCount,
		DailyQuota:          c.DailyQuota,
		ConsecutiveFailures: c.ConsecutiveFailures,
		ExpiresAt:           c.ExpiresAt,
		LastUsedAt:          c.LastUsedAt,
	}
}

// Track is one rendered output of a job.
type Track struct {
	ID       string `json:"id"`
	AudioURL string `json:"audioUrl,omitempty"`
}

// JobStatusResponse matches GET /v1/jobs/{id}/status, the polling contract.
type JobStatusResponse struct {
	Status           string          `json:"status"`
	StatusNormalized progress.Status `json:"statusNormalized"`
	Running          bool            `json:"running"`
	Progress         int             `json:"progress,omitempty"`
	AudioURL         string          `json:"audioUrl,omitempty"`
	Tracks           []Track         `json:"tracks,omitempty"`
	Error            string          `json:"error,omitempty"`
}
