package client

import (
	"time"

	"github.com/rmax-ai/genbroker/pkg/progress"
)

// AcquireRequest asks the broker for a credential. Tier is a minimum tier;
// empty means any.
type AcquireRequest struct {
	Tier string `json:"tier,omitempty"`
}

// Lease is a credential reserved for one upstream call. It must be settled
// with ReportOutcome before Deadline.
type Lease struct {
	LeaseID      string    `json:"lease_id"`
	CredentialID string    `json:"credential_id"`
	Secret       string    `json:"secret"`
	Issuer       string    `json:"issuer"`
	Tier         string    `json:"tier"`
	ExpiresAt    time.Time `json:"expires_at"`
	Deadline     time.Time `json:"deadline"`
}

type extendRequest struct {
	LeaseID      string `json:"lease_id"`
	CredentialID string `json:"credential_id"`
}

type extendResponse struct {
	Deadline time.Time `json:"deadline"`
}

// Outcome values for ReportRequest.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ReportRequest settles a lease.
type ReportRequest struct {
	LeaseID      string `json:"lease_id"`
	CredentialID string `json:"credential_id"`
	Outcome      string `json:"outcome"`
	// Reason is one of the failure reasons (auth_rejected, quota_exceeded,
	// upstream_error, network_error, other). Ignored on success.
	Reason string `json:"reason,omitempty"`
}

// PoolStats is the dashboard view of the credential pool.
type PoolStats struct {
	Total              int            `json:"total"`
	Active             int            `json:"active"`
	Healthy            int            `json:"healthy"`
	Expired            int            `json:"expired"`
	Invalid            int            `json:"invalid"`
	UtilizationPercent float64        `json:"utilizationPercent"`
	BySource           map[string]int `json:"bySource"`
	ByTier             map[string]int `json:"byTier"`
	GeneratedAt        time.Time      `json:"generatedAt"`
}

// Track is one rendered output of a generation job.
type Track struct {
	ID       string `json:"id"`
	AudioURL string `json:"audioUrl,omitempty"`
	Title    string `json:"title,omitempty"`
}

// JobStatus is the pull-path answer for a generation job.
type JobStatus struct {
	Status           string          `json:"status"`
	StatusNormalized progress.Status `json:"statusNormalized"`
	Running          bool            `json:"running"`
	Progress         int             `json:"progress,omitempty"`
	AudioURL         string          `json:"audioUrl,omitempty"`
	Tracks           []Track         `json:"tracks,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Health represents the health check response.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// CredentialInfo is the redacted view of a pooled credential.
type CredentialInfo struct {
	ID                  string    `json:"id"`
	Fingerprint         string    `json:"fingerprint"`
	Issuer              string    `json:"issuer"`
	Subject             string    `json:"subject,omitempty"`
	Tier                string    `json:"tier"`
	Health              string    `json:"health"`
	Source              string    `json:"source"`
	UsageCount          int       `json:"usage_count"`
	DailyQuota          int       `json:"daily_quota"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ExpiresAt           time.Time `json:"expires_at"`
	LastUsedAt          time.Time `json:"last_used_at"`
}

// AddCredentialRequest ingests a credential.
type AddCredentialRequest struct {
	Secret     string     `json:"secret"`
	Issuer     string     `json:"issuer,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Source     string     `json:"source,omitempty"`
	Tier       string     `json:"tier,omitempty"`
	DailyQuota int        `json:"dailyQuota,omitempty"`
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Added      int      `json:"added"`
	Superseded int      `json:"superseded"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid"`
	Errors     []string `json:"errors,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
