package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rmax-ai/genbroker/pkg/progress"
)

// Client is the genbroker SDK client.
type Client struct {
	endpoint    string
	adminToken  string
	clientToken string
	http        *http.Client
}

type Option func(*Client)

// WithAdminToken sets the bearer token sent to admin routes.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithClientToken sets the bearer token sent when no admin token is set.
// It opens the lease routes only.
func WithClientToken(token string) Option {
	return func(c *Client) { c.clientToken = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a new genbroker client.
// endpoint defaults to "http://127.0.0.1:8095" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8095"
	}
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the base URL the client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// Health checks the health of the daemon.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &h)
	return h, err
}

// AcquireCredential reserves a credential of at least tier.
func (c *Client) AcquireCredential(ctx context.Context, tier string) (Lease, error) {
	var l Lease
	err := c.do(ctx, http.MethodPost, "/v1/credentials/acquire", AcquireRequest{Tier: tier}, &l)
	return l, err
}

// ReportOutcome settles a lease. A nil callErr reports success.
func (c *Client) ReportOutcome(ctx context.Context, l Lease, reason string, callErr error) error {
	req := ReportRequest{
		LeaseID:      l.LeaseID,
		CredentialID: l.CredentialID,
		Outcome:      OutcomeSuccess,
	}
	if callErr != nil {
		req.Outcome = OutcomeFailure
		req.Reason = reason
	}
	return c.do(ctx, http.MethodPost, "/v1/credentials/report", req, nil)
}

// ExtendLease pushes the deadline of an unsettled lease forward.
func (c *Client) ExtendLease(ctx context.Context, l Lease) (Lease, error) {
	var resp extendResponse
	err := c.do(ctx, http.MethodPost, "/v1/credentials/extend", extendRequest{LeaseID: l.LeaseID, CredentialID: l.CredentialID}, &resp)
	if err != nil {
		return l, err
	}
	l.Deadline = resp.Deadline
	return l, nil
}

// PoolStats fetches the pool dashboard aggregates.
func (c *Client) PoolStats(ctx context.Context) (PoolStats, error) {
	var s PoolStats
	err := c.do(ctx, http.MethodGet, "/v1/pool/stats", nil, &s)
	return s, err
}

// JobStatus is the pull path for a generation job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var s JobStatus
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/status", nil, &s)
	return s, err
}

// PublishProgress reports a progress update for a job.
func (c *Client) PublishProgress(ctx context.Context, u progress.Update) error {
	if u.GenerationID == "" {
		return fmt.Errorf("%w: generationId is required", ErrInvalidRequest)
	}
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(u.GenerationID)+"/progress", u, nil)
}

// ListCredentials returns the redacted pool contents. Requires the admin token.
func (c *Client) ListCredentials(ctx context.Context) ([]CredentialInfo, error) {
	var out []CredentialInfo
	err := c.do(ctx, http.MethodGet, "/v1/credentials", nil, &out)
	return out, err
}

// AddCredential ingests a credential. Requires the admin token.
func (c *Client) AddCredential(ctx context.Context, req AddCredentialRequest) (CredentialInfo, error) {
	var out CredentialInfo
	err := c.do(ctx, http.MethodPost, "/v1/credentials", req, &out)
	return out, err
}

// ImportCredentials ingests records in bulk. Requires the admin token.
func (c *Client) ImportCredentials(ctx context.Context, recs []AddCredentialRequest) (ImportReport, error) {
	var out ImportReport
	err := c.do(ctx, http.MethodPost, "/v1/credentials/import", recs, &out)
	return out, err
}

// RemoveCredential deletes a credential. Requires the admin token.
func (c *Client) RemoveCredential(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/credentials/"+url.PathEscape(id), nil, nil)
}

// SetHealth overrides a credential's health. Requires the admin token.
func (c *Client) SetHealth(ctx context.Context, id, health string) (CredentialInfo, error) {
	var out CredentialInfo
	err := c.do(ctx, http.MethodPut, "/v1/credentials/"+url.PathEscape(id)+"/health", map[string]string{"health": health}, &out)
	return out, err
}

// Watch follows a job until it reaches a terminal state, preferring the push
// channel and falling back to polling.
func (c *Client) Watch(ctx context.Context, jobID string, cfg SyncConfig) *StatusSync {
	s := NewStatusSync(jobID, c.PushDialer(), c, cfg)
	s.Start(ctx)
	return s
}

// PushDialer returns a websocket dialer for the daemon's push channel.
func (c *Client) PushDialer() *WSDialer {
	wsURL := c.endpoint
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + wsURL[len("https"):]
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + wsURL[len("http"):]
	}
	return &WSDialer{URL: wsURL + "/v1/ws"}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.adminToken != "":
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	case c.clientToken != "":
		req.Header.Set("Authorization", "Bearer "+c.clientToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb) == nil {
			apiErr.Code = eb.Error
			apiErr.Message = eb.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
