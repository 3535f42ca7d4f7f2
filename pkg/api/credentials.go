package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rmax-ai/genbroker/pkg/credential"
	"github.com/rmax-ai/genbroker/pkg/pool"
)

const (
	maxBodyBytes   = 64 << 10
	maxImportBytes = 8 << 20
)

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds := s.pool.List()
	out := make([]CredentialInfo, 0, len(creds))
	for _, c := range creds {
		out = append(out, newCredentialInfo(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "")
		return
	}

	rec, err := credential.ParseRecord(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_credential", err.Error())
		return
	}

	c, err := s.pool.AddCredential(r.Context(), rec)
	switch {
	case errors.Is(err, pool.ErrDuplicateCredential):
		writeError(w, http.StatusConflict, "duplicate_credential", "")
		return
	case errors.Is(err, credential.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_credential", err.Error())
		return
	case err != nil:
		s.logger.Error("failed to add credential", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}

	writeJSON(w, http.StatusCreated, newCredentialInfo(c))
}

// handleImport ingests a JSON array of records. Individual bad records are
// counted in the report; only an unreadable body fails the request.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var raw []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxImportBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "expected an array of credential records")
		return
	}

	recs := make([]credential.Record, 0, len(raw))
	var rejected []string
	for i, item := range raw {
		rec, err := credential.ParseRecord(item)
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		recs = append(recs, rec)
	}

	report := s.pool.Import(r.Context(), recs)
	report.Invalid += len(rejected)
	report.Errors = append(rejected, report.Errors...)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pool.Remove(r.Context(), id); err != nil {
		if errors.Is(err, pool.ErrUnknownCredential) {
			writeError(w, http.StatusNotFound, "not_found", "")
			return
		}
		s.logger.Error("failed to remove credential", "trace_id", getTraceID(r.Context()), "credential_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetHealth overrides a credential's health, e.g. to park a suspect
// credential as degraded or to restore one after rotation upstream.
func (s *Server) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req SetHealthRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	h, err := credential.ParseHealth(req.Health)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_health", err.Error())
		return
	}

	if err := s.pool.SetHealth(r.Context(), id, h); err != nil {
		if errors.Is(err, pool.ErrUnknownCredential) {
			writeError(w, http.StatusNotFound, "not_found", "")
			return
		}
		s.logger.Error("failed to set credential health", "trace_id", getTraceID(r.Context()), "credential_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}

	c, _ := s.pool.Get(id)
	s.logger.Info("credential health overridden", "trace_id", getTraceID(r.Context()), "credential", c.Redacted(), "health", h)
	writeJSON(w, http.StatusOK, newCredentialInfo(c))
}

// handleAcquire reserves a credential for one upstream call. An empty pool
// answers 503 at once; callers are expected to back off, not spin.
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_json_body", "")
			return
		}
	}

	var tier credential.Tier
	if req.Tier != "" {
		t, err := credential.ParseTier(req.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_tier", err.Error())
			return
		}
		tier = t
	}

	lease, err := s.pool.Acquire(r.Context(), tier)
	if err != nil {
		if errors.Is(err, pool.ErrNoCredentialAvailable) {
			writeError(w, http.StatusServiceUnavailable, "no_credential_available", "")
			return
		}
		s.logger.Error("acquire failed", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}

	c := lease.Credential
	writeJSON(w, http.StatusOK, LeaseResponse{
		LeaseID:      lease.ID,
		CredentialID: c.ID,
		Secret:       c.Secret,
		Issuer:       c.Issuer,
		Tier:         c.Tier,
		ExpiresAt:    c.ExpiresAt,
		Deadline:     lease.Deadline,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.LeaseID == "" || req.CredentialID == "" {
		writeError(w, http.StatusBadRequest, "missing_required_fields", "lease_id and credential_id are required")
		return
	}

	c, ok := s.pool.Get(req.CredentialID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	lease := pool.Lease{ID: req.LeaseID, Credential: c}

	var err error
	switch req.Outcome {
	case "success":
		err = s.pool.MarkUsed(r.Context(), lease)
	case "failure":
		reason, ok := parseReason(req.Reason)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_reason", string(req.Reason))
			return
		}
		err = s.pool.MarkFailed(r.Context(), lease, reason)
	default:
		writeError(w, http.StatusBadRequest, "invalid_outcome", req.Outcome)
		return
	}

	if err != nil {
		if errors.Is(err, pool.ErrUnknownCredential) {
			writeError(w, http.StatusNotFound, "not_found", "")
			return
		}
		if errors.Is(err, pool.ErrUnknownLease) {
			writeError(w, http.StatusConflict, "unknown_lease", "lease is not outstanding: already settled, lapsed, or never issued")
			return
		}
		s.logger.Error("report failed", "trace_id", getTraceID(r.Context()), "credential", c.Redacted(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.LeaseID == "" || req.CredentialID == "" {
		writeError(w, http.StatusBadRequest, "missing_required_fields", "lease_id and credential_id are required")
		return
	}

	c, ok := s.pool.Get(req.CredentialID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}

	lease, err := s.pool.Extend(r.Context(), pool.Lease{ID: req.LeaseID, Credential: c})
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrUnknownCredential):
			writeError(w, http.StatusNotFound, "not_found", "")
		case errors.Is(err, pool.ErrUnknownLease):
			writeError(w, http.StatusConflict, "unknown_lease", "lease is not outstanding: already settled, lapsed, or never issued")
		default:
			s.logger.Error("extend failed", "trace_id", getTraceID(r.Context()), "credential", c.Redacted(), "error", err)
			writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		}
		return
	}
	writeJSON(w, http.StatusOK, ExtendResponse{LeaseID: lease.ID, CredentialID: lease.Credential.ID, Deadline: lease.Deadline})
}

func parseReason(r credential.FailureReason) (credential.FailureReason, bool) {
	switch r {
	case "":
		return credential.ReasonOther, true
	case credential.ReasonAuthRejected, credential.ReasonQuotaExceeded, credential.ReasonUpstream,
		credential.ReasonNetwork, credential.ReasonOther:
		return r, true
	}
	return "", false
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}
