package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rmax-ai/genbroker/pkg/progress"
)

// handlePublish accepts a progress update from a generation worker. The job
// id comes from the path; a body id, if present, must agree with it.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var u progress.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if u.GenerationID != "" && u.GenerationID != jobID {
		writeError(w, http.StatusBadRequest, "invalid_update", "generationId does not match path")
		return
	}
	u.GenerationID = jobID

	if err := s.broker.Publish(r.Context(), u); err != nil {
		switch {
		case errors.Is(err, progress.ErrInvalidUpdate):
			writeError(w, http.StatusBadRequest, "invalid_update", err.Error())
		case errors.Is(err, progress.ErrChannelUnavailable), errors.Is(err, progress.ErrBrokerClosed):
			s.logger.Warn("progress publish failed", "trace_id", getTraceID(r.Context()), "generation_id", jobID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "channel_unavailable", "")
		default:
			s.logger.Error("progress publish failed", "trace_id", getTraceID(r.Context()), "generation_id", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleJobStatus serves the polling contract from the last known update.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	u, ok, err := s.broker.Snapshot(r.Context(), jobID)
	if err != nil {
		s.logger.Warn("job status lookup failed", "trace_id", getTraceID(r.Context()), "generation_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "channel_unavailable", "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}

	writeJSON(w, http.StatusOK, jobStatusFrom(u))
}

func jobStatusFrom(u progress.Update) JobStatusResponse {
	resp := JobStatusResponse{
		Status:           string(u.Status),
		StatusNormalized: u.Status,
		Running:          !u.Status.Terminal(),
		Progress:         u.Progress,
		AudioURL:         u.AudioURL,
		Error:            u.Error,
	}
	if u.AudioURL != "" {
		resp.Tracks = []Track{{ID: u.GenerationID, AudioURL: u.AudioURL}}
	}
	return resp
}
