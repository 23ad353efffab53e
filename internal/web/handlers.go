package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	"github.com/ssuji15/codemod-run/internal/service/logger"
	"github.com/ssuji15/codemod-run/internal/web/middleware"
	"github.com/ssuji15/codemod-run/model"
)

const maxBodyBytes = 5 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto the HTTP error taxonomy.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *custom_errors.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "VALIDATION_ERROR", ErrorText: ve.Error()})
	case errors.Is(err, custom_errors.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{Error: "UNAUTHORIZED"})
	case errors.Is(err, custom_errors.ErrQueueUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{Error: "QUEUE_UNAVAILABLE", ErrorText: err.Error()})
	case errors.Is(err, custom_errors.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{Error: "STORE_UNAVAILABLE", ErrorText: err.Error()})
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Error: "INTERNAL_ERROR"})
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{}})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.VersionResponse{Version: s.cfg.VERSION})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		ve := &custom_errors.ValidationError{}
		ve.Addf("invalid JSON: %v", err)
		writeError(w, r, ve)
		return
	}

	jobs, err := s.jobService.SubmitRun(r.Context(), middleware.UserID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.RunResponse{Success: true, Data: jobs})
}

// jobIDs splits the comma separated {jobIds} path segment.
func jobIDs(r *http.Request) []string {
	var ids []string
	for _, id := range strings.Split(chi.URLParam(r, "jobIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.jobService.GetStatus(r.Context(), jobIDs(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Data: entries})
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	entries, err := s.jobService.GetOutput(r.Context(), jobIDs(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Data: entries})
}
