package server

import (
	"errors"
	"net/http"
	"strconv"

	"partyoverlay/internal/engine"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Retry(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
	case errors.Is(err, engine.ErrNothingPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrSessionNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	ops, err := s.history.ListProviderOps(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "provider not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.session.Session())
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "provider not configured")
		return
	}
	s.session.Reset()
	writeJSON(w, http.StatusOK, s.session.Session())
}
