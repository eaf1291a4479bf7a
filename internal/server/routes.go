package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(limitBody)
		r.Use(jsonContentType)
		r.Use(corsMiddleware(s.corsOrigin))
		r.Use(requireControlToken(s.controlToken))

		r.Get("/version", s.handleVersion)
		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)
		r.Post("/retry", s.handleRetry)
		r.Get("/history", s.handleHistory)
		r.Get("/session", s.handleSession)
		r.Post("/session/reset", s.handleSessionReset)
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Transport string `json:"transport,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.transport != nil {
		resp.Transport = "disconnected"
		if s.transport.Connected() {
			resp.Transport = "connected"
		}
	}
	if s.history != nil {
		if err := s.history.Ping(); err != nil {
			resp.Status = "error"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
