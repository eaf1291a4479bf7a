// Package server exposes the overlay's local HTTP surface: engine state, the
// display feed over SSE, manual retry and provider diagnostics.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"partyoverlay/internal/engine"
	"partyoverlay/internal/feed"
	"partyoverlay/internal/models"
	"partyoverlay/internal/provider"
)

type Engine interface {
	Snapshot() engine.Snapshot
	Retry(ctx context.Context) error
}

type ProviderSession interface {
	Session() provider.SessionInfo
	Reset()
}

type History interface {
	ListProviderOps(limit int) ([]models.ProviderOp, error)
	Ping() error
}

type Connectivity interface {
	Connected() bool
}

type Server struct {
	router       chi.Router
	engine       Engine
	hub          *feed.Hub
	session      ProviderSession
	history      History
	transport    Connectivity
	corsOrigin   string
	controlToken string
	version      string
}

func NewServer(e Engine, hub *feed.Hub, opts ...Option) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		engine:  e,
		hub:     hub,
		version: "dev",
	}
	for _, o := range opts {
		o(srv)
	}
	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.routes()
	return srv
}

type Option func(*Server)

func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

// WithControlToken requires "Authorization: Bearer <token>" (or ?token= for
// EventSource clients) on every /api route except health.
func WithControlToken(token string) Option {
	return func(s *Server) { s.controlToken = token }
}

func WithProviderSession(p ProviderSession) Option {
	return func(s *Server) { s.session = p }
}

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

func WithConnectivity(c Connectivity) Option {
	return func(s *Server) { s.transport = c }
}

func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
