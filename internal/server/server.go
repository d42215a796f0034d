// Package server implements the nightrun consumer read API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/internal/server/handlers"
)

// Server serves cached content to consumers.
type Server struct {
	cache     provider.CacheStore
	artifacts handlers.ArtifactLocator
	reports   provider.ReportStore
	router    chi.Router
	addr      string
	apiKey    string
	maxBody   int64
	logger    *slog.Logger
	srv       *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires the X-API-Key header on every route except health.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithMaxBody limits request body size.
func WithMaxBody(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithReports exposes run reports under /api/runs.
func WithReports(r provider.ReportStore) Option {
	return func(s *Server) { s.reports = r }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a new HTTP server. artifacts may be nil.
func New(addr string, cache provider.CacheStore, artifacts handlers.ArtifactLocator, opts ...Option) *Server {
	s := &Server{
		cache:     cache,
		artifacts: artifacts,
		addr:      addr,
		maxBody:   1 << 20,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(MaxBodyMiddleware(s.maxBody))
	r.Use(APIKeyMiddleware(s.apiKey))

	s.router = r
	s.registerRoutes(r)
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("nightrun server listening", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}
