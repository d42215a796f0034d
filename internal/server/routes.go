package server

import (
	"expvar"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dwsmith1983/nightrun/internal/server/handlers"
)

func (s *Server) registerRoutes(r chi.Router) {
	h := handlers.New(s.cache, s.artifacts, s.reports)
	h.SetLogger(s.logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/health", h.Health)

		// Consumer reads
		r.Get("/items/{identifier}/{date}", h.GetItem)
		r.Get("/items/{identifier}/{date}/artifact", h.GetArtifact)

		// Run ledger
		r.Get("/runs", h.ListReports)
		r.Get("/runs/{runID}", h.GetReport)
	})

	r.Handle("/debug/vars", expvar.Handler())
}
