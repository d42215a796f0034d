// Package handlers implements the HTTP handlers of the consumer read API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// ArtifactLocator finds the newest artifact of an item.
type ArtifactLocator interface {
	Latest(ctx context.Context, item types.WorkItem) (string, error)
}

// Handlers contains all HTTP handler dependencies.
type Handlers struct {
	cache     provider.CacheStore
	artifacts ArtifactLocator
	reports   provider.ReportStore
	logger    *slog.Logger
}

// New creates a new Handlers instance. artifacts and reports may be nil.
func New(cache provider.CacheStore, artifacts ArtifactLocator, reports provider.ReportStore) *Handlers {
	return &Handlers{
		cache:     cache,
		artifacts: artifacts,
		reports:   reports,
		logger:    slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (h *Handlers) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// writeError logs the internal error and returns a sanitized JSON error to the client.
func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		h.logger.Error(msg, "error", err, "status", status)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
