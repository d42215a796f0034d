package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/nightrun/internal/artifact"
	"github.com/dwsmith1983/nightrun/internal/metrics"
	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// itemResponse is the consumer view of a completed row.
type itemResponse struct {
	Identifier          string          `json:"identifier"`
	AsOfDate            string          `json:"as_of_date"`
	Status              string          `json:"status"`
	Content             json.RawMessage `json:"content"`
	ArtifactReference   *string         `json:"artifact_reference"`
	ArtifactGeneratedAt *time.Time      `json:"artifact_generated_at,omitempty"`
	ComputedAt          time.Time       `json:"computed_at"`
}

var notAvailable = map[string]string{"status": "not_available"}

func itemFromPath(r *http.Request) (types.WorkItem, error) {
	item := types.WorkItem{
		Identifier: chi.URLParam(r, "identifier"),
		AsOfDate:   chi.URLParam(r, "date"),
	}
	if item.Identifier == "" {
		return item, errors.New("identifier is required")
	}
	return item, types.ValidateDate(item.AsOfDate)
}

// content renders stored content as JSON. Content that is not JSON is
// served as a JSON string.
func content(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	s, _ := json.Marshal(string(b))
	return s
}

// GetItem serves a completed row. Anything else, including a failed or
// in-progress regeneration with no prior completed content, is an explicit
// 404 not_available rather than stale or partial content.
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := itemFromPath(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	row, err := h.cache.Lookup(r.Context(), item)
	if errors.Is(err, provider.ErrNotAvailable) {
		metrics.ConsumerNotServed.Add(1)
		writeJSON(w, http.StatusNotFound, notAvailable)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "cache lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{
		Identifier:          row.Identifier,
		AsOfDate:            row.AsOfDate,
		Status:              string(row.Status),
		Content:             content(row.Content),
		ArtifactReference:   row.ArtifactReference,
		ArtifactGeneratedAt: row.ArtifactGeneratedAt,
		ComputedAt:          row.ComputedAt,
	})
}

// GetArtifact returns the artifact key of a completed item: the reference
// recorded on the row, or else the newest key under the item's prefix.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	item, err := itemFromPath(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	row, err := h.cache.Lookup(r.Context(), item)
	if errors.Is(err, provider.ErrNotAvailable) {
		metrics.ConsumerNotServed.Add(1)
		writeJSON(w, http.StatusNotFound, notAvailable)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "cache lookup failed", err)
		return
	}
	if row.ArtifactReference != nil {
		writeJSON(w, http.StatusOK, map[string]string{"key": *row.ArtifactReference, "source": "cache"})
		return
	}
	if h.artifacts == nil {
		writeJSON(w, http.StatusNotFound, notAvailable)
		return
	}
	key, err := h.artifacts.Latest(r.Context(), item)
	if errors.Is(err, artifact.ErrNotFound) {
		metrics.ConsumerNotServed.Add(1)
		writeJSON(w, http.StatusNotFound, notAvailable)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "artifact lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "source": "store"})
}
