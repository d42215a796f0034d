package handlers

import (
	"net/http"
)

// Health reports whether the cache store answers.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.cache.Ping(r.Context()); err != nil {
		h.logger.Warn("health check: cache unreachable", "error", err)
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
