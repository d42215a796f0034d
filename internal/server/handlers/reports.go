package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// GetReport returns one run report with its exit code.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.writeError(w, http.StatusNotImplemented, "run ledger not configured", nil)
		return
	}
	runID := chi.URLParam(r, "runID")
	report, err := h.reports.GetReport(r.Context(), runID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read report", err)
		return
	}
	if report == nil {
		h.writeError(w, http.StatusNotFound, "report not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":    report,
		"exit_code": report.ExitCode(),
	})
}

// ListReports returns the reports of an as-of date, newest first.
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.writeError(w, http.StatusNotImplemented, "run ledger not configured", nil)
		return
	}
	date := r.URL.Query().Get("date")
	if err := types.ValidateDate(date); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 100", nil)
			return
		}
		limit = n
	}
	reports, err := h.reports.ListReports(r.Context(), date, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list reports", err)
		return
	}
	if reports == nil {
		reports = []types.RunReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}
