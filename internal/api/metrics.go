package api

import (
	"net/http"
	"strings"

	"github.com/traceboard/traceboard/internal/export"
	"github.com/traceboard/traceboard/internal/store"
)

// MetricsHandler serves the aggregate dashboard counters.
func MetricsHandler(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if s == nil {
			writeError(w, http.StatusServiceUnavailable, "store is not configured")
			return
		}

		metrics, err := s.Metrics(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute metrics")
			return
		}
		writeJSON(w, http.StatusOK, metrics)
	})
}

// ExportHandler dumps the corpus in the requested format. Query
// parameters: format (json, the default, or csv) and trace_ids (comma
// separated restriction).
func ExportHandler(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if s == nil {
			writeError(w, http.StatusServiceUnavailable, "store is not configured")
			return
		}

		var ids []string
		if raw := strings.TrimSpace(r.URL.Query().Get("trace_ids")); raw != "" {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ids = append(ids, id)
				}
			}
		}

		doc, err := export.BuildDocument(r.Context(), s, ids)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to build export")
			return
		}

		format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
		switch format {
		case "", "json":
			writeJSON(w, http.StatusOK, doc)
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", `attachment; filename="traces.csv"`)
			w.WriteHeader(http.StatusOK)
			_ = export.WriteCSV(w, doc, true)
		default:
			writeError(w, http.StatusBadRequest, "format must be json or csv")
		}
	})
}
