package api

import (
	"net/http"
	"os"
	"time"

	"github.com/traceboard/traceboard/internal/store"
)

type HealthOptions struct {
	Version     string
	StartedAt   time.Time
	StoragePath string
	Store       *store.Store
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UptimeSec   int64  `json:"uptime_sec"`
	TraceCount  int64  `json:"trace_count"`
	SpanCount   int64  `json:"span_count"`
	DBSizeBytes int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		var traceCount, spanCount int64
		if options.Store != nil {
			if traces, spans, err := options.Store.Counts(r.Context()); err == nil {
				traceCount = traces
				spanCount = spans
			}
		}

		dbSizeBytes := int64(0)
		if options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Version:     options.Version,
			UptimeSec:   int64(uptime.Seconds()),
			TraceCount:  traceCount,
			SpanCount:   spanCount,
			DBSizeBytes: dbSizeBytes,
		})
	})
}
