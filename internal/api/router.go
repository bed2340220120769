// Package api exposes the serving surface of the dashboard: trace
// listing and detail, aggregate metrics, export, health, and the live
// metrics websocket.
package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/traceboard/traceboard/internal/store"
)

type RouterOptions struct {
	AppVersion string
	// Store is the writer handle, used only by the delete-all endpoint.
	Store *store.Store
	// ReadStore serves every read path (listing, detail, metrics,
	// export, health, live feed) so queries never contend with the
	// serialized writer connection. Falls back to Store when nil.
	ReadStore   *store.Store
	StoragePath string
	// FeedInterval is the live feed sampling period. Defaults to one
	// second.
	FeedInterval time.Duration
	Logger       *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readStore := options.ReadStore
	if readStore == nil {
		readStore = options.Store
	}
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:     options.AppVersion,
		StartedAt:   startedAt,
		StoragePath: options.StoragePath,
		Store:       readStore,
	}))
	mux.Handle("/api/traces", TracesHandler(readStore, options.Store))
	mux.Handle("/api/traces/", TraceDetailHandler(readStore))
	mux.Handle("/api/metrics", MetricsHandler(readStore))
	mux.Handle("/api/export", ExportHandler(readStore))
	mux.Handle("/api/ws/live", LiveHandler(LiveOptions{
		Store:    readStore,
		Interval: options.FeedInterval,
		Logger:   logger,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "traceboard",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
