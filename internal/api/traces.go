package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/traceboard/traceboard/internal/export"
	"github.com/traceboard/traceboard/internal/store"
	"github.com/traceboard/traceboard/internal/trace"
)

type tracesResponse struct {
	Items    []store.TraceListItem `json:"items"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

type traceDetailResponse struct {
	Trace *trace.Trace      `json:"trace"`
	Spans []trace.Span      `json:"spans"`
	Tree  []*trace.SpanNode `json:"tree"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

// TracesHandler serves the collection endpoint: GET lists one filtered
// page through the read store, DELETE wipes the whole store through the
// writer.
func TracesHandler(readStore, writeStore *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if readStore == nil || writeStore == nil {
			writeError(w, http.StatusServiceUnavailable, "store is not configured")
			return
		}

		switch r.Method {
		case http.MethodGet:
			filter, err := parseListFilter(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			items, total, err := readStore.ListTraces(r.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list traces")
				return
			}
			writeJSON(w, http.StatusOK, tracesResponse{
				Items:    items,
				Total:    total,
				Page:     normalizePage(filter.Page),
				PageSize: normalizePageSize(filter.PageSize),
			})
		case http.MethodDelete:
			deleted, err := writeStore.DeleteAll(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to delete traces")
				return
			}
			writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
		default:
			w.Header().Set("Allow", "GET, DELETE, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// TraceDetailHandler serves one trace: the full detail (trace + flat
// spans + tree), or the spans, tree, and export sub-resources.
func TraceDetailHandler(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s == nil {
			writeError(w, http.StatusServiceUnavailable, "store is not configured")
			return
		}
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		id, action, ok := parseTracePath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch action {
		case "":
			item, spans, ok := loadTrace(w, r, s, id)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, traceDetailResponse{
				Trace: item,
				Spans: spans,
				Tree:  trace.BuildTree(spans),
			})
		case "spans":
			_, spans, ok := loadTrace(w, r, s, id)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"trace_id": id, "spans": spans})
		case "tree":
			_, spans, ok := loadTrace(w, r, s, id)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"trace_id": id, "tree": trace.BuildTree(spans)})
		case "export":
			if _, err := s.GetTrace(r.Context(), id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, "trace not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to read trace")
				return
			}
			doc, err := export.BuildDocument(r.Context(), s, []string{id})
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to export trace")
				return
			}
			writeJSON(w, http.StatusOK, doc)
		default:
			http.NotFound(w, r)
		}
	})
}

func loadTrace(w http.ResponseWriter, r *http.Request, s *store.Store, id string) (*trace.Trace, []trace.Span, bool) {
	item, err := s.GetTrace(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trace not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to read trace")
		}
		return nil, nil, false
	}
	spans, err := s.SpansForTrace(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read spans")
		return nil, nil, false
	}
	return item, spans, true
}

func parseListFilter(r *http.Request) (store.ListFilter, error) {
	query := r.URL.Query()
	page, err := parseIntQuery(query.Get("page"), "page", 1, 0)
	if err != nil {
		return store.ListFilter{}, err
	}
	pageSize, err := parseIntQuery(query.Get("page_size"), "page_size", 1, 200)
	if err != nil {
		return store.ListFilter{}, err
	}

	status := strings.TrimSpace(query.Get("status"))
	if status != "" && !trace.Status(status).Valid() {
		return store.ListFilter{}, fmt.Errorf("status must be one of running, completed, error")
	}

	return store.ListFilter{
		Page:         page,
		PageSize:     pageSize,
		Status:       status,
		WorkflowName: strings.TrimSpace(query.Get("workflow_name")),
	}, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func normalizePage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func normalizePageSize(pageSize int) int {
	if pageSize <= 0 {
		return 50
	}
	if pageSize > 200 {
		return 200
	}
	return pageSize
}

// parseTracePath splits /api/traces/{id}[/{action}] into its parts.
func parseTracePath(path string) (id, action string, ok bool) {
	const prefix = "/api/traces/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return "", "", false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 2 || strings.TrimSpace(parts[0]) == "" {
		return "", "", false
	}
	id = parts[0]
	if len(parts) == 2 {
		action = strings.TrimSpace(parts[1])
		if action == "" {
			return "", "", false
		}
	}
	return id, action, true
}
