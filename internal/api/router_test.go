package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/traceboard/traceboard/internal/store"
	"github.com/traceboard/traceboard/internal/trace"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traceboard.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Same split as the serve command: writer for delete-all, a
	// read-only connection for everything else.
	readStore, err := store.OpenReadOnly(path)
	if err != nil {
		t.Fatalf("store.OpenReadOnly() error: %v", err)
	}
	t.Cleanup(func() { _ = readStore.Close() })

	handler := NewRouter(RouterOptions{
		AppVersion:   "test",
		Store:        s,
		ReadStore:    readStore,
		StoragePath:  path,
		FeedInterval: 20 * time.Millisecond,
		Logger:       slog.New(slog.DiscardHandler),
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, s
}

func seedTrace(t *testing.T, s *store.Store, id string, start time.Time) {
	t.Helper()
	ctx := context.Background()
	tr := &trace.Trace{
		ID:           id,
		WorkflowName: "Billing Agent",
		StartedAt:    start,
		Status:       trace.StatusCompleted,
		TotalTokens:  210,
		TotalCost:    0.000975,
	}
	end := start.Add(time.Second)
	tr.EndedAt = &end
	if err := s.UpsertTrace(ctx, tr); err != nil {
		t.Fatalf("UpsertTrace() error: %v", err)
	}

	parent := &trace.Span{
		ID:        id + "_root",
		TraceID:   id,
		Type:      trace.SpanTypeAgent,
		Name:      "agent",
		StartedAt: start,
	}
	child := &trace.Span{
		ID:        id + "_child",
		TraceID:   id,
		ParentID:  parent.ID,
		Type:      trace.SpanTypeGeneration,
		Name:      "generation",
		StartedAt: start.Add(100 * time.Millisecond),
	}
	for _, span := range []*trace.Span{parent, child} {
		if err := s.UpsertSpan(ctx, span); err != nil {
			t.Fatalf("UpsertSpan() error: %v", err)
		}
	}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status=%d, want %d (body: %s)", url, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
}

func TestListTracesEndpoint(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedTrace(t, s, "trace_a", start)
	seedTrace(t, s, "trace_b", start.Add(time.Minute))

	var got struct {
		Items    []json.RawMessage `json:"items"`
		Total    int               `json:"total"`
		Page     int               `json:"page"`
		PageSize int               `json:"page_size"`
	}
	getJSON(t, server.URL+"/api/traces", http.StatusOK, &got)
	if got.Total != 2 || len(got.Items) != 2 {
		t.Fatalf("total=%d items=%d, want 2/2", got.Total, len(got.Items))
	}
	if got.Page != 1 || got.PageSize != 50 {
		t.Fatalf("page=%d page_size=%d, want defaults 1/50", got.Page, got.PageSize)
	}

	getJSON(t, server.URL+"/api/traces?page=1&page_size=1", http.StatusOK, &got)
	if got.Total != 2 || len(got.Items) != 1 {
		t.Fatalf("paged total=%d items=%d, want 2/1", got.Total, len(got.Items))
	}

	getJSON(t, server.URL+"/api/traces?status=running", http.StatusOK, &got)
	if got.Total != 0 {
		t.Fatalf("running total=%d, want 0", got.Total)
	}
}

func TestListTracesRejectsBadQuery(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	getJSON(t, server.URL+"/api/traces?page=zero", http.StatusBadRequest, nil)
	getJSON(t, server.URL+"/api/traces?page_size=5000", http.StatusBadRequest, nil)
	getJSON(t, server.URL+"/api/traces?status=bogus", http.StatusBadRequest, nil)
}

func TestTraceDetailEndpoint(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	seedTrace(t, s, "trace_a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var got struct {
		Trace *trace.Trace      `json:"trace"`
		Spans []trace.Span      `json:"spans"`
		Tree  []*trace.SpanNode `json:"tree"`
	}
	getJSON(t, server.URL+"/api/traces/trace_a", http.StatusOK, &got)
	if got.Trace == nil || got.Trace.ID != "trace_a" {
		t.Fatalf("trace=%+v, want trace_a", got.Trace)
	}
	if len(got.Spans) != 2 {
		t.Fatalf("spans=%d, want 2", len(got.Spans))
	}
	if len(got.Tree) != 1 || len(got.Tree[0].Children) != 1 {
		t.Fatalf("tree=%+v, want one root with one child", got.Tree)
	}

	getJSON(t, server.URL+"/api/traces/missing", http.StatusNotFound, nil)
}

func TestTraceSubResources(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	seedTrace(t, s, "trace_a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var spans struct {
		Spans []trace.Span `json:"spans"`
	}
	getJSON(t, server.URL+"/api/traces/trace_a/spans", http.StatusOK, &spans)
	if len(spans.Spans) != 2 {
		t.Fatalf("spans=%d, want 2", len(spans.Spans))
	}

	var tree struct {
		Tree []*trace.SpanNode `json:"tree"`
	}
	getJSON(t, server.URL+"/api/traces/trace_a/tree", http.StatusOK, &tree)
	if len(tree.Tree) != 1 {
		t.Fatalf("tree roots=%d, want 1", len(tree.Tree))
	}

	var exported struct {
		Version    string `json:"version"`
		TraceCount int    `json:"trace_count"`
	}
	getJSON(t, server.URL+"/api/traces/trace_a/export", http.StatusOK, &exported)
	if exported.TraceCount != 1 {
		t.Fatalf("export trace_count=%d, want 1", exported.TraceCount)
	}

	getJSON(t, server.URL+"/api/traces/trace_a/bogus", http.StatusNotFound, nil)
}

func TestDeleteAllEndpoint(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	seedTrace(t, s, "trace_a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/traces", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var got deleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Deleted != 1 {
		t.Fatalf("deleted=%d, want 1", got.Deleted)
	}

	var list struct {
		Total int `json:"total"`
	}
	getJSON(t, server.URL+"/api/traces", http.StatusOK, &list)
	if list.Total != 0 {
		t.Fatalf("total after delete=%d, want 0", list.Total)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	seedTrace(t, s, "trace_a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var got store.Metrics
	getJSON(t, server.URL+"/api/metrics", http.StatusOK, &got)
	if got.TotalTraces != 1 || got.TotalSpans != 2 {
		t.Fatalf("metrics counts=(%d, %d), want (1, 2)", got.TotalTraces, got.TotalSpans)
	}
	if got.TotalTokens != 210 {
		t.Fatalf("total_tokens=%d, want 210", got.TotalTokens)
	}
}

func TestExportEndpointFormats(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	seedTrace(t, s, "trace_a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var doc struct {
		Version    string `json:"version"`
		TraceCount int    `json:"trace_count"`
	}
	getJSON(t, server.URL+"/api/export", http.StatusOK, &doc)
	if doc.TraceCount != 1 {
		t.Fatalf("trace_count=%d, want 1", doc.TraceCount)
	}

	resp, err := http.Get(server.URL + "/api/export?format=csv")
	if err != nil {
		t.Fatalf("GET csv export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("csv status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/csv" {
		t.Fatalf("content-type=%q, want text/csv", got)
	}

	getJSON(t, server.URL+"/api/export?format=xml", http.StatusBadRequest, nil)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	seedTrace(t, s, "trace_a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var got healthResponse
	getJSON(t, server.URL+"/api/health", http.StatusOK, &got)
	if got.Status != "ok" || got.Version != "test" {
		t.Fatalf("health=%+v", got)
	}
	if got.TraceCount != 1 || got.SpanCount != 2 {
		t.Fatalf("health counts=(%d, %d), want (1, 2)", got.TraceCount, got.SpanCount)
	}
	if got.DBSizeBytes == 0 {
		t.Fatalf("db_size_bytes=0, want non-zero")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	resp, err := http.Post(server.URL+"/api/metrics", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/traces", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS origin header")
	}
}
