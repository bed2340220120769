package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/traceboard/traceboard/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if runtime.Enabled() {
		t.Fatalf("runtime enabled with otel disabled")
	}

	// All hooks must be safe no-ops when disabled.
	runtime.Event("trace_started")
	runtime.Drop("span_ended")
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	wrapped := runtime.WrapHTTPHandler(handler)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/traces", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("wrapped handler status=%d, want passthrough 418", rec.Code)
	}
}

func TestNilRuntimeIsSafe(t *testing.T) {
	t.Parallel()

	var runtime *Runtime
	if runtime.Enabled() {
		t.Fatalf("nil runtime reports enabled")
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown() error: %v", err)
	}
}

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		raw          string
		wantEndpoint string
		wantInsecure bool
		wantErr      bool
	}{
		{"bare host", "collector:4318", "collector:4318", false, false},
		{"http url", "http://collector:4318", "collector:4318", true, false},
		{"https url", "https://collector:4318", "collector:4318", false, false},
		{"empty", "  ", "", false, true},
		{"bad scheme", "grpc://collector:4317", "", false, true},
		{"missing host", "http://", "", false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			endpoint, insecure, err := normalizeOTLPEndpoint(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("normalizeOTLPEndpoint(%q) accepted", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error: %v", tc.raw, err)
			}
			if endpoint != tc.wantEndpoint || insecure != tc.wantInsecure {
				t.Fatalf("got (%q, %v), want (%q, %v)", endpoint, insecure, tc.wantEndpoint, tc.wantInsecure)
			}
		})
	}
}

func TestServerSpanName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method, path, want string
	}{
		{"GET", "/api/traces", "GET /api/*"},
		{"GET", "/api/ws/live", "GET /api/ws/*"},
		{"DELETE", "/api/traces", "DELETE /api/*"},
		{"GET", "/", "GET /"},
		{"GET", "/favicon.ico", "GET /other"},
		{"", "/api/metrics", "UNKNOWN /api/*"},
	}
	for _, tc := range cases {
		if got := serverSpanName(tc.method, tc.path); got != tc.want {
			t.Fatalf("serverSpanName(%q, %q)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
