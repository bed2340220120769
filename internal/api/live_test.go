package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/traceboard/traceboard/internal/trace"
)

func dialLive(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readLiveMessage(t *testing.T, conn *websocket.Conn) liveMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg liveMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read live message: %v", err)
	}
	return msg
}

func TestLiveFeedPingPong(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	conn := dialLive(t, server.URL)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	msg := readLiveMessage(t, conn)
	if msg.Type != "pong" {
		t.Fatalf("type=%q, want pong", msg.Type)
	}
}

func TestLiveFeedPushesOnChange(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	conn := dialLive(t, server.URL)

	// The empty store still differs from the initial sentinel, so the
	// first sample produces one update; the seed below produces the next.
	first := readLiveMessage(t, conn)
	if first.Type != "update" || first.Metrics == nil {
		t.Fatalf("first message=%+v, want update with metrics", first)
	}
	if first.Metrics.TotalTraces != 0 {
		t.Fatalf("initial total_traces=%d, want 0", first.Metrics.TotalTraces)
	}

	seedTrace(t, s, "trace_live", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	second := readLiveMessage(t, conn)
	if second.Type != "update" || second.Metrics == nil {
		t.Fatalf("second message=%+v, want update with metrics", second)
	}
	if second.Metrics.TotalTraces != 1 || second.Metrics.TotalSpans != 2 {
		t.Fatalf("pushed counts=(%d, %d), want (1, 2)", second.Metrics.TotalTraces, second.Metrics.TotalSpans)
	}
}

func TestLiveFeedStaysQuietWithoutChange(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	conn := dialLive(t, server.URL)

	// Swallow the initial update.
	_ = readLiveMessage(t, conn)

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg liveMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("unexpected push without metric change: %+v", msg)
	}
}

func TestLiveFeedHandlesGenerationTrace(t *testing.T) {
	t.Parallel()

	server, s := newTestServer(t)
	conn := dialLive(t, server.URL)
	_ = readLiveMessage(t, conn)

	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := &trace.Trace{ID: "trace_gen", WorkflowName: "wf", StartedAt: start, Status: trace.StatusRunning}
	if err := s.UpsertTrace(ctx, tr); err != nil {
		t.Fatalf("UpsertTrace() error: %v", err)
	}

	msg := readLiveMessage(t, conn)
	if msg.Metrics == nil || msg.Metrics.TracesByStatus["running"] != 1 {
		t.Fatalf("metrics=%+v, want one running trace", msg.Metrics)
	}
}
