package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/traceboard/traceboard/internal/store"
)

const defaultFeedInterval = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard binds to localhost.
		return true
	},
}

type LiveOptions struct {
	Store    *store.Store
	Interval time.Duration
	Logger   *slog.Logger
}

type liveMessage struct {
	Type    string         `json:"type"`
	Metrics *store.Metrics `json:"metrics,omitempty"`
}

// liveConn serializes writes to one websocket connection, shared by the
// sampling goroutine and the read loop's pong replies.
type liveConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *liveConn) send(msg liveMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// LiveHandler upgrades to a websocket and streams edge-triggered metric
// updates: a sampling goroutine polls the trace/span counts at the
// configured interval and pushes {"type":"update"} with the full metrics
// object only when either count changed. A "ping" text message gets a
// {"type":"pong"} reply. The sampling goroutine stops when the
// subscriber disconnects or a send fails.
func LiveHandler(options LiveOptions) http.Handler {
	interval := options.Interval
	if interval <= 0 {
		interval = defaultFeedInterval
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if options.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "store is not configured")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		subscriber := &liveConn{conn: conn}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go sampleCounts(ctx, cancel, options.Store, subscriber, interval, logger)

		// Read loop: answers pings, drops everything else, and ends the
		// subscription when the peer goes away.
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.TextMessage && string(payload) == "ping" {
				if err := subscriber.send(liveMessage{Type: "pong"}); err != nil {
					return
				}
			}
		}
	})
}

func sampleCounts(ctx context.Context, cancel context.CancelFunc, s *store.Store, subscriber *liveConn, interval time.Duration, logger *slog.Logger) {
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The -1 sentinels never match real counts, so the first sample
	// always pushes a baseline snapshot to the new subscriber.
	var lastTraces, lastSpans int64 = -1, -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		traces, spans, err := s.Counts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("live feed sample failed", "error", err)
			continue
		}
		if traces == lastTraces && spans == lastSpans {
			continue
		}
		lastTraces, lastSpans = traces, spans

		metrics, err := s.Metrics(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("live feed metrics failed", "error", err)
			continue
		}
		if err := subscriber.send(liveMessage{Type: "update", Metrics: metrics}); err != nil {
			// Failed send removes the subscriber immediately.
			return
		}
	}
}
