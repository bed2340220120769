// Package recorder implements the ingest surface: four operations
// (StartTrace, EndTrace, StartSpan, EndSpan) that arbitrary concurrent
// producers may call. Every operation is best-effort; internal failures
// are logged and swallowed so tracing can never crash or stall the
// instrumented workload.
package recorder

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traceboard/traceboard/internal/pricing"
	"github.com/traceboard/traceboard/internal/store"
	"github.com/traceboard/traceboard/internal/trace"
)

// Policy selects how an end event for an unknown span id is handled.
type Policy string

const (
	// PolicyDrop discards the event silently, logged at Debug.
	PolicyDrop Policy = "drop"
	// PolicySynthesize creates a synthetic trace and span pair on the
	// fly, recovering events whose start was missed.
	PolicySynthesize Policy = "synthesize"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyDrop || p == PolicySynthesize
}

// TruncateLimit bounds the response and tool payload text adapters hand
// to the recorder.
const TruncateLimit = 2000

// Truncate trims s to at most limit characters. A non-positive limit
// falls back to TruncateLimit.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		limit = TruncateLimit
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// Observer receives pipeline events for self-telemetry. Implementations
// must be safe for concurrent use.
type Observer interface {
	Event(name string)
	Drop(name string)
}

// Options configures a Recorder.
type Options struct {
	// Policy for end events whose span id is unknown. Defaults to
	// PolicyDrop.
	Policy Policy
	// Logger for internal diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Observer is an optional sink for pipeline counters.
	Observer Observer
}

// aggregate is the in-memory running state of one open trace. It is
// created on StartTrace and consumed on EndTrace; its totals reach the
// trace row only at that point.
type aggregate struct {
	inputTokens  int
	outputTokens int
	cost         float64
	errored      bool
	openSpans    map[string]struct{}
}

// Recorder turns start/end events into store rows and keeps the running
// per-trace aggregates. One mutex serializes the aggregate map and all
// store writes, so writers never interleave partially.
type Recorder struct {
	store    *store.Store
	log      *slog.Logger
	policy   Policy
	observer Observer

	mu        sync.Mutex
	active    map[string]*aggregate // trace id -> running totals
	spanIndex map[string]string     // open span id -> trace id

	now func() time.Time
}

// New returns a Recorder writing through s.
func New(s *store.Store, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if !policy.Valid() {
		policy = PolicyDrop
	}
	return &Recorder{
		store:     s,
		log:       logger,
		policy:    policy,
		observer:  opts.Observer,
		active:    make(map[string]*aggregate),
		spanIndex: make(map[string]string),
		now:       time.Now,
	}
}

// TraceStart carries the optional fields of a StartTrace call.
type TraceStart struct {
	ID       string // generated when empty
	GroupID  string
	Metadata map[string]any
}

// SpanStart carries the optional fields of a StartSpan call.
type SpanStart struct {
	ID       string // generated when empty
	ParentID string
}

// SpanEnd carries the final state of a span.
type SpanEnd struct {
	Payload trace.SpanPayload
	Error   *trace.SpanError
	// Cost overrides the price-table computation when set.
	Cost *float64
}

// StartTrace opens a new trace and returns its id. The id is usable
// even when the underlying write failed; the failure is logged and the
// trace simply never appears in the store.
func (r *Recorder) StartTrace(ctx context.Context, workflowName string, opts TraceStart) string {
	id := opts.ID
	if id == "" {
		id = newTraceID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[id] = &aggregate{openSpans: make(map[string]struct{})}
	r.event("trace_started")

	t := &trace.Trace{
		ID:           id,
		WorkflowName: workflowName,
		GroupID:      opts.GroupID,
		StartedAt:    r.now(),
		Status:       trace.StatusRunning,
		Metadata:     opts.Metadata,
	}
	if err := r.store.UpsertTrace(ctx, t); err != nil {
		r.drop("trace_started")
		r.log.Error("record trace start failed", "trace_id", id, "error", err)
	}
	return id
}

// EndTrace closes a trace, flushing its in-memory aggregate totals into
// the trace row. The final status is error when any span of the trace
// ended with an error while the aggregate was live, completed otherwise.
// A second EndTrace for the same id finds no aggregate and writes a
// redundant zero-total snapshot, never a double count.
func (r *Recorder) EndTrace(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.active[id]
	delete(r.active, id)

	status := trace.StatusCompleted
	var totalTokens int
	var totalCost float64
	if entry != nil {
		for spanID := range entry.openSpans {
			delete(r.spanIndex, spanID)
		}
		if entry.errored {
			status = trace.StatusError
		}
		totalTokens = entry.inputTokens + entry.outputTokens
		totalCost = entry.cost
	}
	r.event("trace_ended")

	if err := r.store.CompleteTrace(ctx, id, r.now(), status, totalTokens, totalCost); err != nil {
		r.drop("trace_ended")
		r.log.Error("record trace end failed", "trace_id", id, "error", err)
	}
}

// StartSpan opens a span inside an existing trace and returns its id.
func (r *Recorder) StartSpan(ctx context.Context, traceID string, spanType trace.SpanType, name string, opts SpanStart) string {
	id := opts.ID
	if id == "" {
		id = newSpanID()
	}
	if !spanType.Valid() {
		spanType = trace.SpanTypeCustom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.active[traceID]; ok {
		entry.openSpans[id] = struct{}{}
		r.spanIndex[id] = traceID
	}
	r.event("span_started")

	span := &trace.Span{
		ID:        id,
		TraceID:   traceID,
		ParentID:  opts.ParentID,
		Type:      spanType,
		Name:      name,
		StartedAt: r.now(),
		Payload:   trace.SpanPayload{Type: spanType},
	}
	if err := r.store.UpsertSpan(ctx, span); err != nil {
		r.drop("span_started")
		r.log.Error("record span start failed", "span_id", id, "trace_id", traceID, "error", err)
	}
	return id
}

// EndSpan closes a span, persisting its final payload, error, and cost.
// A generation payload carrying token counts feeds the owning trace's
// running aggregate; a span whose trace aggregate was already evicted
// contributes zero. An unknown span id takes the configured fallback
// policy path; a second end for an already-persisted span is dropped
// either way, never replayed.
func (r *Recorder) EndSpan(ctx context.Context, id string, end SpanEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()

	traceID, known := r.spanIndex[id]
	if !known {
		r.handleUnknownEnd(ctx, id, end)
		return
	}
	delete(r.spanIndex, id)

	cost := r.finishPayload(&end)
	entry := r.active[traceID]
	if entry != nil {
		delete(entry.openSpans, id)
		if gen := end.Payload.Generation; gen != nil {
			entry.inputTokens += gen.InputTokens
			entry.outputTokens += gen.OutputTokens
			entry.cost += cost
		}
		if end.Error != nil {
			entry.errored = true
		}
	}
	r.event("span_ended")

	if err := r.store.CompleteSpan(ctx, id, r.now(), end.Payload, end.Error, cost); err != nil {
		r.drop("span_ended")
		r.log.Error("record span end failed", "span_id", id, "error", err)
	}
}

// finishPayload computes the span cost and backfills the generation
// total-token count. Caller holds r.mu.
func (r *Recorder) finishPayload(end *SpanEnd) float64 {
	gen := end.Payload.Generation
	var cost float64
	if gen != nil {
		if gen.TotalTokens == 0 {
			gen.TotalTokens = gen.InputTokens + gen.OutputTokens
		}
		if gen.Model != "" {
			cost = pricing.Cost(gen.Model, gen.InputTokens, gen.OutputTokens)
		}
	}
	if end.Cost != nil {
		cost = *end.Cost
	}
	return cost
}

// handleUnknownEnd applies the fallback policy for an end event whose
// span id is not open. Caller holds r.mu.
func (r *Recorder) handleUnknownEnd(ctx context.Context, id string, end SpanEnd) {
	if r.policy == PolicyDrop {
		r.drop("span_unknown")
		r.log.Debug("dropping end event for unknown span", "span_id", id)
		return
	}

	// A span row that already exists means this is a duplicate end, not
	// a missed start. Replaying the recovery would rehome the span into
	// a synthetic trace, so the duplicate is a no-op instead.
	exists, err := r.store.SpanExists(ctx, id)
	if err != nil {
		r.drop("span_unknown")
		r.log.Error("lookup span for recovery failed", "span_id", id, "error", err)
		return
	}
	if exists {
		r.drop("span_unknown")
		r.log.Debug("dropping duplicate end event", "span_id", id)
		return
	}

	// Missed-start recovery: fabricate the trace and span the start
	// events would have created, then close both immediately.
	r.event("span_synthesized")
	traceID := newTraceID()
	now := r.now()

	t := &trace.Trace{
		ID:           traceID,
		WorkflowName: "recovered",
		StartedAt:    now,
		Status:       trace.StatusRunning,
	}
	if err := r.store.UpsertTrace(ctx, t); err != nil {
		r.drop("span_synthesized")
		r.log.Error("synthesize trace failed", "span_id", id, "error", err)
		return
	}

	spanType := end.Payload.Type
	if !spanType.Valid() {
		spanType = trace.SpanTypeCustom
	}
	span := &trace.Span{
		ID:        id,
		TraceID:   traceID,
		Type:      spanType,
		Name:      string(spanType),
		StartedAt: now,
	}
	if err := r.store.UpsertSpan(ctx, span); err != nil {
		r.drop("span_synthesized")
		r.log.Error("synthesize span failed", "span_id", id, "error", err)
		return
	}

	cost := r.finishPayload(&end)
	if err := r.store.CompleteSpan(ctx, id, r.now(), end.Payload, end.Error, cost); err != nil {
		r.drop("span_synthesized")
		r.log.Error("complete synthesized span failed", "span_id", id, "error", err)
		return
	}

	status := trace.StatusCompleted
	if end.Error != nil {
		status = trace.StatusError
	}
	var totalTokens int
	if gen := end.Payload.Generation; gen != nil {
		totalTokens = gen.InputTokens + gen.OutputTokens
	}
	if err := r.store.CompleteTrace(ctx, traceID, r.now(), status, totalTokens, cost); err != nil {
		r.drop("span_synthesized")
		r.log.Error("complete synthesized trace failed", "span_id", id, "error", err)
	}
}

// OpenTraces returns the number of traces with a live in-memory
// aggregate, for diagnostics.
func (r *Recorder) OpenTraces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Recorder) event(name string) {
	if r.observer != nil {
		r.observer.Event(name)
	}
}

func (r *Recorder) drop(name string) {
	if r.observer != nil {
		r.observer.Drop(name)
	}
}

func newTraceID() string {
	return "trace_" + uuidHex()
}

func newSpanID() string {
	return "span_" + uuidHex()[:24]
}

func uuidHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
