// Package trace defines the domain model shared by the recorder, the
// storage engine, and the serving API: traces, spans, span payloads, and
// the span-tree reconstruction used by the dashboard.
package trace

import "time"

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Valid reports whether s is one of the known trace statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Trace is one end-to-end recorded workflow execution window.
//
// A trace is created on a start event, mutated only by span-driven
// aggregate updates while running, and closed exactly once by an end
// event which snapshots its final token/cost totals.
type Trace struct {
	ID           string         `json:"trace_id"`
	WorkflowName string         `json:"workflow_name"`
	GroupID      string         `json:"group_id,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Status       Status         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TotalTokens  int            `json:"total_tokens"`
	TotalCost    float64        `json:"total_cost"`
}

// DurationMS returns the trace duration in milliseconds, or false if the
// trace has not ended.
func (t *Trace) DurationMS() (float64, bool) {
	if t.EndedAt == nil {
		return 0, false
	}
	return float64(t.EndedAt.Sub(t.StartedAt)) / float64(time.Millisecond), true
}

// Span is one timed, possibly-nested sub-operation inside a trace.
//
// Created on start with a nil end timestamp; mutated exactly once at end
// to set the end timestamp, payload, error, and cost; never mutated again.
type Span struct {
	ID        string      `json:"span_id"`
	TraceID   string      `json:"trace_id"`
	ParentID  string      `json:"parent_id,omitempty"`
	Type      SpanType    `json:"span_type"`
	Name      string      `json:"name"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Payload   SpanPayload `json:"span_data"`
	Error     *SpanError  `json:"error,omitempty"`
	Cost      float64     `json:"cost"`
}

// DurationMS returns the span duration in milliseconds, or false if the
// span has not ended.
func (s *Span) DurationMS() (float64, bool) {
	if s.EndedAt == nil {
		return 0, false
	}
	return float64(s.EndedAt.Sub(s.StartedAt)) / float64(time.Millisecond), true
}

// SpanError describes a failure attached to a span at end time.
type SpanError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
