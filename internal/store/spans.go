package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/traceboard/traceboard/internal/trace"
)

// UpsertSpan inserts or replaces a span row. The owning trace row must
// already exist (foreign key).
func (s *Store) UpsertSpan(ctx context.Context, span *trace.Span) error {
	if span == nil {
		return nil
	}
	payload, err := json.Marshal(span.Payload)
	if err != nil {
		return fmt.Errorf("encode span %q payload: %w", span.ID, err)
	}
	errJSON, err := encodeSpanError(span.Error)
	if err != nil {
		return fmt.Errorf("encode span %q error: %w", span.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO spans (
    span_id, trace_id, parent_id, span_type, name,
    started_at, ended_at, span_data_json, error_json, cost
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			span.ID,
			span.TraceID,
			nullString(span.ParentID),
			string(span.Type),
			span.Name,
			toUnixSeconds(span.StartedAt),
			nullTime(span.EndedAt),
			string(payload),
			errJSON,
			span.Cost,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert span %q: %w", span.ID, err)
	}
	return nil
}

// CompleteSpan performs the one-and-only mutation of a span after its
// insert: setting the end timestamp, final payload, error, and cost.
func (s *Store) CompleteSpan(ctx context.Context, id string, endedAt time.Time, payload trace.SpanPayload, spanErr *trace.SpanError, cost float64) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode span %q payload: %w", id, err)
	}
	errJSON, err := encodeSpanError(spanErr)
	if err != nil {
		return fmt.Errorf("encode span %q error: %w", id, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
UPDATE spans SET ended_at = ?, span_data_json = ?, error_json = ?, cost = ?
WHERE span_id = ?`,
			toUnixSeconds(endedAt), string(encoded), errJSON, cost, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete span %q: %w", id, err)
	}
	return nil
}

// SpanExists reports whether a span row with the given id is present.
func (s *Store) SpanExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM spans WHERE span_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup span %q: %w", id, err)
	}
	return true, nil
}

// SpansForTrace returns every span of a trace ordered by ascending start
// time.
func (s *Store) SpansForTrace(ctx context.Context, traceID string) ([]trace.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT span_id, trace_id, parent_id, span_type, name,
       started_at, ended_at, span_data_json, error_json, cost
FROM spans WHERE trace_id = ? ORDER BY started_at ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query spans for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	spans := make([]trace.Span, 0)
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		spans = append(spans, *span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return spans, nil
}

func scanSpan(scanner rowScanner) (*trace.Span, error) {
	var (
		span     trace.Span
		parentID sql.NullString
		started  float64
		ended    sql.NullFloat64
		spanType string
		payload  string
		errJSON  sql.NullString
	)

	if err := scanner.Scan(
		&span.ID, &span.TraceID, &parentID, &spanType, &span.Name,
		&started, &ended, &payload, &errJSON, &span.Cost,
	); err != nil {
		return nil, err
	}

	if parentID.Valid {
		span.ParentID = parentID.String
	}
	span.Type = trace.SpanType(spanType)
	span.StartedAt = fromUnixSeconds(started)
	if ended.Valid {
		endedAt := fromUnixSeconds(ended.Float64)
		span.EndedAt = &endedAt
	}
	if strings.TrimSpace(payload) != "" {
		if err := json.Unmarshal([]byte(payload), &span.Payload); err != nil {
			return nil, fmt.Errorf("decode span %q payload: %w", span.ID, err)
		}
	}
	if errJSON.Valid && strings.TrimSpace(errJSON.String) != "" {
		span.Error = &trace.SpanError{}
		if err := json.Unmarshal([]byte(errJSON.String), span.Error); err != nil {
			return nil, fmt.Errorf("decode span %q error: %w", span.ID, err)
		}
	}
	return &span, nil
}

func encodeSpanError(spanErr *trace.SpanError) (any, error) {
	if spanErr == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(spanErr)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}
