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

// ListFilter narrows and pages a trace listing.
type ListFilter struct {
	Page         int    // 1-based, defaults to 1
	PageSize     int    // clamped to [1, 200], defaults to 50
	Status       string // exact status match when non-empty
	WorkflowName string // substring match when non-empty
}

// TraceListItem is one row of a paginated listing, enriched with the span
// count and derived duration the dashboard renders.
type TraceListItem struct {
	trace.Trace
	DurationMS *float64 `json:"duration_ms"`
	SpanCount  int      `json:"span_count"`
}

// TraceWithSpans pairs a trace with all of its spans for export dumps.
type TraceWithSpans struct {
	Trace trace.Trace  `json:"trace"`
	Spans []trace.Span `json:"spans"`
}

// UpsertTrace inserts or replaces a trace row.
func (s *Store) UpsertTrace(ctx context.Context, t *trace.Trace) error {
	if t == nil {
		return nil
	}
	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode trace %q metadata: %w", t.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO traces (
    trace_id, workflow_name, group_id, started_at, ended_at,
    status, metadata_json, total_tokens, total_cost
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID,
			t.WorkflowName,
			nullString(t.GroupID),
			toUnixSeconds(t.StartedAt),
			nullTime(t.EndedAt),
			string(t.Status),
			metadata,
			t.TotalTokens,
			t.TotalCost,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert trace %q: %w", t.ID, err)
	}
	return nil
}

// CompleteTrace closes a trace row, snapshotting its final status and
// token/cost totals. Totals are frozen after this update.
func (s *Store) CompleteTrace(ctx context.Context, id string, endedAt time.Time, status trace.Status, totalTokens int, totalCost float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
UPDATE traces SET ended_at = ?, status = ?, total_tokens = ?, total_cost = ?
WHERE trace_id = ?`,
			toUnixSeconds(endedAt), string(status), totalTokens, totalCost, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete trace %q: %w", id, err)
	}
	return nil
}

// GetTrace returns the trace with the given id, or ErrNotFound.
func (s *Store) GetTrace(ctx context.Context, id string) (*trace.Trace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT trace_id, workflow_name, group_id, started_at, ended_at,
       status, metadata_json, total_tokens, total_cost
FROM traces WHERE trace_id = ?`, id)

	item, err := scanTrace(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

// ListTraces returns one page of traces matching the filter, newest first,
// along with the total number of matching rows. The total is invariant to
// the page/size choice.
func (s *Store) ListTraces(ctx context.Context, filter ListFilter) ([]TraceListItem, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	whereSQL, args := buildListWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces t "+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}

	query := `
SELECT t.trace_id, t.workflow_name, t.group_id, t.started_at, t.ended_at,
       t.status, t.metadata_json, t.total_tokens, t.total_cost,
       COUNT(s.span_id) AS span_count
FROM traces t
LEFT JOIN spans s ON s.trace_id = t.trace_id
` + whereSQL + `
GROUP BY t.trace_id
ORDER BY t.started_at DESC
LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	items := make([]TraceListItem, 0, pageSize)
	for rows.Next() {
		var (
			item      TraceListItem
			spanCount int
		)
		t, err := scanTraceColumns(rows, &spanCount)
		if err != nil {
			return nil, 0, fmt.Errorf("scan trace row: %w", err)
		}
		item.Trace = *t
		item.SpanCount = spanCount
		if ms, ok := t.DurationMS(); ok {
			item.DurationMS = &ms
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate trace rows: %w", err)
	}

	return items, total, nil
}

// DeleteAll removes every trace (cascading its spans) and returns the
// number of traces removed. Spans are never deleted individually.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var count int
	err := retryBusy(ctx, func() error {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces").Scan(&count); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, "DELETE FROM traces")
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete all traces: %w", err)
	}
	return count, nil
}

// DumpAll returns every trace with its spans, traces newest first and
// spans in ascending start order. When ids is non-empty the dump is
// restricted to those trace ids.
func (s *Store) DumpAll(ctx context.Context, ids []string) ([]TraceWithSpans, error) {
	query := `
SELECT trace_id, workflow_name, group_id, started_at, ended_at,
       status, metadata_json, total_tokens, total_cost
FROM traces`
	args := make([]any, 0, len(ids))
	if len(ids) > 0 {
		query += " WHERE trace_id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dump traces: %w", err)
	}
	defer rows.Close()

	dump := make([]TraceWithSpans, 0)
	for rows.Next() {
		t, err := scanTraceColumns(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		dump = append(dump, TraceWithSpans{Trace: *t})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	for i := range dump {
		spans, err := s.SpansForTrace(ctx, dump[i].Trace.ID)
		if err != nil {
			return nil, err
		}
		dump[i].Spans = spans
	}
	return dump, nil
}

func buildListWhere(filter ListFilter) (string, []any) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if filter.Status != "" {
		where = append(where, "t.status = ?")
		args = append(args, filter.Status)
	}
	if filter.WorkflowName != "" {
		where = append(where, "t.workflow_name LIKE ?")
		args = append(args, "%"+filter.WorkflowName+"%")
	}
	if len(where) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(scanner rowScanner) (*trace.Trace, error) {
	return scanTraceColumns(scanner, nil)
}

// scanTraceColumns scans the nine trace columns plus an optional trailing
// span_count column when spanCount is non-nil.
func scanTraceColumns(scanner rowScanner, spanCount *int) (*trace.Trace, error) {
	var (
		item     trace.Trace
		groupID  sql.NullString
		started  float64
		ended    sql.NullFloat64
		status   string
		metadata string
	)

	dest := []any{
		&item.ID, &item.WorkflowName, &groupID, &started, &ended,
		&status, &metadata, &item.TotalTokens, &item.TotalCost,
	}
	if spanCount != nil {
		dest = append(dest, spanCount)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	if groupID.Valid {
		item.GroupID = groupID.String
	}
	item.StartedAt = fromUnixSeconds(started)
	if ended.Valid {
		endedAt := fromUnixSeconds(ended.Float64)
		item.EndedAt = &endedAt
	}
	item.Status = trace.Status(status)
	if strings.TrimSpace(metadata) != "" {
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode trace %q metadata: %w", item.ID, err)
		}
	}
	return &item, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return toUnixSeconds(*value)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
