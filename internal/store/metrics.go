package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// Metrics is the aggregated dashboard view over the whole store.
//
// Trace totals come from the frozen per-trace snapshots, so an open trace
// contributes zero tokens and cost until it ends.
type Metrics struct {
	TotalTraces    int64              `json:"total_traces"`
	TotalSpans     int64              `json:"total_spans"`
	TotalTokens    int64              `json:"total_tokens"`
	TotalCost      float64            `json:"total_cost"`
	AvgDurationMS  float64            `json:"avg_duration_ms"`
	ErrorCount     int64              `json:"error_count"`
	TracesByStatus map[string]int64   `json:"traces_by_status"`
	CostByModel    map[string]float64 `json:"cost_by_model"`
}

// Metrics computes the aggregate counters across all traces and spans.
func (s *Store) Metrics(ctx context.Context) (*Metrics, error) {
	metrics := &Metrics{
		TracesByStatus: make(map[string]int64),
		CostByModel:    make(map[string]float64),
	}

	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(total_tokens), 0),
       COALESCE(SUM(total_cost), 0),
       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
FROM traces`)
	var errorCount sql.NullInt64
	if err := row.Scan(&metrics.TotalTraces, &metrics.TotalTokens, &metrics.TotalCost, &errorCount); err != nil {
		return nil, fmt.Errorf("query trace totals: %w", err)
	}
	if errorCount.Valid {
		metrics.ErrorCount = errorCount.Int64
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM spans").Scan(&metrics.TotalSpans); err != nil {
		return nil, fmt.Errorf("query span count: %w", err)
	}

	var avgDuration sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
SELECT AVG((ended_at - started_at) * 1000)
FROM traces WHERE ended_at IS NOT NULL`).Scan(&avgDuration); err != nil {
		return nil, fmt.Errorf("query average duration: %w", err)
	}
	if avgDuration.Valid {
		metrics.AvgDurationMS = math.Round(avgDuration.Float64*100) / 100
	}

	statusRows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM traces GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var (
			status string
			count  int64
		)
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		metrics.TracesByStatus[status] = count
	}
	if err := statusRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	costRows, err := s.db.QueryContext(ctx, `
SELECT COALESCE(json_extract(span_data_json, '$.model'), 'unknown'),
       COALESCE(SUM(cost), 0)
FROM spans
WHERE span_type = 'generation' AND cost > 0
GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("query cost by model: %w", err)
	}
	defer costRows.Close()
	for costRows.Next() {
		var (
			model string
			cost  float64
		)
		if err := costRows.Scan(&model, &cost); err != nil {
			return nil, fmt.Errorf("scan cost by model: %w", err)
		}
		metrics.CostByModel[model] = cost
	}
	if err := costRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cost by model: %w", err)
	}

	return metrics, nil
}

// Counts returns the two scalar counters the live feed samples: total
// trace count and total span count.
func (s *Store) Counts(ctx context.Context) (traces int64, spans int64, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces").Scan(&traces); err != nil {
		return 0, 0, fmt.Errorf("count traces: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM spans").Scan(&spans); err != nil {
		return 0, 0, fmt.Errorf("count spans: %w", err)
	}
	return traces, spans, nil
}
