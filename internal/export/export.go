// Package export serializes the trace corpus to a nested JSON document
// or flat CSV tables, for archival and offline analysis.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/traceboard/traceboard/internal/store"
	"github.com/traceboard/traceboard/internal/trace"
)

// DocumentVersion identifies the nested export format.
const DocumentVersion = "1.0"

// Document is the nested export shape: traces newest first, each with
// its spans in ascending start order.
type Document struct {
	Version    string                 `json:"version"`
	ExportedAt time.Time              `json:"exported_at"`
	TraceCount int                    `json:"trace_count"`
	Traces     []store.TraceWithSpans `json:"traces"`
}

// BuildDocument assembles the export document from s, optionally
// restricted to the given trace ids.
func BuildDocument(ctx context.Context, s *store.Store, ids []string) (*Document, error) {
	dump, err := s.DumpAll(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("dump store: %w", err)
	}
	return &Document{
		Version:    DocumentVersion,
		ExportedAt: time.Now().UTC(),
		TraceCount: len(dump),
		Traces:     dump,
	}, nil
}

// WriteJSON writes the document as indented JSON.
func WriteJSON(w io.Writer, doc *Document) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode export document: %w", err)
	}
	return nil
}

var traceColumns = []string{
	"trace_id", "workflow_name", "group_id", "started_at", "ended_at",
	"status", "total_tokens", "total_cost", "duration_s",
}

var spanColumns = []string{
	"span_id", "trace_id", "parent_id", "span_type", "name",
	"started_at", "ended_at", "cost", "duration_s",
	"model", "input_tokens", "output_tokens", "error",
}

// WriteCSV writes one row per trace in the fixed trace column order.
// When includeSpans is set, a span table in its own fixed column order
// follows after a blank line.
func WriteCSV(w io.Writer, doc *Document, includeSpans bool) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(traceColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, entry := range doc.Traces {
		if err := writer.Write(traceRow(entry.Trace)); err != nil {
			return fmt.Errorf("write trace row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	if !includeSpans {
		return nil
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("separate csv tables: %w", err)
	}
	writer = csv.NewWriter(w)
	if err := writer.Write(spanColumns); err != nil {
		return fmt.Errorf("write span csv header: %w", err)
	}
	for _, entry := range doc.Traces {
		for _, span := range entry.Spans {
			if err := writer.Write(spanRow(span)); err != nil {
				return fmt.Errorf("write span row: %w", err)
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush span csv: %w", err)
	}
	return nil
}

func traceRow(t trace.Trace) []string {
	var ended, duration string
	if t.EndedAt != nil {
		ended = t.EndedAt.UTC().Format(time.RFC3339)
	}
	if ms, ok := t.DurationMS(); ok {
		duration = formatFloat(ms / 1000)
	}
	return []string{
		t.ID,
		t.WorkflowName,
		t.GroupID,
		t.StartedAt.UTC().Format(time.RFC3339),
		ended,
		string(t.Status),
		strconv.Itoa(t.TotalTokens),
		formatFloat(t.TotalCost),
		duration,
	}
}

func spanRow(s trace.Span) []string {
	var ended, duration string
	if s.EndedAt != nil {
		ended = s.EndedAt.UTC().Format(time.RFC3339)
	}
	if ms, ok := s.DurationMS(); ok {
		duration = formatFloat(ms / 1000)
	}
	var model, inputTokens, outputTokens string
	if gen := s.Payload.Generation; gen != nil {
		model = gen.Model
		inputTokens = strconv.Itoa(gen.InputTokens)
		outputTokens = strconv.Itoa(gen.OutputTokens)
	}
	var errText string
	if s.Error != nil {
		errText = s.Error.Message
		if s.Error.Kind != "" {
			errText = s.Error.Kind + ": " + s.Error.Message
		}
	}
	return []string{
		s.ID,
		s.TraceID,
		s.ParentID,
		string(s.Type),
		s.Name,
		s.StartedAt.UTC().Format(time.RFC3339),
		ended,
		formatFloat(s.Cost),
		duration,
		model,
		inputTokens,
		outputTokens,
		errText,
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// JSONToFile exports the store at dbPath to outPath as the nested JSON
// document. A missing store file surfaces store.ErrStoreNotFound,
// distinct from an existing store with zero traces.
func JSONToFile(ctx context.Context, dbPath, outPath string, ids []string) error {
	return toFile(ctx, dbPath, outPath, ids, func(w io.Writer, doc *Document) error {
		return WriteJSON(w, doc)
	})
}

// CSVToFile exports the store at dbPath to outPath as CSV tables.
func CSVToFile(ctx context.Context, dbPath, outPath string, ids []string, includeSpans bool) error {
	return toFile(ctx, dbPath, outPath, ids, func(w io.Writer, doc *Document) error {
		return WriteCSV(w, doc, includeSpans)
	})
}

func toFile(ctx context.Context, dbPath, outPath string, ids []string, write func(io.Writer, *Document) error) error {
	s, err := store.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	doc, err := BuildDocument(ctx, s, ids)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create export file %q: %w", outPath, err)
	}
	if err := write(out, doc); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close export file %q: %w", outPath, err)
	}
	return nil
}
