package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/traceboard/traceboard/internal/export"
	"github.com/traceboard/traceboard/internal/store"
	"github.com/traceboard/traceboard/internal/trace"
)

func seedDatabase(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "traceboard.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	started := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tr := &trace.Trace{
		ID:           "trace_cli",
		WorkflowName: "CLI Seed",
		StartedAt:    started,
		Status:       trace.StatusRunning,
	}
	if err := s.UpsertTrace(ctx, tr); err != nil {
		t.Fatalf("UpsertTrace() error: %v", err)
	}
	if err := s.CompleteTrace(ctx, tr.ID, started.Add(2*time.Second), trace.StatusCompleted, 70, 0.000325); err != nil {
		t.Fatalf("CompleteTrace() error: %v", err)
	}
	return path
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"bogus"}); code != 2 {
		t.Fatalf("run(bogus)=%d, want 2", code)
	}
}

func TestRunVersion(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("run(version)=%d, want 0", code)
	}
}

func TestCleanDeletesAllTraces(t *testing.T) {
	t.Parallel()

	path := seedDatabase(t)
	var out, errOut bytes.Buffer
	code := runClean([]string{"--db", path, "--yes"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("runClean()=%d, stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Deleted 1 traces") {
		t.Fatalf("output=%q, want deleted count", out.String())
	}

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	defer func() { _ = s.Close() }()
	traces, _, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error: %v", err)
	}
	if traces != 0 {
		t.Fatalf("traces=%d after clean, want 0", traces)
	}
}

func TestCleanPromptAborts(t *testing.T) {
	t.Parallel()

	path := seedDatabase(t)
	var out, errOut bytes.Buffer
	code := runClean([]string{"--db", path}, strings.NewReader("n\n"), &out, &errOut)
	if code != 1 {
		t.Fatalf("runClean()=%d, want 1 on abort", code)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Fatalf("output=%q, want abort notice", out.String())
	}
}

func TestCleanPromptAccepts(t *testing.T) {
	t.Parallel()

	path := seedDatabase(t)
	var out, errOut bytes.Buffer
	code := runClean([]string{"--db", path}, strings.NewReader("y\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("runClean()=%d, stderr=%s", code, errOut.String())
	}
}

func TestCleanMissingDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.db")
	var out, errOut bytes.Buffer
	code := runClean([]string{"--db", path, "--yes"}, strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("runClean()=%d, want 0 for missing database", code)
	}
	if !strings.Contains(out.String(), "No database found") {
		t.Fatalf("output=%q, want missing notice", out.String())
	}
}

func TestExportJSONToStdout(t *testing.T) {
	t.Parallel()

	path := seedDatabase(t)
	var out, errOut bytes.Buffer
	code := runExport([]string{"--db", path}, &out, &errOut)
	if code != 0 {
		t.Fatalf("runExport()=%d, stderr=%s", code, errOut.String())
	}

	var doc export.Document
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if doc.TraceCount != 1 || len(doc.Traces) != 1 {
		t.Fatalf("doc=%+v, want one trace", doc)
	}
	if doc.Traces[0].Trace.ID != "trace_cli" {
		t.Fatalf("trace id=%q, want trace_cli", doc.Traces[0].Trace.ID)
	}
}

func TestExportJSONToFile(t *testing.T) {
	t.Parallel()

	path := seedDatabase(t)
	target := filepath.Join(t.TempDir(), "out.json")
	var out, errOut bytes.Buffer
	code := runExport([]string{"--db", path, "--output", target}, &out, &errOut)
	if code != 0 {
		t.Fatalf("runExport()=%d, stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), target) {
		t.Fatalf("output=%q, want target path", out.String())
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("stat export file: %v", err)
	}
}

func TestExportCSVToFile(t *testing.T) {
	t.Parallel()

	path := seedDatabase(t)
	target := filepath.Join(t.TempDir(), "out.csv")
	var out, errOut bytes.Buffer
	code := runExport([]string{"--db", path, "--output", target, "--format", "csv"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("runExport()=%d, stderr=%s", code, errOut.String())
	}

	body, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read export file: %v", err)
	}
	if !strings.Contains(string(body), "trace_cli") {
		t.Fatalf("csv body missing trace id:\n%s", body)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	path := seedDatabase(t)
	var out, errOut bytes.Buffer
	code := runExport([]string{"--db", path, "--format", "xml"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("runExport()=%d, want 2 for unknown format", code)
	}
	if !strings.Contains(errOut.String(), "format must be json or csv") {
		t.Fatalf("stderr=%q, want format error", errOut.String())
	}
}

func TestExportMissingDatabase(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.db")
	var out, errOut bytes.Buffer
	code := runExport([]string{"--db", path}, &out, &errOut)
	if code != 1 {
		t.Fatalf("runExport()=%d, want 1 for missing database", code)
	}
	if !strings.Contains(errOut.String(), "export failed") {
		t.Fatalf("stderr=%q, want export failure", errOut.String())
	}
}

func TestResolveDBPathPrefersOverride(t *testing.T) {
	t.Parallel()

	path, err := resolveDBPath(filepath.Join(t.TempDir(), "absent.yaml"), "/tmp/override.db")
	if err != nil {
		t.Fatalf("resolveDBPath() error: %v", err)
	}
	if path != "/tmp/override.db" {
		t.Fatalf("path=%q, want override", path)
	}
}

func TestResolveDBPathUsesConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "traceboard.yaml")
	configBody := "storage:\n  path: /data/traces.db\n"
	if err := os.WriteFile(configPath, []byte(configBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	path, err := resolveDBPath(configPath, "")
	if err != nil {
		t.Fatalf("resolveDBPath() error: %v", err)
	}
	if path != "/data/traces.db" {
		t.Fatalf("path=%q, want config value", path)
	}
}

func TestParseServeFlagsOverrides(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	flags, err := parseServeFlags([]string{"--host", "0.0.0.0", "--port", "9000", "--db", "x.db"}, &errOut)
	if err != nil {
		t.Fatalf("parseServeFlags() error: %v", err)
	}
	if flags.host != "0.0.0.0" || flags.port != 9000 || flags.dbPath != "x.db" {
		t.Fatalf("flags=%+v", flags)
	}
}

func TestParseServeFlagsRejectsUnknownFlag(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	if _, err := parseServeFlags([]string{"--bogus"}, &errOut); err == nil {
		t.Fatalf("parseServeFlags() accepted unknown flag")
	}
}
