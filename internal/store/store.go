// Package store implements the embedded relational storage engine: two
// tables (traces, spans) in one SQLite file, WAL journaling so readers and
// writers never block each other, and foreign-key cascade delete from a
// trace to its spans.
//
// The same on-disk file is opened with two personalities: Open returns the
// blocking writer handle used by recorder producers, OpenReadOnly returns
// the non-blocking handle used by the serving API and the exporter, so a
// long-running instrumented process and a separately launched dashboard
// can share one store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned by point lookups when no row matches.
	ErrNotFound = errors.New("store: record not found")
	// ErrStoreNotFound is returned when the backing file does not exist,
	// distinct from a store that exists but contains zero rows.
	ErrStoreNotFound = errors.New("store: database file not found")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS traces (
    trace_id       TEXT PRIMARY KEY,
    workflow_name  TEXT NOT NULL DEFAULT '',
    group_id       TEXT,
    started_at     REAL NOT NULL,
    ended_at       REAL,
    status         TEXT NOT NULL DEFAULT 'running',
    metadata_json  TEXT NOT NULL DEFAULT '{}',
    total_tokens   INTEGER NOT NULL DEFAULT 0,
    total_cost     REAL NOT NULL DEFAULT 0.0
);

CREATE TABLE IF NOT EXISTS spans (
    span_id        TEXT PRIMARY KEY,
    trace_id       TEXT NOT NULL REFERENCES traces(trace_id) ON DELETE CASCADE,
    parent_id      TEXT,
    span_type      TEXT NOT NULL DEFAULT 'custom',
    name           TEXT NOT NULL DEFAULT '',
    started_at     REAL NOT NULL,
    ended_at       REAL,
    span_data_json TEXT NOT NULL DEFAULT '{}',
    error_json     TEXT,
    cost           REAL NOT NULL DEFAULT 0.0
);

CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_parent_id ON spans(parent_id);
CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces(started_at);
CREATE INDEX IF NOT EXISTS idx_traces_status ON traces(status);
`

// Store is a handle on the trace database. Writer handles serialize all
// mutations behind a mutex; read-only handles allow concurrent queries.
type Store struct {
	path     string
	db       *sql.DB
	readOnly bool

	// SQLite allows a single writer at a time; serializing writes here
	// avoids SQLITE_BUSY churn when producers record concurrently.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the store at path in writer mode.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", writerDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	// One writer connection keeps commits strictly ordered.
	db.SetMaxOpenConns(1)

	s := &Store{path: path, db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing store at path for queries only. The
// handle never blocks writers and is never blocked by them (WAL).
func OpenReadOnly(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
		}
		return nil, fmt.Errorf("stat store %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", readOnlyDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open read-only store %q: %w", path, err)
	}
	return &Store{path: path, db: db, readOnly: true}, nil
}

func writerDSN(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
}

func readOnlyDSN(path string) string {
	return "file:" + path +
		"?mode=ro" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
}

// Path returns the on-disk location of the store file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("ensure store schema: %w", err)
	}
	return nil
}

const (
	busyMaxRetries     = 12
	busyInitialBackoff = 5 * time.Millisecond
	busyMaxBackoff     = 250 * time.Millisecond
)

// retryBusy retries transient lock contention so recorder events are not
// dropped while a reader checkpoint briefly holds the file.
func retryBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusyError(err) || retries >= busyMaxRetries {
			return err
		}

		wait := busyInitialBackoff << retries
		if wait > busyMaxBackoff {
			wait = busyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked")
}

// Timestamps persist as REAL unix seconds, which keeps the file readable
// by any SQLite tooling at the cost of sub-microsecond precision.

func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*1e9)).UTC()
}
