// Package history keeps a SQLite ledger of every pipeline run so failures
// can be inspected after the host runner has exited.
package history

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

	"shotmatch/internal/files"
	"shotmatch/internal/matcher"
	"shotmatch/internal/paths"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store is closed")

// Status classifies a recorded run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
)

// Entry is one recorded run. BaselineDigest is the BLAKE2b-256 of the
// baseline after the run, empty when the run did not complete.
type Entry struct {
	ID             int64
	RunID          string
	Name           string
	Target         paths.Target
	Status         Status
	Verdict        string
	Action         string
	Stage          string
	Error          string
	Threshold      float64
	ThresholdType  string
	DiffPath       string
	BaselineDigest string
	StartedAt      time.Time
	Duration       time.Duration
}

// Query filters List. Zero fields match everything.
type Query struct {
	Domain   string
	Viewport string
	Page     string
	Status   Status
	Since    time.Time
	// Limit caps the number of entries; 0 means DefaultLimit.
	Limit int
}

// DefaultLimit is the number of entries List returns when Query.Limit is 0.
const DefaultLimit = 50

// Store persists results. It implements matcher.Recorder.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	closed bool
	logger *zap.Logger
}

var _ matcher.Recorder = (*Store)(nil)

// Open opens (creating if needed) the ledger at path. Use ":memory:" for a
// throwaway store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// Batches record from several goroutines; a single connection keeps
	// SQLite writers serialized and ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure history schema: %w", err)
	}
	logger.Debug("History store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		name TEXT,
		domain TEXT NOT NULL,
		viewport TEXT NOT NULL,
		page TEXT NOT NULL,
		status TEXT NOT NULL,
		verdict TEXT,
		action TEXT,
		stage TEXT NOT NULL,
		error TEXT,
		threshold REAL NOT NULL,
		threshold_type TEXT,
		diff_path TEXT,
		baseline_digest TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(domain, viewport, page);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// StatusOf classifies a result.
func StatusOf(r matcher.Result) Status {
	switch {
	case r.Err != nil:
		return StatusErrored
	case r.Passed():
		return StatusPassed
	default:
		return StatusFailed
	}
}

// Record appends r to the ledger.
func (s *Store) Record(ctx context.Context, r matcher.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var verdict, errText string
	if r.Verdict.Valid() {
		verdict = r.Verdict.String()
	}
	if r.Err != nil {
		errText = r.Err.Error()
	}
	var digest string
	if r.Err == nil && r.Stage == matcher.StageDone && r.Layout.Baseline != "" {
		d, err := files.Digest(r.Layout.Baseline)
		if err != nil {
			s.logger.Debug("Baseline digest unavailable", zap.String("baseline", r.Layout.Baseline), zap.Error(err))
		}
		digest = d
	}
	t := r.Request.Target

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, name, domain, viewport, page, status, verdict, action, stage,
		 error, threshold, threshold_type, diff_path, baseline_digest,
		 started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Request.Name, t.Domain, t.Viewport, t.Page,
		string(StatusOf(r)), verdict, string(r.Outcome.Action), string(r.Stage),
		errText, r.Request.Options.Threshold, r.Request.Options.ThresholdType,
		r.Outcome.DiffPath, digest, r.StartedAt.UnixNano(), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", t, err)
	}
	return nil
}

// List returns entries matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if q.Domain != "" {
		add("domain = ?", q.Domain)
	}
	if q.Viewport != "" {
		add("viewport = ?", q.Viewport)
	}
	if q.Page != "" {
		add("page = ?", q.Page)
	}
	if q.Status != "" {
		add("status = ?", string(q.Status))
	}
	if !q.Since.IsZero() {
		add("started_at >= ?", q.Since.UnixNano())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, run_id, name, domain, viewport, page, status, verdict,
		action, stage, error, threshold, threshold_type, diff_path,
		baseline_digest, started_at, duration_ms FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			status     string
			started    int64
			durationMs int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Name, &e.Target.Domain, &e.Target.Viewport,
			&e.Target.Page, &status, &e.Verdict, &e.Action, &e.Stage, &e.Error,
			&e.Threshold, &e.ThresholdType, &e.DiffPath, &e.BaselineDigest, &started, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Status = Status(status)
		e.StartedAt = time.Unix(0, started)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries started before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("Pruned history", zap.Int64("removed", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Close releases the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
