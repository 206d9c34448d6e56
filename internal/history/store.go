// Package history keeps finished session reports in a SQLite database so
// runs can be compared after the process exits.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zsiec/lockstep/internal/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

var (
	// ErrSchemaMismatch indicates the database was written by a different schema version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrNotFound is returned when no run has the requested ID.
	ErrNotFound = errors.New("run not found")
)

// timeLayout is fixed width so started_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Run is the summary row of one stored session.
type Run struct {
	ID               string
	Scenario         string
	StartedAt        time.Time
	Elapsed          time.Duration
	Degraded         bool
	Frames           int64
	Clones           int64
	Compressions     int64
	ContinuityErrors int64
}

// Store persists session reports.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset history)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Save stores a finished session. Saving the same ID twice replaces the
// earlier row.
func (s *Store) Save(ctx context.Context, rep pipeline.Report) error {
	if rep.ID == "" {
		return errors.New("save run: report has no id")
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
			(id, scenario, started_at, elapsed_ms, degraded, frames, clones, compressions, continuity_errors, report_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rep.ID, rep.Scenario, rep.StartedAt.UTC().Format(timeLayout), rep.Elapsed.Milliseconds(),
			boolToInt(rep.Degraded), rep.Frames(), rep.Clones(), rep.Compressions, rep.ContinuityErrors(), string(body))
		return err
	})
}

// List returns the most recent runs first. A non-positive limit returns
// every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, scenario, started_at, elapsed_ms, degraded, frames, clones, compressions, continuity_errors
		FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			started   string
			elapsedMs int64
			degraded  int
		)
		if err := rows.Scan(&r.ID, &r.Scenario, &started, &elapsedMs, &degraded,
			&r.Frames, &r.Clones, &r.Compressions, &r.ContinuityErrors); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", r.ID, err)
		}
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		r.Degraded = degraded != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Get returns the full report of one run.
func (s *Store) Get(ctx context.Context, id string) (pipeline.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT report_json FROM runs WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("get run: %w", err)
	}
	var rep pipeline.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return pipeline.Report{}, fmt.Errorf("decode report %s: %w", id, err)
	}
	return rep, nil
}

// Prune deletes all but the newest keep runs and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE id NOT IN
			(SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?)`, keep)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
