// Package history indexes finished runs in a SQLite database so later runs
// can be compared against earlier evaluations of the same pipeline.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"matrixci/internal/state"
)

// FileName is the database file inside the state directory.
const FileName = "history.db"

const defaultDirPerms = 0o755

// Entry is one indexed run.
type Entry struct {
	RunID        string
	PipelineHash string
	Event        string
	Ref          string
	TraceHash    string
	Status       state.RunStatus
	Simulated    bool
	StartedAt    time.Time
	LegsTotal    int
	LegsFailed   int
}

// EntryFromRun converts a stored run record.
func EntryFromRun(r state.Run) Entry {
	return Entry{
		RunID:        r.RunID,
		PipelineHash: r.PipelineHash,
		Event:        r.Event,
		Ref:          r.Ref,
		TraceHash:    r.TraceHash,
		Status:       r.Status,
		Simulated:    r.Simulated,
		StartedAt:    r.StartTime,
		LegsTotal:    r.LegsTotal,
		LegsFailed:   r.LegsFailed,
	}
}

// DB is the run index.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history pragma %q: %w", pragma, err)
		}
	}

	h := &DB{db: db, path: path}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run history migrations: %w", err)
	}
	return h, nil
}

// OpenInStateDir opens <stateDir>/history.db.
func OpenInStateDir(stateDir string) (*DB, error) {
	return Open(filepath.Join(stateDir, FileName))
}

func (h *DB) Close() error { return h.db.Close() }

func (h *DB) Path() string { return h.path }

func (h *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			pipeline_hash TEXT NOT NULL,
			event TEXT NOT NULL,
			ref TEXT NOT NULL DEFAULT '',
			trace_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			simulated INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			legs_total INTEGER NOT NULL,
			legs_failed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_event ON runs(pipeline_hash, event, started_at)`,
	}
	for _, m := range migrations {
		if _, err := h.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record inserts e, replacing an earlier entry with the same run ID.
func (h *DB) Record(ctx context.Context, e Entry) error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	query := `INSERT OR REPLACE INTO runs
		(run_id, pipeline_hash, event, ref, trace_hash, status, simulated, started_at, legs_total, legs_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.db.ExecContext(ctx, query,
		e.RunID,
		e.PipelineHash,
		e.Event,
		e.Ref,
		e.TraceHash,
		string(e.Status),
		e.Simulated,
		e.StartedAt.UnixNano(),
		e.LegsTotal,
		e.LegsFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", e.RunID, err)
	}
	return nil
}

const selectColumns = `SELECT run_id, pipeline_hash, event, ref, trace_hash, status, simulated, started_at, legs_total, legs_failed FROM runs`

// Recent returns up to limit entries, newest first. A limit <= 0 returns all.
func (h *DB) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := selectColumns + ` ORDER BY started_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Previous returns the newest finished run of the same pipeline and event,
// other than excludeRunID. ok is false when there is none.
func (h *DB) Previous(ctx context.Context, pipelineHash, event, excludeRunID string) (e Entry, ok bool, err error) {
	query := selectColumns + ` WHERE pipeline_hash = ? AND event = ? AND run_id <> ? AND trace_hash <> ''
		ORDER BY started_at DESC, run_id DESC LIMIT 1`
	e, err = scanEntry(h.db.QueryRowContext(ctx, query, pipelineHash, event, excludeRunID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e       Entry
		status  string
		started int64
	)
	err := s.Scan(&e.RunID, &e.PipelineHash, &e.Event, &e.Ref, &e.TraceHash, &status, &e.Simulated, &started, &e.LegsTotal, &e.LegsFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to scan run: %w", err)
	}
	e.Status = state.RunStatus(status)
	e.StartedAt = time.Unix(0, started).UTC()
	return e, nil
}
