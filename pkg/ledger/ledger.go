// Package ledger keeps an append-only SQLite record of every stage run, so a
// benchmark result can be traced back to the runs that produced it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry outcomes
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS stage_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	backend     TEXT,
	mode        TEXT,
	fingerprint TEXT,
	cases       INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT,
	started_at  TEXT NOT NULL,
	duration_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run ON stage_runs(run_id);
`

// Entry is one recorded stage run
type Entry struct {
	RunID       string
	Stage       string
	Backend     string
	Mode        string
	Fingerprint string
	Cases       int
	Failed      int
	Status      string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// Recorder accepts stage run entries
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Entry) error { return nil }
func (nopRecorder) Close() error                        { return nil }

// Nop returns a Recorder that drops every entry
func Nop() Recorder { return nopRecorder{} }

// Ledger is the SQLite-backed Recorder
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger database at path
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	var v int
	err := l.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := l.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case v != schemaVersion:
		return fmt.Errorf("unknown ledger schema version %d", v)
	}
	return nil
}

// Record appends e
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO stage_runs
		(run_id, stage, backend, mode, fingerprint, cases, failed, status, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Stage, e.Backend, e.Mode, e.Fingerprint, e.Cases, e.Failed, e.Status, e.Error,
		e.StartedAt.UTC().Format(time.RFC3339Nano), int64(e.Duration))
	if err != nil {
		return fmt.Errorf("record stage run: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT run_id, stage, backend, mode, fingerprint, cases, failed,
		status, error, started_at, duration_ns FROM stage_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var backend, mode, fp, errMsg sql.NullString
		var started string
		var dur int64
		if err := rows.Scan(&e.RunID, &e.Stage, &backend, &mode, &fp, &e.Cases, &e.Failed,
			&e.Status, &errMsg, &started, &dur); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.Backend, e.Mode, e.Fingerprint, e.Error = backend.String, mode.String, fp.String, errMsg.String
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		e.Duration = time.Duration(dur)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database
func (l *Ledger) Close() error {
	return l.db.Close()
}
