// Package journal persists one row per pipeline step in sqlite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const createStepsTable = `
CREATE TABLE IF NOT EXISTS steps (
    id            TEXT PRIMARY KEY,
    step          INTEGER NOT NULL,
    pipeline_hash TEXT NOT NULL,
    status        TEXT NOT NULL,
    trace_hash    TEXT,
    failed_stage  TEXT,
    error         TEXT,
    scalars       TEXT,
    started_at    DATETIME NOT NULL,
    finished_at   DATETIME NOT NULL
)`

const createStepsIndex = `
CREATE INDEX IF NOT EXISTS steps_pipeline_step ON steps (pipeline_hash, step)`

// Status values recorded for a step.
const (
	StatusCommitted  = "committed"
	StatusRolledBack = "rolled_back"
)

// ErrNotFound is returned when a step is not in the journal.
var ErrNotFound = errors.New("step not found")

// Entry is the persistent record of one step.
type Entry struct {
	StepID       string             `json:"step_id"`
	Step         int64              `json:"step"`
	PipelineHash string             `json:"pipeline_hash"`
	Status       string             `json:"status"`
	TraceHash    string             `json:"trace_hash,omitempty"`
	FailedStage  string             `json:"failed_stage,omitempty"`
	Error        string             `json:"error,omitempty"`
	Scalars      map[string]float64 `json:"scalars,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// Validate reports every missing or inconsistent field.
func (e Entry) Validate() error {
	var errs []error
	if strings.TrimSpace(e.StepID) == "" {
		errs = append(errs, errors.New("step_id is required"))
	}
	if strings.TrimSpace(e.PipelineHash) == "" {
		errs = append(errs, errors.New("pipeline_hash is required"))
	}
	switch e.Status {
	case StatusCommitted:
	case StatusRolledBack:
		if e.Error == "" {
			errs = append(errs, errors.New("error is required for a rolled back step"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", e.Status))
	}
	if e.StartedAt.IsZero() {
		errs = append(errs, errors.New("started_at is required"))
	}
	if e.FinishedAt.Before(e.StartedAt) {
		errs = append(errs, errors.New("finished_at precedes started_at"))
	}
	return errors.Join(errs...)
}

// Writer is what the pipeline needs from a journal.
type Writer interface {
	RecordStep(ctx context.Context, e Entry) error
}

// Compile-time interface satisfaction check.
var _ Writer = (*SQLiteJournal)(nil)

// SQLiteJournal implements Writer on sqlite.
type SQLiteJournal struct {
	db *sql.DB
}

// Open opens the sqlite database at path and creates the schema.
func Open(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct{ what, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create steps table", createStepsTable},
		{"create steps index", createStepsIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// RecordStep inserts one step row.
func (j *SQLiteJournal) RecordStep(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid journal entry: %w", err)
	}
	scalars, err := json.Marshal(e.Scalars)
	if err != nil {
		return fmt.Errorf("encode scalars: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO steps (
			id, step, pipeline_hash, status, trace_hash, failed_stage,
			error, scalars, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.StepID, e.Step, e.PipelineHash, e.Status, e.TraceHash, e.FailedStage,
		e.Error, string(scalars), e.StartedAt.UTC(), e.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

const selectColumns = `id, step, pipeline_hash, status, trace_hash, failed_stage,
	error, scalars, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                                   Entry
		traceHash, failed, errText, scalars sql.NullString
	)
	if err := row.Scan(&e.StepID, &e.Step, &e.PipelineHash, &e.Status, &traceHash, &failed,
		&errText, &scalars, &e.StartedAt, &e.FinishedAt); err != nil {
		return Entry{}, err
	}
	e.TraceHash, e.FailedStage, e.Error = traceHash.String, failed.String, errText.String
	if scalars.Valid && scalars.String != "" && scalars.String != "null" {
		if err := json.Unmarshal([]byte(scalars.String), &e.Scalars); err != nil {
			return Entry{}, fmt.Errorf("decode scalars: %w", err)
		}
	}
	return e, nil
}

// Step retrieves a step by id.
func (j *SQLiteJournal) Step(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM steps WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get step: %w", err)
	}
	return e, nil
}

// List returns up to limit entries, most recent step first.
func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM steps ORDER BY step DESC, started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}

// LastCommitted returns the highest committed step number recorded for a
// pipeline hash, or ErrNotFound. A restarted driver resumes numbering after it.
func (j *SQLiteJournal) LastCommitted(ctx context.Context, pipelineHash string) (int64, error) {
	var step sql.NullInt64
	err := j.db.QueryRowContext(ctx,
		`SELECT MAX(step) FROM steps WHERE pipeline_hash = ? AND status = ?`,
		pipelineHash, StatusCommitted,
	).Scan(&step)
	if err != nil {
		return 0, fmt.Errorf("last committed step: %w", err)
	}
	if !step.Valid {
		return 0, ErrNotFound
	}
	return step.Int64, nil
}
