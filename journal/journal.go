// Package journal keeps a SQLite record of every applied batch and its
// per-statement outcomes, so rejected statements can be found and repaired
// after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/docgraph/executor"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusOK      = "ok"      // every statement applied or skipped
	StatusPartial = "partial" // some statements rejected
	StatusAborted = "aborted" // a fatal store error stopped the batch
	StatusFailed  = "failed"  // nothing reached the store
)

// Run is one recorded batch.
type Run struct {
	ID          string           `json:"id"`
	Source      string           `json:"source"`
	Mode        string           `json:"mode"`
	Model       string           `json:"model,omitempty"`
	ContentHash string           `json:"content_hash,omitempty"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	Summary     executor.Summary `json:"summary"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// Journal wraps the SQLite database.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at dbPath and applies migrations.
func Open(dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging journal: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	j := &Journal{db: db}
	if err := j.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// StatusFor derives a run status from its outcomes and the error the
// batch returned, if any.
func StatusFor(outcomes []executor.Outcome, err error) string {
	s := executor.Summarize(outcomes)
	switch {
	case errors.Is(err, executor.ErrBatchAborted) || s.Aborted > 0:
		return StatusAborted
	case err != nil:
		return StatusFailed
	case s.SyntaxRejected+s.StoreRejected > 0:
		return StatusPartial
	default:
		return StatusOK
	}
}

// Record stores run together with its outcomes in one transaction. An
// empty run ID is replaced by a new UUID, and the summary is recomputed
// from outcomes. The stored run is returned.
func (j *Journal) Record(ctx context.Context, run Run, outcomes []executor.Outcome) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Summary = executor.Summarize(outcomes)
	if run.Status == "" {
		run.Status = StatusFor(outcomes, nil)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return run, fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback()

	s := run.Summary
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, source, mode, model, content_hash, status, error,
			applied, syntax_rejected, store_rejected, skipped_empty, aborted,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Source, run.Mode, run.Model, run.ContentHash, run.Status, run.Error,
		s.Applied, s.SyntaxRejected, s.StoreRejected, s.SkippedEmpty, s.Aborted,
		run.StartedAt.UTC(), run.FinishedAt.UTC()); err != nil {
		return run, fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO outcomes (run_id, idx, statement, status, message) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return run, fmt.Errorf("preparing outcome insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx, run.ID, o.Index, o.Statement, string(o.Status), o.Message); err != nil {
			return run, fmt.Errorf("inserting outcome %d: %w", o.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return run, fmt.Errorf("committing run: %w", err)
	}
	return run, nil
}

const runColumns = `id, source, mode, COALESCE(model, ''), COALESCE(content_hash, ''), status, COALESCE(error, ''),
	applied, syntax_rejected, store_rejected, skipped_empty, aborted, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Source, &r.Mode, &r.Model, &r.ContentHash, &r.Status, &r.Error,
		&r.Summary.Applied, &r.Summary.SyntaxRejected, &r.Summary.StoreRejected,
		&r.Summary.SkippedEmpty, &r.Summary.Aborted, &r.StartedAt, &r.FinishedAt)
	return r, err
}

// Runs returns the most recent runs, newest first. limit <= 0 means 20.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one run by ID.
func (j *Journal) Run(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(j.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindByHash returns the newest successful run whose source had the given
// content hash, or ErrNotFound.
func (j *Journal) FindByHash(ctx context.Context, hash string) (*Run, error) {
	r, err := scanRun(j.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE content_hash = ? AND status = ? ORDER BY started_at DESC LIMIT 1",
		hash, StatusOK))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Outcomes returns every outcome of a run in submission order.
func (j *Journal) Outcomes(ctx context.Context, runID string) ([]executor.Outcome, error) {
	return j.outcomes(ctx, runID, false)
}

// Rejected returns the outcomes of a run that were not applied: syntax
// and store rejections plus aborted statements. An empty runID selects
// the newest run.
func (j *Journal) Rejected(ctx context.Context, runID string) ([]executor.Outcome, error) {
	if runID == "" {
		runs, err := j.Runs(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, ErrNotFound
		}
		runID = runs[0].ID
	}
	return j.outcomes(ctx, runID, true)
}

func (j *Journal) outcomes(ctx context.Context, runID string, rejectedOnly bool) ([]executor.Outcome, error) {
	if _, err := j.Run(ctx, runID); err != nil {
		return nil, err
	}

	q := "SELECT idx, statement, status, COALESCE(message, '') FROM outcomes WHERE run_id = ?"
	args := []any{runID}
	if rejectedOnly {
		q += " AND status IN (?, ?, ?)"
		args = append(args, string(executor.StatusSyntaxRejected), string(executor.StatusStoreRejected), string(executor.StatusAborted))
	}
	q += " ORDER BY idx"

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []executor.Outcome
	for rows.Next() {
		var o executor.Outcome
		var status string
		if err := rows.Scan(&o.Index, &o.Statement, &status, &o.Message); err != nil {
			return nil, err
		}
		o.Status = executor.Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}
