// Package postgres provides the Postgres-backed run history.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobstream/internal/journal"
	"github.com/JakeFAU/jobstream/internal/progress"
)

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// HistoryStore implements journal.Repository on the job_runs table.
type HistoryStore struct {
	pool pool
}

var _ journal.Repository = (*HistoryStore)(nil)

// NewHistoryStore connects to Postgres.
func NewHistoryStore(ctx context.Context, dsn string) (*HistoryStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("journal.history_dsn is required")
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &HistoryStore{pool: p}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool) *HistoryStore {
	return &HistoryStore{pool: p}
}

// Close closes the underlying connection pool.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *HistoryStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping history database: %w", err)
	}
	return nil
}

// EnsureSchema creates job_runs when it is missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS job_runs (
			job_id      TEXT PRIMARY KEY,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			status      TEXT NOT NULL,
			last_phase  TEXT NOT NULL DEFAULT '',
			last_update TIMESTAMPTZ NOT NULL,
			note        TEXT
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create job_runs: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a run or marks a resumed run running again.
func (s *HistoryStore) UpsertRunStart(ctx context.Context, jobID string, startedAt time.Time) error {
	query := `
		INSERT INTO job_runs (job_id, started_at, status, last_update)
		VALUES ($1, $2, $3, $2)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status, finished_at = NULL, last_update = EXCLUDED.last_update;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, startedAt, journal.StatusRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// UpdateRunPhase records the latest phase. Older updates never overwrite newer ones.
func (s *HistoryStore) UpdateRunPhase(ctx context.Context, jobID string, phase progress.Phase, at time.Time) error {
	query := `
		UPDATE job_runs
		SET last_phase = $1, last_update = $2
		WHERE job_id = $3 AND last_update <= $2;
	`
	if _, err := s.pool.Exec(ctx, query, string(phase), at, jobID); err != nil {
		return fmt.Errorf("failed to update run phase: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with its outcome and optional note.
func (s *HistoryStore) CompleteRun(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	outcome string,
	note *string,
) error {
	query := `
		UPDATE job_runs
		SET finished_at = $1, status = $2, note = $3, last_update = $1
		WHERE job_id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, outcome, note, jobID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run.
func (s *HistoryStore) GetRun(ctx context.Context, jobID string) (journal.Run, error) {
	query := `
		SELECT job_id, started_at, finished_at, status, last_phase, note
		FROM job_runs
		WHERE job_id = $1;
	`
	var run journal.Run
	var phase string
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.JobID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&phase,
		&run.Note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return journal.Run{}, journal.ErrNotFound
		}
		return journal.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	run.LastPhase = progress.Phase(phase)
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *HistoryStore) ListRuns(ctx context.Context, status *string, limit, offset int) ([]journal.Run, error) {
	query := `
		SELECT job_id, started_at, finished_at, status, last_phase, note
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []journal.Run
	for rows.Next() {
		var run journal.Run
		var phase string
		if err := rows.Scan(
			&run.JobID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&phase,
			&run.Note,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		run.LastPhase = progress.Phase(phase)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}
