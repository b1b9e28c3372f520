package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"oprlmbatch/internal/report"
	"time"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS oprlm_runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	total       INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	dry_run     BOOLEAN NOT NULL DEFAULT FALSE
)`, `
CREATE TABLE IF NOT EXISTS oprlm_run_jobs (
	run_id         TEXT NOT NULL REFERENCES oprlm_runs (run_id) ON DELETE CASCADE,
	position       INTEGER NOT NULL,
	job_id         TEXT NOT NULL,
	file           TEXT,
	state          TEXT NOT NULL,
	attempts       INTEGER NOT NULL,
	error_detail   TEXT,
	error_message  TEXT,
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ,
	artifact_paths JSONB NOT NULL,
	PRIMARY KEY (run_id, position)
)`}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RunStore writes run summaries.
type RunStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunStore wraps an open database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, logger: slog.With("component", "runstore")}
}

// EnsureSchema creates the tables if missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", describe(err))
		}
	}
	return nil
}

// SaveRun stores the summary and its jobs in one transaction. Saving the
// same run again replaces it.
func (s *RunStore) SaveRun(ctx context.Context, summary report.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", describe(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveRun(ctx, tx, summary); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", describe(err))
	}
	s.logger.Info("Run saved", "runId", summary.RunID, "jobs", len(summary.Jobs))
	return nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

func saveRun(ctx context.Context, ex execer, summary report.Summary) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO oprlm_runs (run_id, started_at, finished_at, total, succeeded, failed, skipped, dry_run)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			total = EXCLUDED.total,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			dry_run = EXCLUDED.dry_run`,
		summary.RunID,
		summary.StartedAt.UTC(),
		summary.FinishedAt.UTC(),
		summary.Total,
		summary.Succeeded,
		summary.Failed,
		summary.Skipped,
		summary.DryRun,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", describe(err))
	}

	if _, err := ex.ExecContext(ctx, `DELETE FROM oprlm_run_jobs WHERE run_id = $1`, summary.RunID); err != nil {
		return fmt.Errorf("clear jobs: %w", describe(err))
	}

	for i, r := range summary.Jobs {
		paths, err := json.Marshal(nonNil(r.ArtifactPaths))
		if err != nil {
			return fmt.Errorf("marshal artifact paths: %w", err)
		}
		_, err = ex.ExecContext(ctx,
			`INSERT INTO oprlm_run_jobs (
				run_id, position, job_id, file, state, attempts,
				error_detail, error_message, started_at, finished_at, artifact_paths
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			summary.RunID,
			i,
			r.JobID,
			nullString(r.File),
			string(r.State),
			r.Attempts,
			nullString(string(r.ErrorDetail)),
			nullString(r.ErrorMessage),
			nullTime(r.StartedAt),
			nullTime(r.FinishedAt),
			paths,
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", r.JobID, describe(err))
		}
	}
	return nil
}

func nonNil(paths []string) []string {
	if paths == nil {
		return []string{}
	}
	return paths
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
