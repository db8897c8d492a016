package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id TEXT PRIMARY KEY,
		pipeline_name TEXT NOT NULL,
		graph_hash TEXT NOT NULL,
		parent_run_id TEXT NULL REFERENCES pipeline_runs (run_id),
		root_run_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		selection TEXT NOT NULL DEFAULT '',
		planned_steps JSONB NOT NULL,
		inherited JSONB NOT NULL DEFAULT '{}'::jsonb,
		tags JSONB NOT NULL DEFAULT '{}'::jsonb,
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pipeline_runs_root_idx ON pipeline_runs (root_run_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS pipeline_runs_parent_idx ON pipeline_runs (parent_run_id)`,
	`CREATE TABLE IF NOT EXISTS run_step_statuses (
		seq BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES pipeline_runs (run_id),
		step_name TEXT NOT NULL,
		status TEXT NOT NULL,
		outputs JSONB NOT NULL DEFAULT '[]'::jsonb,
		recorded_at TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, step_name)
	)`,
	`CREATE TABLE IF NOT EXISTS lineage_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		request_id TEXT NULL,
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object_type TEXT NOT NULL,
		object_id TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		request_id TEXT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_subject_idx ON audit_events (subject, occurred_at)`,
}

// Migrate creates the run history, lineage and audit tables if they are missing.
func Migrate(ctx context.Context, db Execer) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
