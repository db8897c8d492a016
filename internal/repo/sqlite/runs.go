// Package sqlite is a RunRepository over a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/repo"
)

const schema = `
	create table if not exists pipeline_runs (
		run_id text primary key,
		pipeline_name text not null,
		graph_hash text not null,
		parent_run_id text references pipeline_runs (run_id),
		root_run_id text not null,
		mode text not null,
		selection text not null default '',
		planned_steps text not null, -- json
		inherited text not null default '{}', -- json
		tags text not null default '{}', -- json
		state text not null,
		created integer not null, -- unix nanos
		finished integer -- unix nanos
	);

	create index if not exists pipeline_runs_root on pipeline_runs (root_run_id, created);

	-- one immutable status per step per run
	create table if not exists run_step_statuses (
		seq integer primary key autoincrement,
		run_id text not null references pipeline_runs (run_id),
		step_name text not null,
		status text not null,
		outputs text not null default '[]', -- json
		recorded integer not null, -- unix nanos

		unique (run_id, step_name)
	);
`

const (
	runColumns = `run_id, pipeline_name, graph_hash, parent_run_id, root_run_id, mode, selection,
		planned_steps, inherited, tags, state, created, finished`

	insertStepStatusQuery = `insert into run_step_statuses (run_id, step_name, status, outputs, recorded)
		select ?, ?, ?, ?, ?
		where exists (select 1 from pipeline_runs where run_id = ? and state not in ('succeeded', 'failed'))
		on conflict (run_id, step_name) do nothing`

	updateRunStateQuery = `update pipeline_runs
		set state = ?, finished = coalesce(?, finished)
		where run_id = ? and state not in ('succeeded', 'failed')`
)

type RunStore struct {
	db *sql.DB
}

// Make applies the schema and returns a store over db.
func Make(ctx context.Context, db *sql.DB) (*RunStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.RunRecord) error {
	if err := run.Validate(); err != nil {
		return err
	}
	planned, err := marshalOr(run.PlannedSteps, "[]")
	if err != nil {
		return fmt.Errorf("encode planned steps: %w", err)
	}
	inherited, err := marshalOr(run.Inherited, "{}")
	if err != nil {
		return fmt.Errorf("encode inherited: %w", err)
	}
	tags, err := marshalOr(run.Tags, "{}")
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`insert into pipeline_runs (`+runColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (run_id) do nothing`,
		run.ID,
		run.PipelineName,
		run.GraphHash,
		nullString(run.ParentRunID),
		run.RootRunID,
		string(run.Mode),
		run.Selection,
		planned,
		inherited,
		tags,
		string(run.State),
		created.UnixNano(),
		nullNanos(run.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("parent run %q: %w", run.ParentRunID, repo.ErrNotFound)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `select `+runColumns+` from pipeline_runs where run_id = ?`, strings.TrimSpace(id))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.RunRecord{}, err
	}
	if run.Steps, err = s.stepStatuses(ctx, run.ID); err != nil {
		return domain.RunRecord{}, err
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	var conditions []string
	var args []any
	if filter.PipelineName != "" {
		conditions = append(conditions, "pipeline_name = ?")
		args = append(args, filter.PipelineName)
	}
	if filter.ParentRunID != "" {
		conditions = append(conditions, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.RootRunID != "" {
		conditions = append(conditions, "root_run_id = ?")
		args = append(args, filter.RootRunID)
	}

	query := `select ` + runColumns + ` from pipeline_runs`
	if len(conditions) > 0 {
		query += " where " + strings.Join(conditions, " and ")
	}
	query += " order by created desc, run_id desc"
	if filter.Limit > 0 {
		query += " limit ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	for i := range runs {
		if runs[i].Steps, err = s.stepStatuses(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *RunStore) AppendStepResult(ctx context.Context, runID string, result domain.StepResult) error {
	outputs, err := marshalOr(result.Outputs, "[]")
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	recorded := result.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, insertStepStatusQuery,
		runID, result.StepName, string(result.Status), outputs, recorded.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("insert step status: %w", err)
	}
	return s.requireWritten(ctx, res, runID)
}

func (s *RunStore) UpdateRunState(ctx context.Context, runID string, state domain.RunState, finishedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, updateRunStateQuery, string(state), nullNanos(finishedAt), runID)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return s.requireWritten(ctx, res, runID)
}

func (s *RunStore) requireWritten(ctx context.Context, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `select count(1) from pipeline_runs where run_id = ?`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if exists == 0 {
		return repo.ErrNotFound
	}
	return repo.ErrImmutable
}

func (s *RunStore) stepStatuses(ctx context.Context, runID string) ([]domain.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`select step_name, status, outputs, recorded from run_step_statuses where run_id = ? order by seq asc`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.StepResult
	for rows.Next() {
		var result domain.StepResult
		var status, outputs string
		var recorded int64
		if err := rows.Scan(&result.StepName, &status, &outputs, &recorded); err != nil {
			return nil, fmt.Errorf("scan step status: %w", err)
		}
		result.Status = domain.StepStatus(status)
		result.RecordedAt = time.Unix(0, recorded).UTC()
		if err := unmarshalInto(outputs, &result.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.RunRecord, error) {
	var run domain.RunRecord
	var parent sql.NullString
	var mode, state, planned, inherited, tags string
	var created int64
	var finished sql.NullInt64
	if err := row.Scan(&run.ID, &run.PipelineName, &run.GraphHash, &parent, &run.RootRunID, &mode, &run.Selection,
		&planned, &inherited, &tags, &state, &created, &finished); err != nil {
		return domain.RunRecord{}, err
	}
	run.ParentRunID = parent.String
	run.Mode = domain.ReexecutionMode(mode)
	run.State = domain.RunState(state)
	run.CreatedAt = time.Unix(0, created).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	if err := unmarshalInto(planned, &run.PlannedSteps); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode planned steps: %w", err)
	}
	if err := unmarshalInto(inherited, &run.Inherited); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode inherited: %w", err)
	}
	if err := unmarshalInto(tags, &run.Tags); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode tags: %w", err)
	}
	if len(run.Inherited) == 0 {
		run.Inherited = nil
	}
	if len(run.Tags) == 0 {
		run.Tags = nil
	}
	return run, nil
}

func marshalOr(value any, empty string) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func unmarshalInto(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
