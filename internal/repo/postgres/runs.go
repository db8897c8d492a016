package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `run_id, pipeline_name, graph_hash, parent_run_id, root_run_id, mode, selection,
		planned_steps, inherited, tags, state, created_at, finished_at`

	insertRunQuery = `INSERT INTO pipeline_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (run_id) DO NOTHING`

	selectRunQuery = `SELECT ` + runColumns + `
	 FROM pipeline_runs
	 WHERE run_id = $1`

	listStepStatusesQuery = `SELECT step_name, status, outputs, recorded_at
	 FROM run_step_statuses
	 WHERE run_id = $1
	 ORDER BY seq ASC`

	insertStepStatusQuery = `INSERT INTO run_step_statuses (run_id, step_name, status, outputs, recorded_at)
	SELECT $1::text, $2::text, $3::text, $4::jsonb, $5::timestamptz
	WHERE EXISTS (
		SELECT 1 FROM pipeline_runs WHERE run_id = $1 AND state NOT IN ('succeeded', 'failed')
	)
	ON CONFLICT (run_id, step_name) DO NOTHING`

	updateRunStateQuery = `UPDATE pipeline_runs
	 SET state = $2, finished_at = COALESCE($3, finished_at)
	 WHERE run_id = $1 AND state NOT IN ('succeeded', 'failed')`

	runExistsQuery = `SELECT EXISTS (SELECT 1 FROM pipeline_runs WHERE run_id = $1)`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	planned, err := encodeJSON(run.PlannedSteps, []string{})
	if err != nil {
		return fmt.Errorf("encode planned steps: %w", err)
	}
	inherited, err := encodeJSON(run.Inherited, map[string]string{})
	if err != nil {
		return fmt.Errorf("encode inherited: %w", err)
	}
	tags, err := encodeJSON(run.Tags, map[string]string{})
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PipelineName),
		strings.TrimSpace(run.GraphHash),
		nullIfEmpty(run.ParentRunID),
		strings.TrimSpace(run.RootRunID),
		string(run.Mode),
		strings.TrimSpace(run.Selection),
		planned,
		inherited,
		tags,
		string(run.State),
		normalizeTime(run.CreatedAt),
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.RunRecord{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
	if err != nil {
		return domain.RunRecord{}, handleNotFound(err)
	}
	steps, err := s.listStepStatuses(ctx, id)
	if err != nil {
		return domain.RunRecord{}, err
	}
	run.Steps = steps
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := listRunsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		steps, err := s.listStepStatuses(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Steps = steps
	}
	return runs, nil
}

func listRunsQuery(filter repo.RunFilter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if v := strings.TrimSpace(filter.PipelineName); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("pipeline_name = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.ParentRunID); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("parent_run_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.RootRunID); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("root_run_id = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *RunStore) AppendStepResult(ctx context.Context, runID string, result domain.StepResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	stepName := strings.TrimSpace(result.StepName)
	if runID == "" || stepName == "" {
		return fmt.Errorf("run id and step name are required")
	}
	outputs, err := encodeJSON(result.Outputs, []string{})
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	res, err := s.db.ExecContext(ctx, insertStepStatusQuery,
		runID, stepName, string(result.Status), outputs, normalizeTime(result.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert step status: %w", err)
	}
	return s.requireWritten(ctx, res, runID)
}

func (s *RunStore) UpdateRunState(ctx context.Context, runID string, state domain.RunState, finishedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	var finished sql.NullTime
	if finishedAt != nil {
		finished = sql.NullTime{Time: finishedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, updateRunStateQuery, runID, string(state), finished)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return s.requireWritten(ctx, res, runID)
}

// requireWritten maps a guarded write that touched no rows to ErrNotFound or
// ErrImmutable.
func (s *RunStore) requireWritten(ctx context.Context, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, runExistsQuery, runID).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return repo.ErrNotFound
	}
	return repo.ErrImmutable
}

func (s *RunStore) listStepStatuses(ctx context.Context, runID string) ([]domain.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, listStepStatusesQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.StepResult
	for rows.Next() {
		var result domain.StepResult
		var status string
		var outputs []byte
		if err := rows.Scan(&result.StepName, &status, &outputs, &result.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan step status: %w", err)
		}
		result.Status = domain.StepStatus(status)
		if result.Outputs, err = decodeStrings(outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
		result.RecordedAt = result.RecordedAt.UTC()
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step statuses: %w", err)
	}
	return out, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (domain.RunRecord, error) {
	var run domain.RunRecord
	var parentRunID sql.NullString
	var mode, state string
	var planned, inherited, tags []byte
	var finishedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&run.PipelineName,
		&run.GraphHash,
		&parentRunID,
		&run.RootRunID,
		&mode,
		&run.Selection,
		&planned,
		&inherited,
		&tags,
		&state,
		&run.CreatedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunRecord{}, err
		}
		return domain.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	run.ParentRunID = parentRunID.String
	run.Mode = domain.ReexecutionMode(mode)
	run.State = domain.RunState(state)
	run.CreatedAt = run.CreatedAt.UTC()
	if finishedAt.Valid {
		finished := finishedAt.Time.UTC()
		run.FinishedAt = &finished
	}

	var err error
	if run.PlannedSteps, err = decodeStrings(planned); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode planned steps: %w", err)
	}
	if run.Inherited, err = decodeStringMap(inherited); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode inherited: %w", err)
	}
	if run.Tags, err = decodeStringMap(tags); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode tags: %w", err)
	}
	return run, nil
}
