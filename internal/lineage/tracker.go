// Package lineage registers runs, records their step outcomes and walks the
// parent pointers that connect re-executions to the run they recover.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/state"
	"github.com/animus-labs/reexec/internal/platform/lineageevent"
	"github.com/animus-labs/reexec/internal/repo"
)

const (
	maxIDAttempts = 3
	defaultActor  = "reexec"
)

var ErrStepNotPlanned = errors.New("step is not planned for this run")

// EventSink receives lineage facts. It is optional.
type EventSink interface {
	Append(ctx context.Context, event lineageevent.Event) error
}

type Tracker struct {
	runs   repo.RunRepository
	events EventSink
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

func NewTracker(runs repo.RunRepository, events EventSink, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		runs:   runs,
		events: events,
		logger: logger,
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Registration describes a run about to be dispatched.
type Registration struct {
	PipelineName string
	GraphHash    string
	ParentRunID  string
	Mode         domain.ReexecutionMode
	Selection    string
	PlannedSteps []string
	Tags         map[string]string
	Actor        string
	RequestID    string
}

// GetRun returns the run record, or *domain.UnknownRunError.
func (t *Tracker) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	run, err := t.runs.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.RunRecord{}, &domain.UnknownRunError{RunID: runID}
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// SnapshotStatuses returns the read-only per-step view of a run.
func (t *Tracker) SnapshotStatuses(ctx context.Context, runID string) (domain.RunSnapshot, error) {
	run, err := t.GetRun(ctx, runID)
	if err != nil {
		return domain.RunSnapshot{}, err
	}
	return run.Snapshot(), nil
}

// RegisterRun allocates a fresh run id and persists the run before dispatch.
// The parent record is read but never written.
func (t *Tracker) RegisterRun(ctx context.Context, reg Registration) (string, error) {
	if strings.TrimSpace(reg.PipelineName) == "" {
		return "", errors.New("pipeline name is required")
	}
	if len(reg.PlannedSteps) == 0 {
		return "", errors.New("planned steps are required")
	}
	if reg.Mode == "" {
		reg.Mode = domain.ModeAll
	}

	record := domain.RunRecord{
		PipelineName: reg.PipelineName,
		GraphHash:    reg.GraphHash,
		ParentRunID:  strings.TrimSpace(reg.ParentRunID),
		Mode:         reg.Mode,
		Selection:    reg.Selection,
		PlannedSteps: append([]string(nil), reg.PlannedSteps...),
		Tags:         cloneTags(reg.Tags),
		State:        domain.RunStateCreated,
		CreatedAt:    t.now(),
	}

	if record.ParentRunID != "" {
		parent, err := t.GetRun(ctx, record.ParentRunID)
		if err != nil {
			return "", err
		}
		record.RootRunID = parent.RootRunID
		if record.RootRunID == "" {
			record.RootRunID = parent.ID
		}
		record.Inherited = inheritedOutputs(parent, record)
	}

	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		record.ID = t.newID()
		if record.ParentRunID == "" {
			record.RootRunID = record.ID
		}
		err = t.runs.CreateRun(ctx, record)
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
		t.logger.Warn("run id collision, retrying", "run_id", record.ID)
	}
	if err != nil {
		return "", fmt.Errorf("register run: %w", err)
	}

	t.logger.Info("run registered",
		"run_id", record.ID,
		"parent_run_id", record.ParentRunID,
		"root_run_id", record.RootRunID,
		"mode", record.Mode,
		"steps", len(record.PlannedSteps),
	)
	if record.ParentRunID != "" {
		t.emitReexecution(ctx, record, reg)
	}
	return record.ID, nil
}

// inheritedOutputs maps every step the parent completed and the new run does
// not re-plan to the run physically holding its outputs.
func inheritedOutputs(parent domain.RunRecord, child domain.RunRecord) map[string]string {
	snap := parent.Snapshot()
	inherited := make(map[string]string)
	for step, status := range snap.Statuses {
		if status != domain.StepSucceeded || child.IsPlanned(step) {
			continue
		}
		inherited[step] = snap.ArtifactRun(step)
	}
	if len(inherited) == 0 {
		return nil
	}
	return inherited
}

func (t *Tracker) emitReexecution(ctx context.Context, record domain.RunRecord, reg Registration) {
	if t.events == nil {
		return
	}
	actor := strings.TrimSpace(reg.Actor)
	if actor == "" {
		actor = defaultActor
	}
	err := t.events.Append(ctx, lineageevent.Event{
		OccurredAt: record.CreatedAt,
		Actor:      actor,
		RequestID:  reg.RequestID,
		Subject:    lineageevent.RunNode(record.ID),
		Predicate:  lineageevent.PredicateReexecutionOf,
		Object:     lineageevent.RunNode(record.ParentRunID),
		Metadata: map[string]any{
			"mode":        string(record.Mode),
			"selection":   record.Selection,
			"root_run_id": record.RootRunID,
			"graph_hash":  record.GraphHash,
		},
	})
	if err != nil {
		t.logger.Error("lineage event write failed", "run_id", record.ID, "parent_run_id", record.ParentRunID, "error", err)
	}
}

// MarkRunning moves a created run to running. It is a no-op for a running run.
func (t *Tracker) MarkRunning(ctx context.Context, runID string) error {
	run, err := t.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != domain.RunStateCreated {
		if run.State.IsTerminal() {
			return fmt.Errorf("run %q: %w", runID, repo.ErrImmutable)
		}
		return nil
	}
	if err := t.runs.UpdateRunState(ctx, runID, domain.RunStateRunning, nil); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// RecordStepResult appends the outcome of one planned step. Each step can be
// recorded once; sealed runs reject writes with repo.ErrImmutable.
func (t *Tracker) RecordStepResult(ctx context.Context, runID, step string, status domain.StepStatus, outputs []string) error {
	run, err := t.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.IsPlanned(step) {
		return fmt.Errorf("%w: %q in run %q", ErrStepNotPlanned, step, runID)
	}
	if _, ok := domain.ParseStepStatus(string(status)); !ok {
		return fmt.Errorf("invalid step status %q", status)
	}
	if run.State.IsTerminal() {
		return fmt.Errorf("run %q is sealed: %w", runID, repo.ErrImmutable)
	}
	if run.State == domain.RunStateCreated {
		if err := t.runs.UpdateRunState(ctx, runID, domain.RunStateRunning, nil); err != nil && !errors.Is(err, repo.ErrImmutable) {
			return fmt.Errorf("mark running: %w", err)
		}
	}

	err = t.runs.AppendStepResult(ctx, runID, domain.StepResult{
		StepName:   step,
		Status:     status,
		Outputs:    append([]string(nil), outputs...),
		RecordedAt: t.now(),
	})
	if err != nil {
		if errors.Is(err, repo.ErrImmutable) {
			return fmt.Errorf("step %q of run %q: %w", step, runID, err)
		}
		return fmt.Errorf("record step result: %w", err)
	}
	t.logger.Debug("step result recorded", "run_id", runID, "step", step, "status", status)
	return nil
}

// FinishRun seals a run. Planned steps with no recorded outcome become
// NOT_EXECUTED and the run state is derived from the step outcomes. Finishing
// a sealed run returns it unchanged.
func (t *Tracker) FinishRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	run, err := t.GetRun(ctx, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if run.State.IsTerminal() {
		return run, nil
	}

	for _, step := range run.PlannedSteps {
		if _, ok := run.StepStatus(step); ok {
			continue
		}
		err := t.runs.AppendStepResult(ctx, runID, domain.StepResult{
			StepName:   step,
			Status:     domain.StepNotExecuted,
			RecordedAt: t.now(),
		})
		if err != nil && !errors.Is(err, repo.ErrImmutable) {
			return domain.RunRecord{}, fmt.Errorf("record not executed %q: %w", step, err)
		}
	}

	run, err = t.GetRun(ctx, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	final := state.DeriveRunState(run.PlannedSteps, run.Steps)
	finishedAt := t.now()
	if err := t.runs.UpdateRunState(ctx, runID, final, &finishedAt); err != nil {
		if !errors.Is(err, repo.ErrImmutable) {
			return domain.RunRecord{}, fmt.Errorf("seal run: %w", err)
		}
	}
	t.logger.Info("run finished", "run_id", runID, "state", final)
	return t.GetRun(ctx, runID)
}

// Chain returns the run followed by each ancestor up to its root, newest first.
func (t *Tracker) Chain(ctx context.Context, runID string) ([]domain.RunRecord, error) {
	var chain []domain.RunRecord
	seen := make(map[string]struct{})
	for current := runID; current != ""; {
		if _, loop := seen[current]; loop {
			return nil, fmt.Errorf("lineage of %q loops at %q", runID, current)
		}
		seen[current] = struct{}{}
		run, err := t.GetRun(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, run)
		current = run.ParentRunID
	}
	return chain, nil
}

func (t *Tracker) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	runs, err := t.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[strings.TrimSpace(k)] = v
	}
	return out
}
