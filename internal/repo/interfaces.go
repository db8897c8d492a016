package repo

import (
	"context"
	"time"

	"github.com/animus-labs/reexec/internal/domain"
)

type RunFilter struct {
	PipelineName string
	ParentRunID  string
	RootRunID    string
	Limit        int
}

// RunRepository stores run history. Records are append-only: a run is created
// once, step results are appended once per step and state only moves forward.
// Implementations return ErrNotFound, ErrConflict on a duplicate run id, and
// ErrImmutable when a write would change recorded history.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.RunRecord) error
	GetRun(ctx context.Context, id string) (domain.RunRecord, error)
	// ListRuns returns matching runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error)
	AppendStepResult(ctx context.Context, runID string, result domain.StepResult) error
	UpdateRunState(ctx context.Context, runID string, state domain.RunState, finishedAt *time.Time) error
}
