// Package memory is an in-process RunRepository for tests and single-node use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/repo"
)

type RunStore struct {
	mu   sync.Mutex
	runs map[string]domain.RunRecord
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]domain.RunRecord)}
}

func (s *RunStore) CreateRun(_ context.Context, run domain.RunRecord) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return repo.ErrConflict
	}
	if run.ParentRunID != "" {
		if _, ok := s.runs[run.ParentRunID]; !ok {
			return fmt.Errorf("parent run %q: %w", run.ParentRunID, repo.ErrNotFound)
		}
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *RunStore) GetRun(_ context.Context, id string) (domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.RunRecord{}, repo.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *RunStore) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	s.mu.Lock()
	out := make([]domain.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.PipelineName != "" && run.PipelineName != filter.PipelineName {
			continue
		}
		if filter.ParentRunID != "" && run.ParentRunID != filter.ParentRunID {
			continue
		}
		if filter.RootRunID != "" && run.RootRunID != filter.RootRunID {
			continue
		}
		out = append(out, run.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RunStore) AppendStepResult(_ context.Context, runID string, result domain.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if result.RecordedAt.IsZero() {
		result.RecordedAt = time.Now().UTC()
	}
	next := current.Clone()
	next.Steps = append(next.Steps, result)
	if err := domain.EnsureRunRecordAppendOnly(current, next); err != nil {
		return fmt.Errorf("%w: %v", repo.ErrImmutable, err)
	}
	s.runs[runID] = next
	return nil
}

func (s *RunStore) UpdateRunState(_ context.Context, runID string, state domain.RunState, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if current.State.IsTerminal() {
		return fmt.Errorf("%w: run %q is sealed", repo.ErrImmutable, runID)
	}
	next := current.Clone()
	next.State = state
	if finishedAt != nil {
		finished := finishedAt.UTC()
		next.FinishedAt = &finished
	}
	if err := domain.EnsureRunRecordAppendOnly(current, next); err != nil {
		return fmt.Errorf("%w: %v", repo.ErrImmutable, err)
	}
	s.runs[runID] = next
	return nil
}
