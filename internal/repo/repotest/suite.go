// Package repotest holds behavior checks shared by every RunRepository.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/repo"
)

// RunRepositorySuite exercises the append-only contract against a fresh store
// returned by newStore for each subtest.
func RunRepositorySuite(t *testing.T, newStore func(t *testing.T) repo.RunRepository) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := Root("run-1")
		if err := store.CreateRun(ctx, root); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ID != "run-1" || got.RootRunID != "run-1" || got.PipelineName != "etl" || got.State != domain.RunStateCreated {
			t.Fatalf("unexpected run %+v", got)
		}
		if len(got.PlannedSteps) != 3 || got.Tags["team"] != "data" {
			t.Fatalf("unexpected planned/tags %+v", got)
		}
		if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.CreateRun(ctx, Root("run-1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.CreateRun(ctx, Root("run-1")); !errors.Is(err, repo.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("concurrent creates of one id admit a single run", func(t *testing.T) {
		store := newStore(t)
		const n = 8
		errs := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.CreateRun(context.Background(), Root("run-1"))
			}()
		}
		wg.Wait()
		close(errs)
		created := 0
		for err := range errs {
			switch {
			case err == nil:
				created++
			case !errors.Is(err, repo.ErrConflict):
				t.Fatalf("expected ErrConflict, got %v", err)
			}
		}
		if created != 1 {
			t.Fatalf("created %d runs with the same id, want 1", created)
		}
	})

	t.Run("step results are append only", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.CreateRun(ctx, Root("run-1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		first := domain.StepResult{StepName: "A", Status: domain.StepSucceeded, Outputs: []string{"out"}, RecordedAt: time.Unix(1700000000, 0).UTC()}
		if err := store.AppendStepResult(ctx, "run-1", first); err != nil {
			t.Fatalf("append: %v", err)
		}
		again := domain.StepResult{StepName: "A", Status: domain.StepFailed, RecordedAt: time.Unix(1700000001, 0).UTC()}
		if err := store.AppendStepResult(ctx, "run-1", again); !errors.Is(err, repo.ErrImmutable) {
			t.Fatalf("expected ErrImmutable, got %v", err)
		}
		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if status, ok := got.StepStatus("A"); !ok || status != domain.StepSucceeded {
			t.Fatalf("status changed: %v %v", status, ok)
		}
		if len(got.Steps[0].Outputs) != 1 || got.Steps[0].Outputs[0] != "out" {
			t.Fatalf("outputs not stored: %+v", got.Steps[0])
		}
		if err := store.AppendStepResult(ctx, "missing", first); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("sealed run rejects writes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.CreateRun(ctx, Root("run-1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		finished := time.Unix(1700000100, 0).UTC()
		if err := store.UpdateRunState(ctx, "run-1", domain.RunStateFailed, &finished); err != nil {
			t.Fatalf("seal: %v", err)
		}
		if err := store.AppendStepResult(ctx, "run-1", domain.StepResult{StepName: "B", Status: domain.StepSucceeded}); !errors.Is(err, repo.ErrImmutable) {
			t.Fatalf("expected ErrImmutable on sealed append, got %v", err)
		}
		if err := store.UpdateRunState(ctx, "run-1", domain.RunStateSucceeded, &finished); !errors.Is(err, repo.ErrImmutable) {
			t.Fatalf("expected ErrImmutable on sealed update, got %v", err)
		}
		got, err := store.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != domain.RunStateFailed || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
			t.Fatalf("unexpected sealed run %+v", got)
		}
	})

	t.Run("list filters newest first", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Unix(1700000000, 0).UTC()

		root := Root("run-1")
		root.CreatedAt = base
		child := Child("run-2", root)
		child.CreatedAt = base.Add(time.Minute)
		grandchild := Child("run-3", child)
		grandchild.CreatedAt = base.Add(2 * time.Minute)
		other := Root("run-9")
		other.PipelineName = "other"
		other.CreatedAt = base.Add(3 * time.Minute)

		for _, run := range []domain.RunRecord{root, child, grandchild, other} {
			if err := store.CreateRun(ctx, run); err != nil {
				t.Fatalf("create %s: %v", run.ID, err)
			}
		}

		byRoot, err := store.ListRuns(ctx, repo.RunFilter{RootRunID: "run-1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if ids(byRoot) != "run-3,run-2,run-1" {
			t.Fatalf("unexpected root listing %s", ids(byRoot))
		}

		byParent, err := store.ListRuns(ctx, repo.RunFilter{ParentRunID: "run-2"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if ids(byParent) != "run-3" {
			t.Fatalf("unexpected parent listing %s", ids(byParent))
		}

		limited, err := store.ListRuns(ctx, repo.RunFilter{PipelineName: "etl", Limit: 1})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if ids(limited) != "run-3" {
			t.Fatalf("unexpected limited listing %s", ids(limited))
		}
		if child, _ := store.GetRun(ctx, "run-2"); child.Inherited["A"] != "run-1" {
			t.Fatalf("inherited not stored: %+v", child.Inherited)
		}
	})
}

// Root returns a parentless created run over steps A, B and C.
func Root(id string) domain.RunRecord {
	return domain.RunRecord{
		ID:           id,
		PipelineName: "etl",
		GraphHash:    "hash-1",
		RootRunID:    id,
		Mode:         domain.ModeAll,
		PlannedSteps: []string{"A", "B", "C"},
		Tags:         map[string]string{"team": "data"},
		State:        domain.RunStateCreated,
		CreatedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

// Child returns a FROM_FAILURE re-execution of parent that reuses step A.
func Child(id string, parent domain.RunRecord) domain.RunRecord {
	return domain.RunRecord{
		ID:           id,
		PipelineName: parent.PipelineName,
		GraphHash:    parent.GraphHash,
		ParentRunID:  parent.ID,
		RootRunID:    parent.RootRunID,
		Mode:         domain.ModeFromFailure,
		PlannedSteps: []string{"B", "C"},
		Inherited:    map[string]string{"A": parent.RootRunID},
		State:        domain.RunStateCreated,
		CreatedAt:    parent.CreatedAt.Add(time.Second),
	}
}

func ids(runs []domain.RunRecord) string {
	out := ""
	for i, run := range runs {
		if i > 0 {
			out += ","
		}
		out += run.ID
	}
	return out
}
