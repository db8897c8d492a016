package dryrun

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/animus-labs/reexec/internal/artifacts"
	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/executor"
	"github.com/animus-labs/reexec/internal/execution/graph/graphtest"
	"github.com/animus-labs/reexec/internal/execution/plan"
)

type reported struct {
	step    string
	status  domain.StepStatus
	outputs []string
}

type fakeReporter struct {
	results  []reported
	finished []string
	err      error
}

func (r *fakeReporter) RecordStepResult(_ context.Context, _ string, step string, status domain.StepStatus, outputs []string) error {
	if r.err != nil {
		return r.err
	}
	r.results = append(r.results, reported{step: step, status: status, outputs: outputs})
	return nil
}

func (r *fakeReporter) FinishRun(_ context.Context, runID string) (domain.RunRecord, error) {
	r.finished = append(r.finished, runID)
	return domain.RunRecord{ID: runID, State: domain.RunStateSucceeded}, nil
}

func (r *fakeReporter) status(step string) domain.StepStatus {
	for _, res := range r.results {
		if res.step == step {
			return res.status
		}
	}
	return ""
}

func newExecutor(reporter executor.Reporter, store artifacts.Store, cfg Config) *Executor {
	exec := New(reporter, store, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	exec.now = func() time.Time { return time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC) }
	return exec
}

func linearDispatch(t *testing.T, runID string) executor.Dispatch {
	t.Helper()
	g := graphtest.Linear(t)
	p, err := plan.BuildPlan(g)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	p.RunID = runID
	d, err := executor.NewDispatch(g, p)
	if err != nil {
		t.Fatalf("new dispatch: %v", err)
	}
	return d
}

func TestDispatchWritesOutputs(t *testing.T) {
	store := artifacts.NewMemoryStore()
	reporter := &fakeReporter{}
	exec := newExecutor(reporter, store, Config{})

	if err := exec.Dispatch(context.Background(), linearDispatch(t, "run-1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, step := range []string{"A", "B", "C"} {
		if reporter.status(step) != domain.StepSucceeded {
			t.Fatalf("%s status = %q", step, reporter.status(step))
		}
	}
	if len(reporter.finished) != 1 || reporter.finished[0] != "run-1" {
		t.Fatalf("run not finished: %v", reporter.finished)
	}

	body, err := artifacts.ReadAll(context.Background(), store, artifacts.Key{RunID: "run-1", StepName: "C", OutputName: "out"})
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var payload outputPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if payload.Step != "C" || payload.Inputs["B"] == "" || !payload.DryRun {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDispatchSkipsDownstreamOfFailure(t *testing.T) {
	reporter := &fakeReporter{}
	exec := newExecutor(reporter, artifacts.NewMemoryStore(), Config{FailSteps: []string{"B"}})

	if err := exec.Dispatch(context.Background(), linearDispatch(t, "run-1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := map[string]domain.StepStatus{"A": domain.StepSucceeded, "B": domain.StepFailed, "C": domain.StepSkipped}
	for step, status := range want {
		if reporter.status(step) != status {
			t.Fatalf("%s status = %q, want %q", step, reporter.status(step), status)
		}
	}
}

func TestDispatchReadsParentArtifacts(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	g := graphtest.Linear(t)
	parent := domain.RunSnapshot{
		RunID:        "run-2",
		RootRunID:    "run-1",
		Statuses:     map[string]domain.StepStatus{"A": domain.StepSucceeded, "B": domain.StepFailed},
		ArtifactRuns: map[string]string{"A": "run-1"},
	}
	p, err := plan.BuildReexecutionPlan(g, parent, plan.Request{Mode: domain.ModeFromFailure})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	p.RunID = "run-3"
	d, err := executor.NewDispatch(g, p)
	if err != nil {
		t.Fatalf("new dispatch: %v", err)
	}

	reporter := &fakeReporter{}
	exec := newExecutor(reporter, store, Config{})
	if err := exec.Dispatch(ctx, d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reporter.status("B") != domain.StepFailed {
		t.Fatalf("B should fail without the inherited artifact, got %q", reporter.status("B"))
	}

	if _, err := store.Put(ctx, artifacts.Key{RunID: "run-1", StepName: "A", OutputName: "out"}, []byte("a"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	reporter = &fakeReporter{}
	exec = newExecutor(reporter, store, Config{})
	if err := exec.Dispatch(ctx, d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reporter.status("B") != domain.StepSucceeded || reporter.status("C") != domain.StepSucceeded {
		t.Fatalf("unexpected results: %+v", reporter.results)
	}
}

func TestDispatchDeterministicFailures(t *testing.T) {
	cfg := Config{FailureRate: 0.5}
	first := &fakeReporter{}
	second := &fakeReporter{}
	if err := newExecutor(first, artifacts.NewMemoryStore(), cfg).Dispatch(context.Background(), linearDispatch(t, "run-x")); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := newExecutor(second, artifacts.NewMemoryStore(), cfg).Dispatch(context.Background(), linearDispatch(t, "run-x")); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	for i := range first.results {
		if first.results[i].status != second.results[i].status {
			t.Fatalf("expected deterministic outcome for %s", first.results[i].step)
		}
	}
}

func TestDispatchInjectedDecider(t *testing.T) {
	reporter := &fakeReporter{}
	exec := newExecutor(reporter, artifacts.NewMemoryStore(), Config{FailureRate: 0.5})
	exec.decide = func(_, _, step string) float64 {
		if step == "A" {
			return 0.1
		}
		return 0.9
	}
	if err := exec.Dispatch(context.Background(), linearDispatch(t, "run-1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if reporter.status("A") != domain.StepFailed || reporter.status("B") != domain.StepSkipped {
		t.Fatalf("unexpected results: %+v", reporter.results)
	}
}

func TestDispatchReporterError(t *testing.T) {
	boom := errors.New("history unavailable")
	exec := newExecutor(&fakeReporter{err: boom}, artifacts.NewMemoryStore(), Config{})
	if err := exec.Dispatch(context.Background(), linearDispatch(t, "run-1")); !errors.Is(err, boom) {
		t.Fatalf("expected reporter error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{FailureRate: 1}).Validate(); err == nil {
		t.Fatalf("expected error for rate 1")
	}
	t.Setenv("REEXEC_DRYRUN_FAILURE_RATE", "0.25")
	t.Setenv("REEXEC_DRYRUN_FAIL_STEPS", "B, C ,")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config from env: %v", err)
	}
	if cfg.FailureRate != 0.25 || len(cfg.FailSteps) != 2 || cfg.FailSteps[1] != "C" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
