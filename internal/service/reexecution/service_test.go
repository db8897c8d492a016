package reexecution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/animus-labs/reexec/internal/artifacts"
	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/executor"
	"github.com/animus-labs/reexec/internal/execution/executor/dryrun"
	"github.com/animus-labs/reexec/internal/execution/graph/graphtest"
	"github.com/animus-labs/reexec/internal/lineage"
	"github.com/animus-labs/reexec/internal/pipelines"
	"github.com/animus-labs/reexec/internal/platform/auditlog"
	"github.com/animus-labs/reexec/internal/repo"
	"github.com/animus-labs/reexec/internal/repo/memory"
)

type fakeAuditAppender struct {
	mu     sync.Mutex
	events []auditlog.Event
}

func (f *fakeAuditAppender) Append(_ context.Context, event auditlog.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAuditAppender) last() auditlog.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

// switchEngine lets a test change engine behaviour between runs.
type switchEngine struct {
	current executor.Engine
}

func (e *switchEngine) Dispatch(ctx context.Context, d executor.Dispatch) error {
	return e.current.Dispatch(ctx, d)
}

type failingEngine struct{ err error }

func (e failingEngine) Dispatch(context.Context, executor.Dispatch) error { return e.err }

// reportOnlyEngine marks every step succeeded without writing artifacts.
type reportOnlyEngine struct {
	reporter executor.Reporter
}

func (e reportOnlyEngine) Dispatch(ctx context.Context, d executor.Dispatch) error {
	for _, step := range d.Steps {
		if err := e.reporter.RecordStepResult(ctx, d.RunID, step, domain.StepSucceeded, d.Outputs[step]); err != nil {
			return err
		}
	}
	_, err := e.reporter.FinishRun(ctx, d.RunID)
	return err
}

type fixture struct {
	service *Service
	tracker *lineage.Tracker
	store   *artifacts.MemoryStore
	engine  *switchEngine
	audit   *fakeAuditAppender
	logger  *slog.Logger
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := pipelines.NewRegistry()
	if _, err := registry.Register(graphtest.Spec("linear", "A->B", "B->C")); err != nil {
		t.Fatalf("register pipeline: %v", err)
	}
	tracker := lineage.NewTracker(memory.NewRunStore(), nil, logger)
	store := artifacts.NewMemoryStore()
	f := &fixture{
		tracker: tracker,
		store:   store,
		audit:   &fakeAuditAppender{},
		logger:  logger,
	}
	f.engine = &switchEngine{current: f.dryRun()}

	svc, err := New(Deps{
		Graphs:    registry,
		Tracker:   tracker,
		Engine:    f.engine,
		Artifacts: store,
		Audit:     f.audit,
		Logger:    logger,
	}, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.service = svc
	return f
}

func (f *fixture) dryRun(failSteps ...string) executor.Engine {
	return dryrun.New(f.tracker, f.store, f.logger, dryrun.Config{FailSteps: failSteps})
}

// failedRoot launches linear with B failing: A succeeded, B failed, C skipped.
func (f *fixture) failedRoot(t *testing.T) string {
	t.Helper()
	f.engine.current = f.dryRun("B")
	defer func() { f.engine.current = f.dryRun() }()
	res, err := f.service.Launch(context.Background(), LaunchRequest{PipelineName: "linear", Tags: map[string]string{"team": "data"}})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.RunState != domain.RunStateFailed {
		t.Fatalf("root state = %s", res.RunState)
	}
	return res.RunID
}

func (f *fixture) runCount(t *testing.T) int {
	t.Helper()
	runs, err := f.tracker.ListRuns(context.Background(), repo.RunFilter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return len(runs)
}

func TestFromFailureRecoversLinearPipeline(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	root := f.failedRoot(t)

	res, err := f.service.Reexecute(ctx, Request{ParentRunID: root, Mode: "from_failure", Actor: "alice", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("reexecute: %v", err)
	}
	if res.State != StateDispatched || res.RunState != domain.RunStateSucceeded {
		t.Fatalf("unexpected result: state=%s run=%s", res.State, res.RunState)
	}
	if got := res.Plan.Steps; len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("steps = %v", got)
	}
	src := res.Plan.InputSources["B"]
	if len(src) != 1 || src[0].Origin != domain.OriginParentRun || src[0].RunID != root || src[0].ArtifactRunID != root {
		t.Fatalf("B sources = %+v", src)
	}
	if src := res.Plan.InputSources["C"]; len(src) != 1 || src[0].Origin != domain.OriginThisRun {
		t.Fatalf("C sources = %+v", src)
	}

	run, err := f.tracker.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ParentRunID != root || run.RootRunID != root || run.Inherited["A"] != root {
		t.Fatalf("unexpected lineage: %+v", run)
	}
	if run.Tags[TagParentRunID] != root || run.Tags[TagRootRunID] != root || run.Tags["team"] != "data" {
		t.Fatalf("unexpected tags: %v", run.Tags)
	}

	event := f.audit.last()
	if event.Action != "reexecution.dispatched" || event.Subject != res.RunID || event.Actor != "alice" || event.RequestID != "req-1" {
		t.Fatalf("unexpected audit event: %+v", event)
	}

	again, err := f.service.Reexecute(ctx, Request{ParentRunID: res.RunID, Mode: "FROM_FAILURE"})
	var noFailure *domain.NoFailureToRecoverError
	if !errors.As(err, &noFailure) {
		t.Fatalf("expected NoFailureToRecoverError, got %v", err)
	}
	if again.State != StateRejected {
		t.Fatalf("state = %s", again.State)
	}
	if event := f.audit.last(); event.Action != "reexecution.rejected" {
		t.Fatalf("expected rejection audit, got %+v", event)
	}
}

func TestReexecuteChainInheritsFromRoot(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	root := f.failedRoot(t)

	f.engine.current = f.dryRun("C")
	first, err := f.service.Reexecute(ctx, Request{ParentRunID: root, Mode: "FROM_FAILURE"})
	if err != nil {
		t.Fatalf("first reexecute: %v", err)
	}
	if first.RunState != domain.RunStateFailed {
		t.Fatalf("first state = %s", first.RunState)
	}

	f.engine.current = f.dryRun()
	second, err := f.service.Reexecute(ctx, Request{ParentRunID: first.RunID, Mode: "FROM_FAILURE"})
	if err != nil {
		t.Fatalf("second reexecute: %v", err)
	}
	if got := second.Plan.Steps; len(got) != 1 || got[0] != "C" {
		t.Fatalf("steps = %v", got)
	}
	src := second.Plan.InputSources["C"][0]
	if src.RunID != first.RunID || src.ArtifactRunID != first.RunID {
		t.Fatalf("C should read B from the first recovery, got %+v", src)
	}
	run, err := f.tracker.GetRun(ctx, second.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Inherited["A"] != root || run.Inherited["B"] != first.RunID || run.RootRunID != root {
		t.Fatalf("unexpected inheritance: %+v", run.Inherited)
	}
	if second.RunState != domain.RunStateSucceeded {
		t.Fatalf("second state = %s", second.RunState)
	}
}

func TestReexecuteRejections(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.failedRoot(t)

	tests := []struct {
		name string
		req  Request
		code string
		is   error
	}{
		{name: "exact with failed upstream", req: Request{ParentRunID: root, Mode: "EXACT", Selection: "C"}, code: "missing_upstream_artifact"},
		{name: "malformed selection", req: Request{ParentRunID: root, Mode: "EXACT", Selection: "+++"}, code: "malformed_selection"},
		{name: "unknown step", req: Request{ParentRunID: root, Mode: "FROM_SELECTED", Selection: "Z"}, code: "unknown_step"},
		{name: "missing selection", req: Request{ParentRunID: root, Mode: "EXACT"}, code: "empty_selection"},
		{name: "unknown parent", req: Request{ParentRunID: "nope", Mode: "ALL"}, code: "unknown_run"},
		{name: "bad mode", req: Request{ParentRunID: root, Mode: "SOME"}, is: ErrInvalidRequest},
		{name: "no parent", req: Request{Mode: "ALL"}, is: ErrInvalidRequest},
	}

	before := f.runCount(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.service.Reexecute(context.Background(), tc.req)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.code != "" && domain.ErrorCode(err) != tc.code {
				t.Fatalf("code = %q, want %q (%v)", domain.ErrorCode(err), tc.code, err)
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Fatalf("expected %v, got %v", tc.is, err)
			}
			if res.State != StateRejected || res.RunID != "" {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}
	if after := f.runCount(t); after != before {
		t.Fatalf("rejected requests registered runs: %d -> %d", before, after)
	}
}

func TestReexecuteSelectionExtendsDownstream(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.failedRoot(t)

	res, err := f.service.Reexecute(context.Background(), Request{ParentRunID: root, Mode: "EXACT", Selection: "B+"})
	if err != nil {
		t.Fatalf("reexecute: %v", err)
	}
	if got := res.Plan.Steps; len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("steps = %v", got)
	}
	if res.Plan.Selection != "B+" {
		t.Fatalf("selection = %q", res.Plan.Selection)
	}
}

func TestSelectionIgnoredForAll(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.failedRoot(t)

	p, err := f.service.Preview(context.Background(), Request{ParentRunID: root, Mode: "ALL", Selection: "B"})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(p.Steps) != 3 || p.Selection != "" {
		t.Fatalf("unexpected plan: %+v", p)
	}
}

func TestPreviewRegistersNothing(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.failedRoot(t)
	before := f.runCount(t)
	events := len(f.audit.events)

	p, err := f.service.Preview(context.Background(), Request{ParentRunID: root, Mode: "FROM_FAILURE"})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if p.RunID != "" || p.ParentRunID != root {
		t.Fatalf("unexpected plan ids: %+v", p)
	}
	if f.runCount(t) != before || len(f.audit.events) != events {
		t.Fatalf("preview must not register or audit")
	}
}

func TestReexecuteUnfinishedParent(t *testing.T) {
	f := newFixture(t, Config{})
	id, err := f.tracker.RegisterRun(context.Background(), lineage.Registration{
		PipelineName: "linear",
		PlannedSteps: []string{"A", "B", "C"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = f.service.Reexecute(context.Background(), Request{ParentRunID: id, Mode: "ALL"})
	var notFinished *domain.RunNotFinishedError
	if !errors.As(err, &notFinished) {
		t.Fatalf("expected RunNotFinishedError, got %v", err)
	}
}

func TestDispatchFailureSealsRun(t *testing.T) {
	f := newFixture(t, Config{})
	root := f.failedRoot(t)
	f.engine.current = failingEngine{err: errors.New("engine unreachable")}

	res, err := f.service.Reexecute(context.Background(), Request{ParentRunID: root, Mode: "FROM_FAILURE"})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if res.State != StateRejected || res.RunID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	run, err := f.tracker.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != domain.RunStateFailed {
		t.Fatalf("state = %s", run.State)
	}
	for _, step := range run.PlannedSteps {
		if status, _ := run.StepStatus(step); status != domain.StepNotExecuted {
			t.Fatalf("%s = %q", step, status)
		}
	}
}

func TestVerifyArtifactsRejectsMissingOutputs(t *testing.T) {
	f := newFixture(t, Config{VerifyArtifacts: true})
	f.engine.current = reportOnlyEngine{reporter: f.tracker}
	launched, err := f.service.Launch(context.Background(), LaunchRequest{PipelineName: "linear"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	f.engine.current = f.dryRun()

	_, err = f.service.Reexecute(context.Background(), Request{ParentRunID: launched.RunID, Mode: "EXACT", Selection: "C"})
	var unavailable *domain.ArtifactUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ArtifactUnavailableError, got %v", err)
	}
	if unavailable.Source != "B" || unavailable.RunID != launched.RunID {
		t.Fatalf("unexpected error: %+v", unavailable)
	}
}

func TestLaunchUnknownPipeline(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.service.Launch(context.Background(), LaunchRequest{PipelineName: "missing"})
	if !errors.Is(err, pipelines.ErrNotFound) {
		t.Fatalf("expected pipelines.ErrNotFound, got %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("state = %s", res.State)
	}
	if event := f.audit.last(); event.Action != auditlog.ActionRejected || event.Subject != "missing" {
		t.Fatalf("unexpected audit event: %+v", event)
	}
}

func TestLaunchIsAuditedAsLaunch(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.service.Launch(context.Background(), LaunchRequest{PipelineName: "linear", Actor: "bob"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	event := f.audit.last()
	if event.Action != auditlog.ActionLaunched || event.Subject != res.RunID || event.Actor != "bob" {
		t.Fatalf("unexpected audit event: %+v", event)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RequestState
		want     bool
	}{
		{StateReceived, StateValidating, true},
		{StateValidating, StatePlanned, true},
		{StatePlanned, StateDispatched, true},
		{StateReceived, StateRejected, true},
		{StatePlanned, StateRejected, true},
		{StateReceived, StateDispatched, false},
		{StateDispatched, StateRejected, false},
		{StateRejected, StateValidating, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v", tc.from, tc.to, got)
		}
	}
}
