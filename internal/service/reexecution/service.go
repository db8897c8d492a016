package reexecution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/reexec/internal/artifacts"
	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/executor"
	"github.com/animus-labs/reexec/internal/execution/graph"
	"github.com/animus-labs/reexec/internal/execution/plan"
	"github.com/animus-labs/reexec/internal/execution/selection"
	"github.com/animus-labs/reexec/internal/lineage"
	"github.com/animus-labs/reexec/internal/platform/auditlog"
)

const (
	TagParentRunID   = "reexec/parent_run_id"
	TagRootRunID     = "reexec/root_run_id"
	TagStepSelection = "reexec/step_selection"

	tagPrefix    = "reexec/"
	defaultActor = "reexec"
)

var (
	ErrInvalidRequest = errors.New("invalid re-execution request")
	ErrDispatchFailed = errors.New("run dispatch failed")
)

// Graphs looks up pipeline graphs by name.
type Graphs interface {
	Get(name string) (*graph.Graph, error)
}

// Tracker is the run lineage store the service registers runs with.
type Tracker interface {
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	RegisterRun(ctx context.Context, reg lineage.Registration) (string, error)
	FinishRun(ctx context.Context, runID string) (domain.RunRecord, error)
}

type AuditAppender interface {
	Append(ctx context.Context, event auditlog.Event) error
}

type Config struct {
	// VerifyArtifacts stats every parent input before a run is registered.
	VerifyArtifacts   bool
	VerifyConcurrency int
}

type Deps struct {
	Graphs    Graphs
	Tracker   Tracker
	Engine    executor.Engine
	Artifacts artifacts.Store
	Audit     AuditAppender
	Logger    *slog.Logger
}

type Service struct {
	graphs    Graphs
	tracker   Tracker
	engine    executor.Engine
	artifacts artifacts.Store
	audit     AuditAppender
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Graphs == nil || deps.Tracker == nil || deps.Engine == nil {
		return nil, errors.New("graphs, tracker and engine are required")
	}
	if cfg.VerifyArtifacts && deps.Artifacts == nil {
		return nil, errors.New("artifact verification needs an artifact store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		graphs:    deps.Graphs,
		tracker:   deps.Tracker,
		engine:    deps.Engine,
		artifacts: deps.Artifacts,
		audit:     deps.Audit,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Request asks for a new run derived from a finished parent run.
type Request struct {
	ParentRunID string
	Mode        string
	Selection   string
	Tags        map[string]string
	Actor       string
	RequestID   string
}

// LaunchRequest asks for a fresh run of every step of a pipeline.
type LaunchRequest struct {
	PipelineName string
	Tags         map[string]string
	Actor        string
	RequestID    string
}

type Result struct {
	RunID    string
	State    RequestState
	RunState domain.RunState
	Plan     domain.ReexecutionPlan
}

type prepared struct {
	graph  *graph.Graph
	parent domain.RunRecord
	plan   domain.ReexecutionPlan
}

// Preview plans a re-execution without registering or dispatching anything.
func (s *Service) Preview(ctx context.Context, req Request) (domain.ReexecutionPlan, error) {
	flow := newRequestFlow(s.requestLogger(req))
	p, err := s.prepare(ctx, flow, req)
	if err != nil {
		return domain.ReexecutionPlan{}, err
	}
	return p.plan, nil
}

// Reexecute validates the request, plans the new run, registers it and hands
// it to the engine.
func (s *Service) Reexecute(ctx context.Context, req Request) (Result, error) {
	logger := s.requestLogger(req)
	flow := newRequestFlow(logger)

	p, err := s.prepare(ctx, flow, req)
	if err != nil {
		s.reject(ctx, flow, req.Actor, req.RequestID, req.ParentRunID, err)
		return Result{State: flow.state}, err
	}

	if s.cfg.VerifyArtifacts {
		if err := artifacts.VerifyInputs(ctx, s.artifacts, p.plan, s.cfg.VerifyConcurrency); err != nil {
			s.reject(ctx, flow, req.Actor, req.RequestID, req.ParentRunID, err)
			return Result{State: flow.state}, err
		}
	}

	tags := mergeTags(p.parent.Tags, req.Tags)
	tags[TagParentRunID] = p.plan.ParentRunID
	tags[TagRootRunID] = p.plan.RootRunID
	if p.plan.Selection != "" {
		tags[TagStepSelection] = p.plan.Selection
	}

	return s.registerAndDispatch(ctx, flow, logger, p.graph, p.plan, tags, req.Actor, req.RequestID)
}

// Launch registers and dispatches a fresh root run of every step.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (Result, error) {
	logger := s.logger.With("pipeline", req.PipelineName, "request_id", req.RequestID)
	flow := newRequestFlow(logger)
	if err := flow.advance(StateValidating); err != nil {
		return Result{}, err
	}

	g, err := s.graphs.Get(req.PipelineName)
	if err != nil {
		s.reject(ctx, flow, req.Actor, req.RequestID, req.PipelineName, err)
		return Result{State: flow.state}, err
	}
	p, err := plan.BuildPlan(g)
	if err != nil {
		s.reject(ctx, flow, req.Actor, req.RequestID, req.PipelineName, err)
		return Result{State: flow.state}, err
	}
	if err := flow.advance(StatePlanned); err != nil {
		return Result{}, err
	}
	return s.registerAndDispatch(ctx, flow, logger, g, p, mergeTags(nil, req.Tags), req.Actor, req.RequestID)
}

func (s *Service) prepare(ctx context.Context, flow *requestFlow, req Request) (prepared, error) {
	if err := flow.advance(StateValidating); err != nil {
		return prepared{}, err
	}

	parentID := strings.TrimSpace(req.ParentRunID)
	if parentID == "" {
		return prepared{}, fmt.Errorf("%w: parent run id is required", ErrInvalidRequest)
	}
	mode, err := domain.ParseReexecutionMode(req.Mode)
	if err != nil {
		return prepared{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	parent, err := s.tracker.GetRun(ctx, parentID)
	if err != nil {
		return prepared{}, err
	}
	if !parent.State.IsTerminal() {
		return prepared{}, &domain.RunNotFinishedError{RunID: parent.ID, State: parent.State}
	}

	g, err := s.graphs.Get(parent.PipelineName)
	if err != nil {
		return prepared{}, err
	}
	if parent.GraphHash != "" && parent.GraphHash != g.Hash() {
		flow.logger.Warn("pipeline changed since parent run",
			"pipeline", g.Name(),
			"parent_graph_hash", parent.GraphHash,
			"graph_hash", g.Hash(),
		)
	}

	expression := strings.TrimSpace(req.Selection)
	planReq := plan.Request{Mode: mode}
	switch {
	case mode.RequiresSelection():
		if expression == "" {
			return prepared{}, &domain.EmptySelectionError{Mode: mode}
		}
		set, err := selection.ParseAndResolve(g, expression)
		if err != nil {
			return prepared{}, err
		}
		planReq.Selection = set
		planReq.Expression = expression
	case expression != "":
		flow.logger.Warn("selection ignored for mode", "mode", mode, "selection", expression)
	}

	p, err := plan.BuildReexecutionPlan(g, parent.Snapshot(), planReq)
	if err != nil {
		return prepared{}, err
	}
	if err := flow.advance(StatePlanned); err != nil {
		return prepared{}, err
	}
	flow.logger.Info("reexecution planned", "mode", mode, "steps", len(p.Steps))
	return prepared{graph: g, parent: parent, plan: p}, nil
}

func (s *Service) registerAndDispatch(ctx context.Context, flow *requestFlow, logger *slog.Logger, g *graph.Graph, p domain.ReexecutionPlan, tags map[string]string, actor, requestID string) (Result, error) {
	runID, err := s.tracker.RegisterRun(ctx, lineage.Registration{
		PipelineName: p.PipelineName,
		GraphHash:    p.GraphHash,
		ParentRunID:  p.ParentRunID,
		Mode:         p.Mode,
		Selection:    p.Selection,
		PlannedSteps: p.Steps,
		Tags:         tags,
		Actor:        actor,
		RequestID:    requestID,
	})
	if err != nil {
		s.reject(ctx, flow, actor, requestID, p.ParentRunID, err)
		return Result{State: flow.state, Plan: p}, err
	}
	p.RunID = runID
	if p.RootRunID == "" {
		p.RootRunID = runID
	}
	logger = logger.With("run_id", runID)

	dispatch, err := executor.NewDispatch(g, p)
	if err == nil {
		err = s.engine.Dispatch(ctx, dispatch)
	}
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		if _, finishErr := s.tracker.FinishRun(context.WithoutCancel(ctx), runID); finishErr != nil {
			logger.Error("seal undispatched run", "error", finishErr)
		}
		err = fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		s.reject(ctx, flow, actor, requestID, runID, err)
		return Result{RunID: runID, State: flow.state, Plan: p}, err
	}

	if err := flow.advance(StateDispatched); err != nil {
		return Result{}, err
	}
	logger.Info("run dispatched", "mode", p.Mode, "steps", len(p.Steps))

	result := Result{RunID: runID, State: flow.state, Plan: p}
	if run, err := s.tracker.GetRun(ctx, runID); err == nil {
		result.RunState = run.State
	}
	action := auditlog.ActionDispatched
	if p.ParentRunID == "" {
		action = auditlog.ActionLaunched
	}
	s.appendAudit(ctx, actor, requestID, action, runID, map[string]any{
		"run_id":        runID,
		"parent_run_id": p.ParentRunID,
		"root_run_id":   p.RootRunID,
		"pipeline":      p.PipelineName,
		"mode":          string(p.Mode),
		"selection":     p.Selection,
		"steps":         p.Steps,
	})
	return result, nil
}

func (s *Service) reject(ctx context.Context, flow *requestFlow, actor, requestID, subject string, cause error) {
	if err := flow.advance(StateRejected); err != nil {
		flow.logger.Error("reject request", "error", err)
		return
	}
	code := domain.ErrorCode(cause)
	flow.logger.Warn("reexecution rejected", "code", code, "error", cause)
	if strings.TrimSpace(subject) == "" {
		subject = "unknown"
	}
	s.appendAudit(ctx, actor, requestID, auditlog.ActionRejected, subject, map[string]any{
		"code":  code,
		"error": cause.Error(),
	})
}

func (s *Service) appendAudit(ctx context.Context, actor, requestID string, action auditlog.Action, subject string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	if strings.TrimSpace(actor) == "" {
		actor = defaultActor
	}
	err := s.audit.Append(context.WithoutCancel(ctx), auditlog.Event{
		OccurredAt: s.now(),
		Actor:      actor,
		Action:     action,
		Subject:    subject,
		RequestID:  requestID,
		Payload:    payload,
	})
	if err != nil {
		s.logger.Error("audit append failed", "action", action, "subject", subject, "error", err)
	}
}

func (s *Service) requestLogger(req Request) *slog.Logger {
	return s.logger.With("parent_run_id", req.ParentRunID, "request_id", req.RequestID)
}

// mergeTags layers request tags over the parent's user tags. Tags owned by
// the service are never inherited.
func mergeTags(parent, request map[string]string) map[string]string {
	out := make(map[string]string, len(parent)+len(request)+3)
	for k, v := range parent {
		if !strings.HasPrefix(k, tagPrefix) {
			out[k] = v
		}
	}
	for k, v := range request {
		k = strings.TrimSpace(k)
		if k == "" || strings.HasPrefix(k, tagPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}
