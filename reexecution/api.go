package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph"
	"github.com/animus-labs/reexec/internal/execution/plan"
	"github.com/animus-labs/reexec/internal/execution/specvalidator"
	"github.com/animus-labs/reexec/internal/execution/state"
	"github.com/animus-labs/reexec/internal/lineage"
	"github.com/animus-labs/reexec/internal/pipelines"
	"github.com/animus-labs/reexec/internal/platform/httpserver"
	"github.com/animus-labs/reexec/internal/platform/lineageevent"
	"github.com/animus-labs/reexec/internal/platform/requestid"
	"github.com/animus-labs/reexec/internal/repo"
	"github.com/animus-labs/reexec/internal/service/reexecution"
)

const (
	actorHeader    = "X-Actor"
	maxBodyBytes   = 1 << 20
	defaultListMax = 50
)

type runHistory interface {
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error)
	Chain(ctx context.Context, runID string) ([]domain.RunRecord, error)
	RecordStepResult(ctx context.Context, runID, step string, status domain.StepStatus, outputs []string) error
	FinishRun(ctx context.Context, runID string) (domain.RunRecord, error)
}

type reexecAPI struct {
	logger   *slog.Logger
	service  *reexecution.Service
	registry *pipelines.Registry
	history  runHistory
	events   lineageevent.Querier
}

func newReexecAPI(logger *slog.Logger, service *reexecution.Service, registry *pipelines.Registry, history runHistory) *reexecAPI {
	return &reexecAPI{
		logger:   logger,
		service:  service,
		registry: registry,
		history:  history,
	}
}

func (api *reexecAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /pipelines", api.handleListPipelines)
	mux.HandleFunc("POST /pipelines", api.handleRegisterPipeline)
	mux.HandleFunc("GET /pipelines/{name}", api.handleGetPipeline)
	mux.HandleFunc("POST /pipelines/{name}/runs", api.handleLaunch)

	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/lineage", api.handleLineage)
	mux.HandleFunc("POST /runs/{run_id}/reexecutions", api.handleReexecute)
	mux.HandleFunc("POST /runs/{run_id}/reexecution-plans", api.handlePreview)
	mux.HandleFunc("POST /runs/{run_id}/steps/{step}", api.handleStepResult)
	mux.HandleFunc("POST /runs/{run_id}/finish", api.handleFinish)

	mux.HandleFunc("GET /lineage-events", api.handleListEvents)
}

type pipelineSummary struct {
	Name  string   `json:"name"`
	Hash  string   `json:"graphHash"`
	Steps []string `json:"steps"`
}

type pipelineStepDetail struct {
	Name       string   `json:"name"`
	Upstream   []string `json:"upstream"`
	Downstream []string `json:"downstream"`
	Outputs    []string `json:"outputs,omitempty"`
}

type pipelineDetail struct {
	pipelineSummary
	Order   []string             `json:"order"`
	Details []pipelineStepDetail `json:"stepDetails"`
}

type stepResultPayload struct {
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Outputs    []string  `json:"outputs,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

type runPayload struct {
	RunID        string              `json:"runId"`
	PipelineName string              `json:"pipeline"`
	GraphHash    string              `json:"graphHash,omitempty"`
	ParentRunID  string              `json:"parentRunId,omitempty"`
	RootRunID    string              `json:"rootRunId"`
	Mode         string              `json:"mode"`
	Selection    string              `json:"selection,omitempty"`
	PlannedSteps []string            `json:"plannedSteps"`
	Inherited    map[string]string   `json:"inherited,omitempty"`
	Tags         map[string]string   `json:"tags,omitempty"`
	State        string              `json:"state"`
	Steps        []stepResultPayload `json:"steps"`
	Summary      state.Summary       `json:"summary"`
	CreatedAt    time.Time           `json:"createdAt"`
	FinishedAt   *time.Time          `json:"finishedAt,omitempty"`
}

type dispatchResponse struct {
	RunID        string        `json:"runId"`
	RequestState string        `json:"requestState"`
	RunState     string        `json:"runState,omitempty"`
	Plan         *plan.Payload `json:"plan,omitempty"`
}

type reexecuteRequest struct {
	Mode      string            `json:"mode"`
	Selection string            `json:"selection,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type launchRequest struct {
	Tags map[string]string `json:"tags,omitempty"`
}

type stepResultRequest struct {
	Status  string   `json:"status"`
	Outputs []string `json:"outputs,omitempty"`
}

func (api *reexecAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	graphs := api.registry.List()
	out := make([]pipelineSummary, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, summarize(g))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

func (api *reexecAPI) handleRegisterPipeline(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body", err)
		return
	}
	spec, err := pipelines.ParseSpec(raw)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body", err)
		return
	}
	g, err := api.registry.Register(spec)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.logger.Info("pipeline registered", "pipeline", g.Name(), "hash", g.Hash(), "request_id", requestid.FromContext(r.Context()))
	httpserver.WriteJSON(w, http.StatusCreated, summarize(g))
}

func (api *reexecAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	g, err := api.registry.Get(r.PathValue("name"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	order, err := g.TopologicalOrder(graph.NewStepSet(g.Steps()...))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	detail := pipelineDetail{pipelineSummary: summarize(g), Order: order}
	for _, name := range g.Steps() {
		up, _ := g.Upstream(name)
		down, _ := g.Downstream(name)
		step, _ := g.Step(name)
		d := pipelineStepDetail{Name: name, Upstream: nonNil(up), Downstream: nonNil(down)}
		for _, out := range step.Outputs.Artifacts {
			d.Outputs = append(d.Outputs, out.Name)
		}
		detail.Details = append(detail.Details, d)
	}
	httpserver.WriteJSON(w, http.StatusOK, detail)
}

func (api *reexecAPI) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if !api.decodeOptional(w, r, &req) {
		return
	}
	res, err := api.service.Launch(r.Context(), reexecution.LaunchRequest{
		PipelineName: r.PathValue("name"),
		Tags:         req.Tags,
		Actor:        actor(r),
		RequestID:    requestid.FromContext(r.Context()),
	})
	if err != nil {
		api.writeDispatchError(w, r, res, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, dispatchResponseFrom(res))
}

func (api *reexecAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := api.history.ListRuns(r.Context(), repo.RunFilter{
		PipelineName: strings.TrimSpace(q.Get("pipeline")),
		ParentRunID:  strings.TrimSpace(q.Get("parent_run_id")),
		RootRunID:    strings.TrimSpace(q.Get("root_run_id")),
		Limit:        clampInt(parseIntQuery(r, "limit", defaultListMax), 1, 500),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runPayload, 0, len(runs))
	for _, run := range runs {
		out = append(out, runPayloadFrom(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *reexecAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.history.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, runPayloadFrom(run))
}

func (api *reexecAPI) handleLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := api.history.Chain(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runPayload, 0, len(chain))
	for _, run := range chain {
		out = append(out, runPayloadFrom(run))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"chain": out})
}

func (api *reexecAPI) handleReexecute(w http.ResponseWriter, r *http.Request) {
	req, ok := api.decodeReexecute(w, r)
	if !ok {
		return
	}
	res, err := api.service.Reexecute(r.Context(), req)
	if err != nil {
		api.writeDispatchError(w, r, res, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, dispatchResponseFrom(res))
}

func (api *reexecAPI) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := api.decodeReexecute(w, r)
	if !ok {
		return
	}
	p, err := api.service.Preview(r.Context(), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, plan.PayloadFromPlan(p))
}

func (api *reexecAPI) handleStepResult(w http.ResponseWriter, r *http.Request) {
	var req stepResultRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body", err)
		return
	}
	status, ok := domain.ParseStepStatus(req.Status)
	if !ok {
		api.writeError(w, r, http.StatusBadRequest, "invalid_status", errors.New("status must be succeeded, failed, skipped or not_executed"))
		return
	}
	runID := r.PathValue("run_id")
	if err := api.history.RecordStepResult(r.Context(), runID, r.PathValue("step"), status, req.Outputs); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *reexecAPI) handleFinish(w http.ResponseWriter, r *http.Request) {
	run, err := api.history.FinishRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, runPayloadFrom(run))
}

func (api *reexecAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if api.events == nil {
		api.writeError(w, r, http.StatusNotImplemented, "lineage_events_unavailable", errors.New("lineage events need the postgres history backend"))
		return
	}
	q := r.URL.Query()
	events, err := lineageevent.List(r.Context(), api.events, lineageevent.Filter{
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
		ObjectType:  q.Get("object_type"),
		ObjectID:    q.Get("object_id"),
		Predicate:   q.Get("predicate"),
		BeforeID:    parseInt64Query(r, "before_event_id", 0),
		Limit:       parseIntQuery(r, "limit", lineageevent.DefaultListLimit),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{"events": events}
	if len(events) > 0 {
		resp["nextBeforeEventId"] = events[len(events)-1].EventID
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (api *reexecAPI) decodeReexecute(w http.ResponseWriter, r *http.Request) (reexecution.Request, bool) {
	var body reexecuteRequest
	if err := decodeJSON(r, &body); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body", err)
		return reexecution.Request{}, false
	}
	return reexecution.Request{
		ParentRunID: r.PathValue("run_id"),
		Mode:        body.Mode,
		Selection:   body.Selection,
		Tags:        body.Tags,
		Actor:       actor(r),
		RequestID:   requestid.FromContext(r.Context()),
	}, true
}

func (api *reexecAPI) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := decodeJSON(r, dst); err != nil && !errors.Is(err, io.EOF) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body", err)
		return false
	}
	return true
}

// writeDispatchError reports a registered run whose dispatch failed with its
// run id, so the caller can inspect the sealed record.
func (api *reexecAPI) writeDispatchError(w http.ResponseWriter, r *http.Request, res reexecution.Result, err error) {
	if errors.Is(err, reexecution.ErrDispatchFailed) && res.RunID != "" {
		api.writeJSON(w, r, http.StatusBadGateway, map[string]any{
			"error":   "dispatch_failed",
			"message": err.Error(),
			"run_id":  res.RunID,
		})
		return
	}
	api.writeServiceError(w, r, err)
}

// writeServiceError maps domain and service errors onto HTTP statuses.
func (api *reexecAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *specvalidator.ValidationError
	switch code := domain.ErrorCode(err); {
	case code == "unknown_run":
		api.writeError(w, r, http.StatusNotFound, code, err)
	case code == "unknown_step", code == "malformed_selection", code == "empty_selection":
		api.writeError(w, r, http.StatusBadRequest, code, err)
	case code == "cycle":
		api.writeError(w, r, http.StatusUnprocessableEntity, code, err)
	case code == "no_failure_to_recover", code == "missing_upstream_artifact", code == "run_not_finished", code == "artifact_unavailable":
		api.writeError(w, r, http.StatusConflict, code, err)
	case errors.As(err, &validation):
		api.writeJSON(w, r, http.StatusUnprocessableEntity, map[string]any{
			"error":  "invalid_pipeline",
			"issues": validation.Issues,
		})
	case errors.Is(err, reexecution.ErrInvalidRequest):
		api.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, pipelines.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "unknown_pipeline", err)
	case errors.Is(err, lineage.ErrStepNotPlanned):
		api.writeError(w, r, http.StatusBadRequest, "step_not_planned", err)
	case errors.Is(err, repo.ErrImmutable):
		api.writeError(w, r, http.StatusConflict, "immutable", err)
	case errors.Is(err, reexecution.ErrDispatchFailed):
		api.writeError(w, r, http.StatusBadGateway, "dispatch_failed", err)
	default:
		api.logger.Error("request failed", "request_id", requestid.FromContext(r.Context()), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", nil)
	}
}

func (api *reexecAPI) writeJSON(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	body["request_id"] = requestid.FromContext(r.Context())
	httpserver.WriteJSON(w, status, body)
}

func (api *reexecAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	body := map[string]any{"error": code}
	if err != nil {
		body["message"] = err.Error()
	}
	api.writeJSON(w, r, status, body)
}

func summarize(g *graph.Graph) pipelineSummary {
	return pipelineSummary{Name: g.Name(), Hash: g.Hash(), Steps: g.Steps()}
}

func dispatchResponseFrom(res reexecution.Result) dispatchResponse {
	payload := plan.PayloadFromPlan(res.Plan)
	return dispatchResponse{
		RunID:        res.RunID,
		RequestState: string(res.State),
		RunState:     string(res.RunState),
		Plan:         &payload,
	}
}

func runPayloadFrom(run domain.RunRecord) runPayload {
	out := runPayload{
		RunID:        run.ID,
		PipelineName: run.PipelineName,
		GraphHash:    run.GraphHash,
		ParentRunID:  run.ParentRunID,
		RootRunID:    run.RootRunID,
		Mode:         string(run.Mode),
		Selection:    run.Selection,
		PlannedSteps: nonNil(run.PlannedSteps),
		Inherited:    run.Inherited,
		Tags:         run.Tags,
		State:        string(run.State),
		Steps:        make([]stepResultPayload, 0, len(run.Steps)),
		Summary:      state.Summarize(run.PlannedSteps, run.Steps),
		CreatedAt:    run.CreatedAt,
		FinishedAt:   run.FinishedAt,
	}
	for _, step := range run.Steps {
		out.Steps = append(out.Steps, stepResultPayload{
			Step:       step.StepName,
			Status:     string(step.Status),
			Outputs:    step.Outputs,
			RecordedAt: step.RecordedAt,
		})
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func actor(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(actorHeader)); v != "" {
		return v
	}
	return "anonymous"
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
