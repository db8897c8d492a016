package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph"
)

// Engine runs the steps of a registered run.
type Engine interface {
	Dispatch(ctx context.Context, dispatch Dispatch) error
}

// Reporter records step outcomes and seals runs.
type Reporter interface {
	RecordStepResult(ctx context.Context, runID, step string, status domain.StepStatus, outputs []string) error
	FinishRun(ctx context.Context, runID string) (domain.RunRecord, error)
}

// Dispatch is the unit of work handed to an engine. Steps are in
// topological order. Upstream only lists planned upstream steps.
type Dispatch struct {
	RunID        string
	ParentRunID  string
	RootRunID    string
	PipelineName string
	GraphHash    string
	Mode         domain.ReexecutionMode
	Steps        []string
	Upstream     map[string][]string
	Outputs      map[string][]string
	InputSources map[string][]domain.InputSource
}

// NewDispatch joins a registered plan with the graph facts an engine needs.
func NewDispatch(g *graph.Graph, plan domain.ReexecutionPlan) (Dispatch, error) {
	if strings.TrimSpace(plan.RunID) == "" {
		return Dispatch{}, errors.New("run id is required")
	}
	if g == nil {
		return Dispatch{}, errors.New("graph is required")
	}

	d := Dispatch{
		RunID:        plan.RunID,
		ParentRunID:  plan.ParentRunID,
		RootRunID:    plan.RootRunID,
		PipelineName: plan.PipelineName,
		GraphHash:    plan.GraphHash,
		Mode:         plan.Mode,
		Steps:        append([]string(nil), plan.Steps...),
		Upstream:     make(map[string][]string, len(plan.Steps)),
		Outputs:      make(map[string][]string, len(plan.Steps)),
		InputSources: plan.InputSources,
	}
	for _, step := range plan.Steps {
		upstream, err := g.Upstream(step)
		if err != nil {
			return Dispatch{}, err
		}
		for _, up := range upstream {
			if plan.Includes(up) {
				d.Upstream[step] = append(d.Upstream[step], up)
			}
		}
		spec, _ := g.Step(step)
		if outputs := spec.OutputNames(); len(outputs) > 0 {
			d.Outputs[step] = outputs
		}
	}
	return d, nil
}
