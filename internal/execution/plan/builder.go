package plan

import (
	"fmt"
	"strings"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph"
)

// Request carries the caller's intent for a re-execution.
type Request struct {
	Mode domain.ReexecutionMode
	// Selection is the resolved step set; required by EXACT and FROM_SELECTED.
	Selection graph.StepSet
	// Expression is the raw selection text, recorded on the plan for lineage.
	Expression string
}

// BuildPlan returns the plan for a fresh run with no parent: every step, with
// every input produced within the run.
func BuildPlan(g *graph.Graph) (domain.ReexecutionPlan, error) {
	all := graph.NewStepSet(g.Steps()...)
	ordered, err := g.TopologicalOrder(all)
	if err != nil {
		return domain.ReexecutionPlan{}, err
	}
	sources, err := inputSources(g, all, ordered, domain.RunSnapshot{}, domain.ModeAll)
	if err != nil {
		return domain.ReexecutionPlan{}, err
	}
	return domain.ReexecutionPlan{
		PipelineName: g.Name(),
		GraphHash:    g.Hash(),
		Mode:         domain.ModeAll,
		Steps:        ordered,
		InputSources: sources,
	}, nil
}

// BuildReexecutionPlan derives the step set of a new run from a finished parent
// and decides where each planned step reads its inputs from. It never mutates
// the parent and fails before anything is registered.
func BuildReexecutionPlan(g *graph.Graph, parent domain.RunSnapshot, req Request) (domain.ReexecutionPlan, error) {
	if strings.TrimSpace(parent.RunID) == "" {
		return domain.ReexecutionPlan{}, fmt.Errorf("parent run id is required")
	}

	steps, err := selectSteps(g, parent, req)
	if err != nil {
		return domain.ReexecutionPlan{}, err
	}
	ordered, err := g.TopologicalOrder(steps)
	if err != nil {
		return domain.ReexecutionPlan{}, err
	}
	sources, err := inputSources(g, steps, ordered, parent, req.Mode)
	if err != nil {
		return domain.ReexecutionPlan{}, err
	}

	root := parent.RootRunID
	if root == "" {
		root = parent.RunID
	}
	return domain.ReexecutionPlan{
		ParentRunID:  parent.RunID,
		RootRunID:    root,
		PipelineName: g.Name(),
		GraphHash:    g.Hash(),
		Mode:         req.Mode,
		Selection:    strings.TrimSpace(req.Expression),
		Steps:        ordered,
		InputSources: sources,
	}, nil
}

func selectSteps(g *graph.Graph, parent domain.RunSnapshot, req Request) (graph.StepSet, error) {
	switch req.Mode {
	case domain.ModeAll:
		return graph.NewStepSet(g.Steps()...), nil

	case domain.ModeExact, domain.ModeFromSelected:
		if req.Selection.Len() == 0 {
			return nil, &domain.EmptySelectionError{Mode: req.Mode}
		}
		steps := req.Selection.Clone()
		for _, name := range req.Selection.Sorted() {
			if !g.Has(name) {
				return nil, &domain.UnknownStepError{Pipeline: g.Name(), Step: name}
			}
			if req.Mode == domain.ModeExact {
				continue
			}
			down, err := g.Descendants(name, graph.Unbounded, false)
			if err != nil {
				return nil, err
			}
			steps.Union(down)
		}
		return steps, nil

	case domain.ModeFromFailure:
		recoverable := false
		steps := graph.NewStepSet()
		for _, name := range g.Steps() {
			status := parent.Status(name)
			if status == domain.StepSucceeded {
				continue
			}
			if status == domain.StepFailed || status == domain.StepNotExecuted {
				recoverable = true
			}
			steps.Add(name)
		}
		if !recoverable {
			return nil, &domain.NoFailureToRecoverError{RunID: parent.RunID}
		}
		for _, name := range steps.Sorted() {
			down, err := g.Descendants(name, graph.Unbounded, false)
			if err != nil {
				return nil, err
			}
			steps.Union(down)
		}
		return steps, nil

	default:
		return nil, fmt.Errorf("unsupported re-execution mode %q", req.Mode)
	}
}

// inputSources checks every excluded upstream of a planned step succeeded in
// the parent and records where each artifact input is read from. Steps are
// visited in topological order so the first error is deterministic.
func inputSources(g *graph.Graph, steps graph.StepSet, ordered []string, parent domain.RunSnapshot, mode domain.ReexecutionMode) (map[string][]domain.InputSource, error) {
	sources := make(map[string][]domain.InputSource, len(ordered))
	for _, name := range ordered {
		upstream, err := g.Upstream(name)
		if err != nil {
			return nil, err
		}
		for _, up := range upstream {
			if steps.Has(up) {
				continue
			}
			if status := parent.Status(up); status != domain.StepSucceeded {
				return nil, &domain.MissingUpstreamArtifactError{
					Step:        name,
					Upstream:    up,
					Status:      status,
					ParentRunID: parent.RunID,
					Mode:        mode,
				}
			}
		}

		inputs, err := g.Inputs(name)
		if err != nil {
			return nil, err
		}
		if len(inputs) == 0 {
			continue
		}
		resolved := make([]domain.InputSource, 0, len(inputs))
		for _, input := range inputs {
			source := domain.InputSource{
				Input:  input.Name,
				Step:   input.FromStep,
				Output: input.Artifact,
				Origin: domain.OriginThisRun,
			}
			if !steps.Has(input.FromStep) {
				source.Origin = domain.OriginParentRun
				source.RunID = parent.RunID
				source.ArtifactRunID = parent.ArtifactRun(input.FromStep)
			}
			resolved = append(resolved, source)
		}
		sources[name] = resolved
	}
	return sources, nil
}
