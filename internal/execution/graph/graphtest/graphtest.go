// Package graphtest builds small pipelines for tests.
package graphtest

import (
	"sort"
	"strings"
	"testing"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/graph"
)

// Spec builds a pipeline from "from->to" edges. Every step produces an "out"
// artifact and every edge is an artifact binding named after the upstream step.
// Extra step names without edges may be passed as bare names.
func Spec(name string, edges ...string) domain.PipelineSpec {
	inputs := make(map[string][]domain.PipelineArtifactInput)
	steps := make(map[string]struct{})
	for _, edge := range edges {
		from, to, ok := strings.Cut(edge, "->")
		if !ok {
			steps[strings.TrimSpace(edge)] = struct{}{}
			continue
		}
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		steps[from] = struct{}{}
		steps[to] = struct{}{}
		inputs[to] = append(inputs[to], domain.PipelineArtifactInput{Name: from, FromStep: from, Artifact: "out"})
	}

	names := make([]string, 0, len(steps))
	for step := range steps {
		names = append(names, step)
	}
	sort.Strings(names)

	spec := domain.PipelineSpec{
		APIVersion:  domain.PipelineAPIVersion,
		Kind:        domain.PipelineKind,
		SpecVersion: "1.0",
		Metadata:    &domain.PipelineMetadata{Name: name},
	}
	for _, step := range names {
		spec.Spec.Steps = append(spec.Spec.Steps, domain.PipelineStep{
			Name:    step,
			Inputs:  domain.PipelineStepInputs{Artifacts: inputs[step]},
			Outputs: domain.PipelineStepOutputs{Artifacts: []domain.PipelineArtifactOutput{{Name: "out"}}},
		})
	}
	return spec
}

// New builds a graph from edges and fails the test on error.
func New(t testing.TB, name string, edges ...string) *graph.Graph {
	t.Helper()
	g, err := graph.New(Spec(name, edges...))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

// Linear is the A -> B -> C pipeline.
func Linear(t testing.TB) *graph.Graph {
	t.Helper()
	return New(t, "linear", "A->B", "B->C")
}

// Diamond is A -> {B, C} -> D.
func Diamond(t testing.TB) *graph.Graph {
	t.Helper()
	return New(t, "diamond", "A->B", "A->C", "B->D", "C->D")
}
