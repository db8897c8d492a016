package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	PipelineAPIVersion = "reexec/v1"
	PipelineKind       = "Pipeline"
)

// PipelineSpec is a reusable pipeline definition that run planning is derived from.
type PipelineSpec struct {
	APIVersion  string
	Kind        string
	SpecVersion string
	Metadata    *PipelineMetadata
	Spec        PipelineSpecBody
}

type PipelineMetadata struct {
	Name        string
	Description string
	Labels      map[string]string
}

type PipelineSpecBody struct {
	Steps        []PipelineStep
	Dependencies []PipelineDependency
}

// PipelineDependency is an order-only edge: To runs after From.
type PipelineDependency struct {
	From string
	To   string
}

type PipelineStep struct {
	Name    string
	Inputs  PipelineStepInputs
	Outputs PipelineStepOutputs
}

type PipelineStepInputs struct {
	Artifacts []PipelineArtifactInput
}

type PipelineStepOutputs struct {
	Artifacts []PipelineArtifactOutput
}

// PipelineArtifactInput binds an input of a step to a named output of an upstream step.
type PipelineArtifactInput struct {
	Name     string
	FromStep string
	Artifact string
}

type PipelineArtifactOutput struct {
	Name        string
	Type        string
	MediaType   string
	Description string
}

// Name returns the pipeline name from metadata.
func (p PipelineSpec) Name() string {
	if p.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(p.Metadata.Name)
}

// DependencyEdges returns the declared edges plus the edges implied by artifact
// inputs. Names are trimmed the same way validation compares them.
func (p PipelineSpec) DependencyEdges() []PipelineDependency {
	edges := make([]PipelineDependency, 0, len(p.Spec.Dependencies))
	for _, dep := range p.Spec.Dependencies {
		edges = append(edges, PipelineDependency{From: strings.TrimSpace(dep.From), To: strings.TrimSpace(dep.To)})
	}
	for _, step := range p.Spec.Steps {
		for _, input := range step.Inputs.Artifacts {
			edges = append(edges, PipelineDependency{From: strings.TrimSpace(input.FromStep), To: strings.TrimSpace(step.Name)})
		}
	}
	return edges
}

// Canonical returns a copy of the step with input bindings and output names
// trimmed, so lookups by step and output name match what validation accepted.
func (s PipelineStep) Canonical() PipelineStep {
	out := PipelineStep{Name: strings.TrimSpace(s.Name)}
	if len(s.Inputs.Artifacts) > 0 {
		out.Inputs.Artifacts = make([]PipelineArtifactInput, 0, len(s.Inputs.Artifacts))
		for _, input := range s.Inputs.Artifacts {
			out.Inputs.Artifacts = append(out.Inputs.Artifacts, PipelineArtifactInput{
				Name:     strings.TrimSpace(input.Name),
				FromStep: strings.TrimSpace(input.FromStep),
				Artifact: strings.TrimSpace(input.Artifact),
			})
		}
	}
	if len(s.Outputs.Artifacts) > 0 {
		out.Outputs.Artifacts = make([]PipelineArtifactOutput, 0, len(s.Outputs.Artifacts))
		for _, output := range s.Outputs.Artifacts {
			output.Name = strings.TrimSpace(output.Name)
			out.Outputs.Artifacts = append(out.Outputs.Artifacts, output)
		}
	}
	return out
}

// ValidateBasicShape checks the document header and that every step is named.
// It does not look at edges.
func (p PipelineSpec) ValidateBasicShape() error {
	switch strings.TrimSpace(p.APIVersion) {
	case PipelineAPIVersion:
	case "":
		return errors.New("apiVersion is required")
	default:
		return fmt.Errorf("apiVersion %q is not supported, want %s", p.APIVersion, PipelineAPIVersion)
	}
	if kind := strings.TrimSpace(p.Kind); kind != PipelineKind {
		return fmt.Errorf("kind must be %s, got %q", PipelineKind, kind)
	}
	if strings.TrimSpace(p.SpecVersion) == "" {
		return errors.New("specVersion is required")
	}
	if p.Name() == "" {
		return errors.New("metadata.name is required")
	}
	if len(p.Spec.Steps) == 0 {
		return errors.New("steps must contain at least one step")
	}
	for i, step := range p.Spec.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step[%d] name is required", i)
		}
	}
	return nil
}

// OutputNames lists the declared outputs in declaration order. The result
// is never nil.
func (s PipelineStep) OutputNames() []string {
	names := make([]string, 0, len(s.Outputs.Artifacts))
	for _, artifact := range s.Outputs.Artifacts {
		names = append(names, artifact.Name)
	}
	return names
}
