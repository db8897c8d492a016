package specvalidator

import (
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/reexec/internal/domain"
)

func TestValidatePipelineSpec(t *testing.T) {
	tests := []struct {
		name      string
		spec      domain.PipelineSpec
		wantErr   bool
		wantIssue string
	}{
		{
			name: "ok linear pipeline",
			spec: linearPipelineSpec(),
		},
		{
			name:      "duplicate step name",
			spec:      withExtraStep(linearPipelineSpec(), domain.PipelineStep{Name: "extract"}),
			wantErr:   true,
			wantIssue: `duplicate step name "extract"`,
		},
		{
			name: "unknown dependency node",
			spec: withDependencies(linearPipelineSpec(), []domain.PipelineDependency{
				{From: "extract", To: "missing"},
			}),
			wantErr:   true,
			wantIssue: `dependency to "missing" not found`,
		},
		{
			name: "self edge",
			spec: withDependencies(linearPipelineSpec(), []domain.PipelineDependency{
				{From: "load", To: "load"},
			}),
			wantErr:   true,
			wantIssue: "self-edge",
		},
		{
			name:      "name with selection operator",
			spec:      withExtraStep(linearPipelineSpec(), domain.PipelineStep{Name: "bad+name"}),
			wantErr:   true,
			wantIssue: "unsupported characters",
		},
		{
			name: "input from unknown step",
			spec: withExtraStep(linearPipelineSpec(), domain.PipelineStep{
				Name: "report",
				Inputs: domain.PipelineStepInputs{Artifacts: []domain.PipelineArtifactInput{
					{Name: "rows", FromStep: "ghost", Artifact: "rows"},
				}},
			}),
			wantErr:   true,
			wantIssue: `unknown step "ghost"`,
		},
		{
			name: "input from undeclared output",
			spec: withExtraStep(linearPipelineSpec(), domain.PipelineStep{
				Name: "report",
				Inputs: domain.PipelineStepInputs{Artifacts: []domain.PipelineArtifactInput{
					{Name: "rows", FromStep: "extract", Artifact: "nope"},
				}},
			}),
			wantErr:   true,
			wantIssue: `undeclared output "nope"`,
		},
		{
			name: "cycles are not reported here",
			spec: withDependencies(linearPipelineSpec(), []domain.PipelineDependency{
				{From: "load", To: "extract"},
			}),
		},
	}

	for _, tt := range tests {
		err := ValidatePipelineSpec(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: expected err=%v, got %v", tt.name, tt.wantErr, err)
		}
		if err == nil {
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected *ValidationError, got %T", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.wantIssue) {
			t.Fatalf("%s: expected issue %q in %q", tt.name, tt.wantIssue, err.Error())
		}
	}
}

func TestValidatePipelineSpecMissingMetadata(t *testing.T) {
	spec := linearPipelineSpec()
	spec.Metadata = nil
	err := ValidatePipelineSpec(spec)
	if err == nil || !strings.Contains(err.Error(), "metadata.name is required") {
		t.Fatalf("expected metadata error, got %v", err)
	}
}

func linearPipelineSpec() domain.PipelineSpec {
	return domain.PipelineSpec{
		APIVersion:  domain.PipelineAPIVersion,
		Kind:        domain.PipelineKind,
		SpecVersion: "1.0",
		Metadata:    &domain.PipelineMetadata{Name: "etl"},
		Spec: domain.PipelineSpecBody{
			Steps: []domain.PipelineStep{
				{
					Name: "extract",
					Outputs: domain.PipelineStepOutputs{Artifacts: []domain.PipelineArtifactOutput{
						{Name: "rows"},
					}},
				},
				{
					Name: "transform",
					Inputs: domain.PipelineStepInputs{Artifacts: []domain.PipelineArtifactInput{
						{Name: "raw", FromStep: "extract", Artifact: "rows"},
					}},
					Outputs: domain.PipelineStepOutputs{Artifacts: []domain.PipelineArtifactOutput{
						{Name: "clean"},
					}},
				},
				{
					Name: "load",
					Inputs: domain.PipelineStepInputs{Artifacts: []domain.PipelineArtifactInput{
						{Name: "clean", FromStep: "transform", Artifact: "clean"},
					}},
				},
			},
		},
	}
}

func withExtraStep(spec domain.PipelineSpec, step domain.PipelineStep) domain.PipelineSpec {
	steps := append([]domain.PipelineStep{}, spec.Spec.Steps...)
	spec.Spec.Steps = append(steps, step)
	return spec
}

func withDependencies(spec domain.PipelineSpec, deps []domain.PipelineDependency) domain.PipelineSpec {
	spec.Spec.Dependencies = deps
	return spec
}
