package specvalidator

import (
	"regexp"
	"strings"

	"github.com/animus-labs/reexec/internal/domain"
)

// StepNamePattern is the set of names a selection expression can address.
var StepNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-/]*$`)

// ValidatePipelineSpec performs strict structural validation of a PipelineSpec.
// Cycle detection is left to the graph builder, which reports the offending path.
func ValidatePipelineSpec(spec domain.PipelineSpec) error {
	issues := &ValidationError{Pipeline: spec.Name()}

	if err := spec.ValidateBasicShape(); err != nil {
		issues.Addf("%v", err)
	}
	if len(spec.Spec.Steps) == 0 {
		return issues.OrNil()
	}

	outputs := make(map[string]map[string]struct{}, len(spec.Spec.Steps))
	for i, step := range spec.Spec.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			issues.Addf("step[%d] name is required", i)
			continue
		}
		if name != step.Name || !StepNamePattern.MatchString(name) {
			issues.Addf("step[%d] name %q contains unsupported characters", i, step.Name)
		}
		if _, exists := outputs[name]; exists {
			issues.Addf("duplicate step name %q", name)
			continue
		}
		declared := make(map[string]struct{}, len(step.Outputs.Artifacts))
		for _, output := range step.Outputs.Artifacts {
			outputName := strings.TrimSpace(output.Name)
			if outputName == "" {
				issues.Addf("step[%s] output name is required", name)
				continue
			}
			if _, dup := declared[outputName]; dup {
				issues.Addf("step[%s] declares output %q twice", name, outputName)
			}
			declared[outputName] = struct{}{}
		}
		outputs[name] = declared
	}

	for _, step := range spec.Spec.Steps {
		inputs := make(map[string]struct{}, len(step.Inputs.Artifacts))
		for _, input := range step.Inputs.Artifacts {
			inputName := strings.TrimSpace(input.Name)
			if inputName == "" {
				issues.Addf("step[%s] input name is required", step.Name)
				continue
			}
			if _, dup := inputs[inputName]; dup {
				issues.Addf("step[%s] declares input %q twice", step.Name, inputName)
			}
			inputs[inputName] = struct{}{}

			from := strings.TrimSpace(input.FromStep)
			if from == step.Name {
				issues.Addf("step[%s] input %q reads its own output", step.Name, inputName)
				continue
			}
			produced, ok := outputs[from]
			if !ok {
				issues.Addf("step[%s] input %q references unknown step %q", step.Name, inputName, from)
				continue
			}
			if _, ok := produced[strings.TrimSpace(input.Artifact)]; !ok {
				issues.Addf("step[%s] input %q references undeclared output %q of %q", step.Name, inputName, input.Artifact, from)
			}
		}
	}

	for _, dep := range spec.Spec.Dependencies {
		from := strings.TrimSpace(dep.From)
		to := strings.TrimSpace(dep.To)
		if from == "" || to == "" {
			issues.Addf("dependency edges must specify from and to")
			continue
		}
		if from == to {
			issues.Addf("dependency %q has self-edge", from)
			continue
		}
		if _, ok := outputs[from]; !ok {
			issues.Addf("dependency from %q not found", from)
			continue
		}
		if _, ok := outputs[to]; !ok {
			issues.Addf("dependency to %q not found", to)
		}
	}

	return issues.OrNil()
}
