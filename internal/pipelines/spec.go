package pipelines

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/reexec/internal/domain"
)

type specDocument struct {
	APIVersion  string            `json:"apiVersion" yaml:"apiVersion"`
	Kind        string            `json:"kind" yaml:"kind"`
	SpecVersion string            `json:"specVersion" yaml:"specVersion"`
	Metadata    *metadataDocument `json:"metadata" yaml:"metadata"`
	Spec        bodyDocument      `json:"spec" yaml:"spec"`
}

type metadataDocument struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

type bodyDocument struct {
	Steps        []stepDocument       `json:"steps" yaml:"steps"`
	Dependencies []dependencyDocument `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

type dependencyDocument struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

type stepDocument struct {
	Name   string `json:"name" yaml:"name"`
	Inputs struct {
		Artifacts []inputDocument `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	} `json:"inputs" yaml:"inputs"`
	Outputs struct {
		Artifacts []outputDocument `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	} `json:"outputs" yaml:"outputs"`
}

type inputDocument struct {
	Name     string `json:"name" yaml:"name"`
	FromStep string `json:"fromStep" yaml:"fromStep"`
	Artifact string `json:"artifact" yaml:"artifact"`
}

type outputDocument struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	MediaType   string `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ParseSpec decodes a pipeline document. YAML and JSON are both accepted.
func ParseSpec(raw []byte) (domain.PipelineSpec, error) {
	var doc specDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("decode pipeline: %w", err)
	}
	return doc.toDomain(), nil
}

// MarshalSpec encodes a pipeline as YAML.
func MarshalSpec(spec domain.PipelineSpec) ([]byte, error) {
	return yaml.Marshal(documentFromSpec(spec))
}

func (d specDocument) toDomain() domain.PipelineSpec {
	spec := domain.PipelineSpec{
		APIVersion:  d.APIVersion,
		Kind:        d.Kind,
		SpecVersion: d.SpecVersion,
	}
	if d.Metadata != nil {
		spec.Metadata = &domain.PipelineMetadata{
			Name:        d.Metadata.Name,
			Description: d.Metadata.Description,
			Labels:      d.Metadata.Labels,
		}
	}
	for _, dep := range d.Spec.Dependencies {
		spec.Spec.Dependencies = append(spec.Spec.Dependencies, domain.PipelineDependency{From: dep.From, To: dep.To})
	}
	for _, s := range d.Spec.Steps {
		step := domain.PipelineStep{Name: s.Name}
		for _, in := range s.Inputs.Artifacts {
			step.Inputs.Artifacts = append(step.Inputs.Artifacts, domain.PipelineArtifactInput{
				Name:     in.Name,
				FromStep: in.FromStep,
				Artifact: in.Artifact,
			})
		}
		for _, out := range s.Outputs.Artifacts {
			step.Outputs.Artifacts = append(step.Outputs.Artifacts, domain.PipelineArtifactOutput{
				Name:        out.Name,
				Type:        out.Type,
				MediaType:   out.MediaType,
				Description: out.Description,
			})
		}
		spec.Spec.Steps = append(spec.Spec.Steps, step)
	}
	return spec
}

func documentFromSpec(spec domain.PipelineSpec) specDocument {
	doc := specDocument{
		APIVersion:  spec.APIVersion,
		Kind:        spec.Kind,
		SpecVersion: spec.SpecVersion,
	}
	if spec.Metadata != nil {
		doc.Metadata = &metadataDocument{
			Name:        spec.Metadata.Name,
			Description: spec.Metadata.Description,
			Labels:      spec.Metadata.Labels,
		}
	}
	for _, dep := range spec.Spec.Dependencies {
		doc.Spec.Dependencies = append(doc.Spec.Dependencies, dependencyDocument{From: dep.From, To: dep.To})
	}
	for _, s := range spec.Spec.Steps {
		step := stepDocument{Name: s.Name}
		for _, in := range s.Inputs.Artifacts {
			step.Inputs.Artifacts = append(step.Inputs.Artifacts, inputDocument(in))
		}
		for _, out := range s.Outputs.Artifacts {
			step.Outputs.Artifacts = append(step.Outputs.Artifacts, outputDocument(out))
		}
		doc.Spec.Steps = append(doc.Spec.Steps, step)
	}
	return doc
}
