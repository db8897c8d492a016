package plan

import (
	"encoding/json"

	"github.com/animus-labs/reexec/internal/domain"
)

// MarshalReexecutionPlan serializes a plan with stable field names.
func MarshalReexecutionPlan(plan domain.ReexecutionPlan) ([]byte, error) {
	return json.Marshal(PayloadFromPlan(plan))
}

// UnmarshalReexecutionPlan parses plan JSON into a domain ReexecutionPlan.
func UnmarshalReexecutionPlan(raw []byte) (domain.ReexecutionPlan, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ReexecutionPlan{}, err
	}
	return payload.Plan(), nil
}

// Payload is the wire shape of a plan, shared by the engine boundary and the API.
type Payload struct {
	RunID        string                          `json:"runId,omitempty"`
	ParentRunID  string                          `json:"parentRunId,omitempty"`
	RootRunID    string                          `json:"rootRunId,omitempty"`
	PipelineName string                          `json:"pipeline"`
	GraphHash    string                          `json:"graphHash"`
	Mode         string                          `json:"mode"`
	Selection    string                          `json:"selection,omitempty"`
	Steps        []string                        `json:"steps"`
	InputSources map[string][]inputSourcePayload `json:"inputSources"`
}

type inputSourcePayload struct {
	Input         string `json:"input"`
	Step          string `json:"step"`
	Output        string `json:"output"`
	Origin        string `json:"origin"`
	RunID         string `json:"runId,omitempty"`
	ArtifactRunID string `json:"artifactRunId,omitempty"`
}

func PayloadFromPlan(plan domain.ReexecutionPlan) Payload {
	payload := Payload{
		RunID:        plan.RunID,
		ParentRunID:  plan.ParentRunID,
		RootRunID:    plan.RootRunID,
		PipelineName: plan.PipelineName,
		GraphHash:    plan.GraphHash,
		Mode:         string(plan.Mode),
		Selection:    plan.Selection,
		Steps:        append([]string{}, plan.Steps...),
		InputSources: make(map[string][]inputSourcePayload, len(plan.InputSources)),
	}
	for step, sources := range plan.InputSources {
		out := make([]inputSourcePayload, 0, len(sources))
		for _, source := range sources {
			out = append(out, inputSourcePayload{
				Input:         source.Input,
				Step:          source.Step,
				Output:        source.Output,
				Origin:        string(source.Origin),
				RunID:         source.RunID,
				ArtifactRunID: source.ArtifactRunID,
			})
		}
		payload.InputSources[step] = out
	}
	return payload
}

func (p Payload) Plan() domain.ReexecutionPlan {
	plan := domain.ReexecutionPlan{
		RunID:        p.RunID,
		ParentRunID:  p.ParentRunID,
		RootRunID:    p.RootRunID,
		PipelineName: p.PipelineName,
		GraphHash:    p.GraphHash,
		Mode:         domain.ReexecutionMode(p.Mode),
		Selection:    p.Selection,
		Steps:        append([]string(nil), p.Steps...),
		InputSources: make(map[string][]domain.InputSource, len(p.InputSources)),
	}
	for step, sources := range p.InputSources {
		out := make([]domain.InputSource, 0, len(sources))
		for _, source := range sources {
			out = append(out, domain.InputSource{
				Input:         source.Input,
				Step:          source.Step,
				Output:        source.Output,
				Origin:        domain.InputOrigin(source.Origin),
				RunID:         source.RunID,
				ArtifactRunID: source.ArtifactRunID,
			})
		}
		plan.InputSources[step] = out
	}
	return plan
}
