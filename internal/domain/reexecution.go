package domain

import (
	"fmt"
	"strings"
)

// ReexecutionMode selects how the step set of a new run is derived from its parent.
type ReexecutionMode string

const (
	ModeAll          ReexecutionMode = "ALL"
	ModeExact        ReexecutionMode = "EXACT"
	ModeFromSelected ReexecutionMode = "FROM_SELECTED"
	ModeFromFailure  ReexecutionMode = "FROM_FAILURE"
)

// ParseReexecutionMode accepts modes case-insensitively with '-' or '_' separators.
func ParseReexecutionMode(value string) (ReexecutionMode, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(value), "-", "_"))
	switch ReexecutionMode(normalized) {
	case ModeAll, ModeExact, ModeFromSelected, ModeFromFailure:
		return ReexecutionMode(normalized), nil
	default:
		return "", fmt.Errorf("unknown re-execution mode %q", value)
	}
}

// RequiresSelection reports whether the mode needs a selection expression.
func (m ReexecutionMode) RequiresSelection() bool {
	return m == ModeExact || m == ModeFromSelected
}

// InputOrigin tells the engine where an input value comes from.
type InputOrigin string

const (
	OriginThisRun   InputOrigin = "this_run"
	OriginParentRun InputOrigin = "parent_run"
)

// InputSource describes how one input of a planned step is satisfied.
type InputSource struct {
	Input  string
	Step   string
	Output string
	Origin InputOrigin
	// RunID is the parent run id when Origin is OriginParentRun.
	RunID string
	// ArtifactRunID is the run whose artifact store entry holds the value;
	// it differs from RunID when the parent itself reused the output.
	ArtifactRunID string
}

// ReexecutionPlan is the executable outcome of planning a run.
type ReexecutionPlan struct {
	RunID        string
	ParentRunID  string
	RootRunID    string
	PipelineName string
	GraphHash    string
	Mode         ReexecutionMode
	Selection    string
	Steps        []string
	InputSources map[string][]InputSource
}

// Includes reports whether the plan executes the step.
func (p ReexecutionPlan) Includes(step string) bool {
	for _, name := range p.Steps {
		if name == step {
			return true
		}
	}
	return false
}
