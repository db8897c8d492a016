package domain

import (
	"errors"
	"strings"
	"time"
)

// StepStatus is the recorded outcome of a step within one run.
type StepStatus string

const (
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepNotExecuted StepStatus = "not_executed"
)

// ParseStepStatus maps free-form status values to canonical step statuses.
func ParseStepStatus(value string) (StepStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StepSucceeded), "success":
		return StepSucceeded, true
	case string(StepFailed), "failure":
		return StepFailed, true
	case string(StepSkipped):
		return StepSkipped, true
	case string(StepNotExecuted), "not-executed":
		return StepNotExecuted, true
	default:
		return "", false
	}
}

// IsTerminal reports whether the status is a terminal execution outcome.
func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// RunState is the lifecycle state of a run record.
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
)

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStateCreated), "pending":
		return RunStateCreated
	case string(RunStateRunning):
		return RunStateRunning
	case string(RunStateSucceeded):
		return RunStateSucceeded
	case string(RunStateFailed):
		return RunStateFailed
	default:
		return ""
	}
}

// IsTerminal reports whether the run is sealed.
func (s RunState) IsTerminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// CanTransitionRunState enforces forward-only state progression.
func CanTransitionRunState(current, next RunState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return runStateOrder(current) < runStateOrder(next)
}

func runStateOrder(state RunState) int {
	switch state {
	case RunStateCreated:
		return 1
	case RunStateRunning:
		return 2
	case RunStateSucceeded, RunStateFailed:
		return 3
	default:
		return 0
	}
}

// StepResult is a single append-only status write for a step.
type StepResult struct {
	StepName   string
	Status     StepStatus
	Outputs    []string
	RecordedAt time.Time
}

// RunRecord is the persisted history of one run. Re-execution never edits a
// RunRecord; it creates a new one pointing at its parent.
type RunRecord struct {
	ID           string
	PipelineName string
	GraphHash    string
	ParentRunID  string
	RootRunID    string
	Mode         ReexecutionMode
	Selection    string
	PlannedSteps []string
	// Inherited maps steps reused from an ancestor to the run holding their outputs.
	Inherited  map[string]string
	Tags       map[string]string
	State      RunState
	Steps      []StepResult
	CreatedAt  time.Time
	FinishedAt *time.Time
}

func (r RunRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PipelineName) == "" {
		return errors.New("pipeline name is required")
	}
	if strings.TrimSpace(r.RootRunID) == "" {
		return errors.New("root run id is required")
	}
	if strings.TrimSpace(r.ParentRunID) == "" && r.RootRunID != r.ID {
		return errors.New("root run id must equal run id when there is no parent")
	}
	if r.ParentRunID == r.ID {
		return errors.New("run cannot be its own parent")
	}
	if NormalizeRunState(string(r.State)) == "" {
		return errors.New("state is required")
	}
	return nil
}

// IsPlanned reports whether the step is part of this run's plan.
func (r RunRecord) IsPlanned(step string) bool {
	for _, name := range r.PlannedSteps {
		if name == step {
			return true
		}
	}
	return false
}

// StepStatus returns the recorded status of a step, if any.
func (r RunRecord) StepStatus(step string) (StepStatus, bool) {
	for _, result := range r.Steps {
		if result.StepName == step {
			return result.Status, true
		}
	}
	return "", false
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.PlannedSteps = append([]string(nil), r.PlannedSteps...)
	out.Inherited = cloneStringMap(r.Inherited)
	out.Tags = cloneStringMap(r.Tags)
	if r.Steps != nil {
		out.Steps = make([]StepResult, len(r.Steps))
		for i, step := range r.Steps {
			step.Outputs = append([]string(nil), step.Outputs...)
			out.Steps[i] = step
		}
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

// Snapshot returns the read-only status view used for planning.
func (r RunRecord) Snapshot() RunSnapshot {
	snap := RunSnapshot{
		RunID:        r.ID,
		PipelineName: r.PipelineName,
		GraphHash:    r.GraphHash,
		RootRunID:    r.RootRunID,
		Terminal:     r.State.IsTerminal(),
		Statuses:     make(map[string]StepStatus, len(r.Steps)+len(r.Inherited)),
		ArtifactRuns: make(map[string]string, len(r.Steps)+len(r.Inherited)),
	}
	for step, origin := range r.Inherited {
		snap.Statuses[step] = StepSucceeded
		snap.ArtifactRuns[step] = origin
	}
	for _, result := range r.Steps {
		snap.Statuses[result.StepName] = result.Status
		if result.Status == StepSucceeded {
			snap.ArtifactRuns[result.StepName] = r.ID
		}
	}
	return snap
}

// RunSnapshot is the per-step status view of a run at a point in time.
type RunSnapshot struct {
	RunID        string
	PipelineName string
	GraphHash    string
	RootRunID    string
	Terminal     bool
	Statuses     map[string]StepStatus
	ArtifactRuns map[string]string
}

// Status returns the step status, NOT_EXECUTED when the run holds no record of it.
func (s RunSnapshot) Status(step string) StepStatus {
	if status, ok := s.Statuses[step]; ok {
		return status
	}
	return StepNotExecuted
}

// ArtifactRun returns the run that physically holds the outputs of a succeeded step.
func (s RunSnapshot) ArtifactRun(step string) string {
	if runID, ok := s.ArtifactRuns[step]; ok && runID != "" {
		return runID
	}
	return s.RunID
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
