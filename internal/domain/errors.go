package domain

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownStepError reports a step name that is not part of the pipeline graph.
type UnknownStepError struct {
	Pipeline string
	Step     string
}

func (e *UnknownStepError) Error() string {
	if e.Pipeline == "" {
		return fmt.Sprintf("unknown step %q", e.Step)
	}
	return fmt.Sprintf("unknown step %q in pipeline %q", e.Step, e.Pipeline)
}

// CycleError is returned when dependency edges form a cycle.
type CycleError struct {
	Pipeline string
	Path     []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency graph contains a cycle"
	}
	return "dependency graph contains a cycle: " + strings.Join(e.Path, " -> ")
}

// MalformedSelectionError is a grammar failure in a selection expression.
type MalformedSelectionError struct {
	Expression string
	Clause     string
	Reason     string
}

func (e *MalformedSelectionError) Error() string {
	if e.Clause == "" {
		return fmt.Sprintf("malformed selection %q: %s", e.Expression, e.Reason)
	}
	return fmt.Sprintf("malformed selection %q: clause %q: %s", e.Expression, e.Clause, e.Reason)
}

// UnknownRunError reports a run id absent from run history.
type UnknownRunError struct {
	RunID string
}

func (e *UnknownRunError) Error() string {
	return fmt.Sprintf("unknown run %q", e.RunID)
}

// EmptySelectionError is returned when a mode needs a selection and none resolved.
type EmptySelectionError struct {
	Mode ReexecutionMode
}

func (e *EmptySelectionError) Error() string {
	return fmt.Sprintf("mode %s requires a non-empty step selection", e.Mode)
}

// NoFailureToRecoverError is returned by FROM_FAILURE when the parent has nothing to recover.
type NoFailureToRecoverError struct {
	RunID string
}

func (e *NoFailureToRecoverError) Error() string {
	return fmt.Sprintf("run %q has no failed or unexecuted steps to recover", e.RunID)
}

// MissingUpstreamArtifactError is returned when a planned step would read an
// output the parent run never produced.
type MissingUpstreamArtifactError struct {
	Step        string
	Upstream    string
	Status      StepStatus
	ParentRunID string
	Mode        ReexecutionMode
}

func (e *MissingUpstreamArtifactError) Error() string {
	return fmt.Sprintf("step %q needs outputs of %q but it is %s in parent run %q (mode %s)",
		e.Step, e.Upstream, e.Status, e.ParentRunID, e.Mode)
}

// RunNotFinishedError is returned when re-executing a run that is still in flight.
type RunNotFinishedError struct {
	RunID string
	State RunState
}

func (e *RunNotFinishedError) Error() string {
	return fmt.Sprintf("run %q is %s; only finished runs can be re-executed", e.RunID, e.State)
}

// ArtifactUnavailableError is returned when a parent output recorded as
// produced cannot be found in the artifact store.
type ArtifactUnavailableError struct {
	Step   string
	Input  string
	RunID  string
	Source string
	Output string
}

func (e *ArtifactUnavailableError) Error() string {
	return fmt.Sprintf("input %q of step %q: output %s.%s of run %q is not in the artifact store",
		e.Input, e.Step, e.Source, e.Output, e.RunID)
}

// ErrorCode maps a planning error to a stable snake_case code for callers.
func ErrorCode(err error) string {
	var (
		unknownStep *UnknownStepError
		cycle       *CycleError
		malformed   *MalformedSelectionError
		unknownRun  *UnknownRunError
		empty       *EmptySelectionError
		noFailure   *NoFailureToRecoverError
		missing     *MissingUpstreamArtifactError
		notFinished *RunNotFinishedError
		unavailable *ArtifactUnavailableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unknownStep):
		return "unknown_step"
	case errors.As(err, &cycle):
		return "cycle"
	case errors.As(err, &malformed):
		return "malformed_selection"
	case errors.As(err, &unknownRun):
		return "unknown_run"
	case errors.As(err, &empty):
		return "empty_selection"
	case errors.As(err, &noFailure):
		return "no_failure_to_recover"
	case errors.As(err, &missing):
		return "missing_upstream_artifact"
	case errors.As(err, &notFinished):
		return "run_not_finished"
	case errors.As(err, &unavailable):
		return "artifact_unavailable"
	default:
		return "internal_error"
	}
}
