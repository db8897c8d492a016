package state

import (
	"strings"

	"github.com/animus-labs/reexec/internal/domain"
)

// DeriveRunState computes the run state from the planned steps and the step
// results recorded so far. A run succeeds only when every planned step did.
func DeriveRunState(planned []string, results []domain.StepResult) domain.RunState {
	if len(results) == 0 {
		return domain.RunStateCreated
	}

	byStep := latestByStep(results)
	incomplete := false
	unsuccessful := false
	for _, step := range planned {
		status, ok := byStep[strings.TrimSpace(step)]
		if !ok {
			incomplete = true
			continue
		}
		switch status {
		case domain.StepFailed:
			return domain.RunStateFailed
		case domain.StepSucceeded:
		default:
			unsuccessful = true
		}
	}

	if incomplete {
		return domain.RunStateRunning
	}
	if unsuccessful {
		return domain.RunStateFailed
	}
	return domain.RunStateSucceeded
}

// Summary counts planned steps per status.
type Summary struct {
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	NotExecuted int `json:"notExecuted"`
	Pending     int `json:"pending"`
}

// Summarize tallies planned steps by their recorded status. Planned steps with
// no result yet are pending.
func Summarize(planned []string, results []domain.StepResult) Summary {
	byStep := latestByStep(results)
	var out Summary
	for _, step := range planned {
		status, ok := byStep[strings.TrimSpace(step)]
		if !ok {
			out.Pending++
			continue
		}
		switch status {
		case domain.StepSucceeded:
			out.Succeeded++
		case domain.StepFailed:
			out.Failed++
		case domain.StepSkipped:
			out.Skipped++
		case domain.StepNotExecuted:
			out.NotExecuted++
		}
	}
	return out
}

func latestByStep(results []domain.StepResult) map[string]domain.StepStatus {
	out := make(map[string]domain.StepStatus, len(results))
	for _, result := range results {
		step := strings.TrimSpace(result.StepName)
		if step == "" {
			continue
		}
		out[step] = result.Status
	}
	return out
}
