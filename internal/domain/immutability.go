package domain

import (
	"errors"
	"fmt"
	"reflect"
)

// EnsureRunRecordAppendOnly enforces the write discipline on run history:
// identity and lineage never change, step results are only appended, state
// only moves forward and a sealed record does not change at all.
func EnsureRunRecordAppendOnly(before, after RunRecord) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("run ids are required")
	}
	if before.ID != after.ID {
		return fmt.Errorf("run id changed from %q to %q", before.ID, after.ID)
	}
	if before.PipelineName != after.PipelineName {
		return errors.New("pipeline name is immutable")
	}
	if before.GraphHash != after.GraphHash {
		return errors.New("graph hash is immutable")
	}
	if before.ParentRunID != after.ParentRunID {
		return errors.New("parent run id is immutable")
	}
	if before.RootRunID != after.RootRunID {
		return errors.New("root run id is immutable")
	}
	if before.Mode != after.Mode || before.Selection != after.Selection {
		return errors.New("selection is immutable")
	}
	if !reflect.DeepEqual(before.PlannedSteps, after.PlannedSteps) {
		return errors.New("planned steps are immutable")
	}
	if !equalStringMaps(before.Inherited, after.Inherited) {
		return errors.New("inherited steps are immutable")
	}
	if !equalStringMaps(before.Tags, after.Tags) {
		return errors.New("tags are immutable")
	}
	if !before.CreatedAt.Equal(after.CreatedAt) {
		return errors.New("created at is immutable")
	}

	if before.State.IsTerminal() {
		if after.State != before.State || len(after.Steps) != len(before.Steps) {
			return fmt.Errorf("run %q is sealed", before.ID)
		}
	}
	if !CanTransitionRunState(before.State, after.State) {
		return fmt.Errorf("run state cannot move from %s to %s", before.State, after.State)
	}

	if len(after.Steps) < len(before.Steps) {
		return errors.New("step results cannot be removed")
	}
	for i, prev := range before.Steps {
		next := after.Steps[i]
		if prev.StepName != next.StepName || prev.Status != next.Status || !reflect.DeepEqual(prev.Outputs, next.Outputs) {
			return fmt.Errorf("step %q status is immutable", prev.StepName)
		}
	}
	seen := make(map[string]struct{}, len(after.Steps))
	for _, result := range after.Steps {
		if _, dup := seen[result.StepName]; dup {
			return fmt.Errorf("step %q status already recorded", result.StepName)
		}
		seen[result.StepName] = struct{}{}
	}
	return nil
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}
