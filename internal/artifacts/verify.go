package artifacts

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/reexec/internal/domain"
)

const DefaultVerifyConcurrency = 8

type parentInput struct {
	step   string
	source domain.InputSource
}

// VerifyInputs checks that every input the plan reads from an earlier run is
// physically present. The first missing input in plan order is returned as
// *domain.ArtifactUnavailableError.
func VerifyInputs(ctx context.Context, store Store, plan domain.ReexecutionPlan, limit int) error {
	if store == nil {
		return errors.New("artifact store is required")
	}
	if limit <= 0 {
		limit = DefaultVerifyConcurrency
	}

	var inputs []parentInput
	for _, step := range plan.Steps {
		for _, source := range plan.InputSources[step] {
			if source.Origin == domain.OriginParentRun {
				inputs = append(inputs, parentInput{step: step, source: source})
			}
		}
	}
	if len(inputs) == 0 {
		return nil
	}

	missing := make([]bool, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, in := range inputs {
		g.Go(func() error {
			_, err := store.Stat(gctx, sourceKey(in.source))
			if errors.Is(err, ErrNotFound) {
				missing[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("stat input %q of step %q: %w", in.source.Input, in.step, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, gone := range missing {
		if !gone {
			continue
		}
		in := inputs[i]
		return &domain.ArtifactUnavailableError{
			Step:   in.step,
			Input:  in.source.Input,
			RunID:  artifactRun(in.source),
			Source: in.source.Step,
			Output: in.source.Output,
		}
	}
	return nil
}

// SourceKey resolves where an input value lives. Inputs produced in the
// current run are keyed by runID.
func SourceKey(runID string, source domain.InputSource) Key {
	if source.Origin == domain.OriginParentRun {
		return sourceKey(source)
	}
	return Key{RunID: runID, StepName: source.Step, OutputName: source.Output}
}

func sourceKey(source domain.InputSource) Key {
	return Key{RunID: artifactRun(source), StepName: source.Step, OutputName: source.Output}
}

func artifactRun(source domain.InputSource) string {
	if source.ArtifactRunID != "" {
		return source.ArtifactRunID
	}
	return source.RunID
}
