// Package dryrun simulates step execution. Steps read their inputs from the
// artifact store, succeed or fail deterministically and write placeholder
// outputs, so lineage and re-execution behave as they would with a real engine.
package dryrun

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/animus-labs/reexec/internal/artifacts"
	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/executor"
	"github.com/animus-labs/reexec/internal/platform/env"
)

const (
	reasonUpstream  = "upstream_unavailable"
	reasonInput     = "input_missing"
	reasonForced    = "forced_failure"
	reasonSimulated = "simulated_failure"
)

type Config struct {
	// FailureRate is the share of steps that fail at random, in [0, 1).
	FailureRate float64
	FailSteps   []string
}

func ConfigFromEnv() (Config, error) {
	rate, err := env.Float("REEXEC_DRYRUN_FAILURE_RATE", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{FailureRate: rate, FailSteps: env.List("REEXEC_DRYRUN_FAIL_STEPS")}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.FailureRate < 0 || c.FailureRate >= 1 {
		return fmt.Errorf("failure rate must be in [0, 1), got %v", c.FailureRate)
	}
	return nil
}

type outcomeDecider func(graphHash, runID, stepName string) float64

type Executor struct {
	reporter    executor.Reporter
	store       artifacts.Store
	logger      *slog.Logger
	now         func() time.Time
	decide      outcomeDecider
	failureRate float64
	failSteps   map[string]struct{}
}

func New(reporter executor.Reporter, store artifacts.Store, logger *slog.Logger, cfg Config) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	failSteps := make(map[string]struct{}, len(cfg.FailSteps))
	for _, step := range cfg.FailSteps {
		failSteps[step] = struct{}{}
	}
	return &Executor{
		reporter:    reporter,
		store:       store,
		logger:      logger,
		now:         time.Now,
		decide:      deterministicScore,
		failureRate: cfg.FailureRate,
		failSteps:   failSteps,
	}
}

type outputPayload struct {
	RunID      string            `json:"runId"`
	Step       string            `json:"step"`
	Output     string            `json:"output"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	DryRun     bool              `json:"dryRun"`
	ProducedAt time.Time         `json:"producedAt"`
}

type stepOutcome struct {
	status  domain.StepStatus
	outputs []string
	reason  string
}

// Dispatch runs the planned steps in order, reports every outcome and seals
// the run.
func (e *Executor) Dispatch(ctx context.Context, d executor.Dispatch) error {
	if e == nil || e.reporter == nil || e.store == nil {
		return errors.New("dry run executor not initialized")
	}
	if strings.TrimSpace(d.RunID) == "" {
		return errors.New("run id is required")
	}

	statuses := make(map[string]domain.StepStatus, len(d.Steps))
	for _, step := range d.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := e.runStep(ctx, d, step, statuses)
		if err != nil {
			return fmt.Errorf("step %q: %w", step, err)
		}
		statuses[step] = outcome.status
		e.logger.Info("dry run step",
			"run_id", d.RunID,
			"step", step,
			"status", outcome.status,
			"reason", outcome.reason,
		)
		if err := e.reporter.RecordStepResult(ctx, d.RunID, step, outcome.status, outcome.outputs); err != nil {
			return fmt.Errorf("report step %q: %w", step, err)
		}
	}

	run, err := e.reporter.FinishRun(ctx, d.RunID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	e.logger.Info("dry run finished", "run_id", d.RunID, "state", run.State)
	return nil
}

func (e *Executor) runStep(ctx context.Context, d executor.Dispatch, step string, statuses map[string]domain.StepStatus) (stepOutcome, error) {
	for _, up := range d.Upstream[step] {
		if statuses[up] != domain.StepSucceeded {
			return stepOutcome{status: domain.StepSkipped, reason: reasonUpstream}, nil
		}
	}

	inputs := make(map[string]string, len(d.InputSources[step]))
	for _, source := range d.InputSources[step] {
		body, err := artifacts.ReadAll(ctx, e.store, artifacts.SourceKey(d.RunID, source))
		if errors.Is(err, artifacts.ErrNotFound) {
			return stepOutcome{status: domain.StepFailed, reason: reasonInput}, nil
		}
		if err != nil {
			return stepOutcome{}, err
		}
		sum := sha256.Sum256(body)
		inputs[source.Input] = hex.EncodeToString(sum[:])
	}

	if _, forced := e.failSteps[step]; forced {
		return stepOutcome{status: domain.StepFailed, reason: reasonForced}, nil
	}
	if e.decide(d.GraphHash, d.RunID, step) < e.failureRate {
		return stepOutcome{status: domain.StepFailed, reason: reasonSimulated}, nil
	}

	produced := e.now().UTC()
	outputs := make([]string, 0, len(d.Outputs[step]))
	for _, name := range d.Outputs[step] {
		body, err := json.Marshal(outputPayload{
			RunID:      d.RunID,
			Step:       step,
			Output:     name,
			Inputs:     inputs,
			DryRun:     true,
			ProducedAt: produced,
		})
		if err != nil {
			return stepOutcome{}, err
		}
		key := artifacts.Key{RunID: d.RunID, StepName: step, OutputName: name}
		if _, err := e.store.Put(ctx, key, body, "application/json"); err != nil {
			return stepOutcome{}, err
		}
		outputs = append(outputs, name)
	}
	return stepOutcome{status: domain.StepSucceeded, outputs: outputs}, nil
}

func deterministicScore(graphHash, runID, stepName string) float64 {
	seed := fmt.Sprintf("%s:%s:%s", graphHash, runID, stepName)
	sum := sha256.Sum256([]byte(seed))
	value := binary.BigEndian.Uint64(sum[:8])
	return float64(value) / float64(math.MaxUint64)
}
