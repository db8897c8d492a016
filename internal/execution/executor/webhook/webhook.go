// Package webhook hands dispatched runs to an external engine over HTTP. The
// engine reports step results back through the service API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/animus-labs/reexec/internal/domain"
	"github.com/animus-labs/reexec/internal/execution/executor"
	"github.com/animus-labs/reexec/internal/execution/plan"
	"github.com/animus-labs/reexec/internal/platform/env"
	"github.com/animus-labs/reexec/internal/platform/requestid"
)

type Config struct {
	URL           string
	Timeout       time.Duration
	Attempts      uint
	RetryInterval time.Duration
	MaxRetryDelay time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("REEXEC_ENGINE_WEBHOOK_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("REEXEC_ENGINE_WEBHOOK_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("REEXEC_ENGINE_WEBHOOK_RETRY_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	maxDelay, err := env.Duration("REEXEC_ENGINE_WEBHOOK_MAX_RETRY_DELAY", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	if attempts < 1 {
		return Config{}, errors.New("REEXEC_ENGINE_WEBHOOK_ATTEMPTS must be positive")
	}
	cfg := Config{
		URL:           strings.TrimSpace(env.String("REEXEC_ENGINE_WEBHOOK_URL", "")),
		Timeout:       timeout,
		Attempts:      uint(attempts),
		RetryInterval: interval,
		MaxRetryDelay: maxDelay,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("REEXEC_ENGINE_WEBHOOK_URL is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", c.URL)
	}
	if c.Timeout <= 0 {
		return errors.New("webhook timeout must be positive")
	}
	if c.Attempts == 0 {
		return errors.New("webhook attempts must be positive")
	}
	return nil
}

type Engine struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, client *http.Client, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, client: client, logger: logger}, nil
}

type dispatchPayload struct {
	plan.Payload
	Upstream map[string][]string `json:"upstream,omitempty"`
	Outputs  map[string][]string `json:"outputs,omitempty"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine responded %d: %s", e.code, e.body)
}

// Dispatch delivers the run to the engine. Transport failures and 5xx
// responses are retried; 4xx responses are not.
func (e *Engine) Dispatch(ctx context.Context, d executor.Dispatch) error {
	body, err := json.Marshal(dispatchPayload{
		Payload: plan.PayloadFromPlan(domain.ReexecutionPlan{
			RunID:        d.RunID,
			ParentRunID:  d.ParentRunID,
			RootRunID:    d.RootRunID,
			PipelineName: d.PipelineName,
			GraphHash:    d.GraphHash,
			Mode:         d.Mode,
			Steps:        d.Steps,
			InputSources: d.InputSources,
		}),
		Upstream: d.Upstream,
		Outputs:  d.Outputs,
	})
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}

	return retry.Do(func() error {
		return e.post(ctx, d.RunID, body)
	},
		retry.Attempts(e.cfg.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(e.cfg.RetryInterval),
		retry.MaxDelay(e.cfg.MaxRetryDelay),
		retry.MaxJitter(e.cfg.RetryInterval/5),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("retrying engine dispatch", "run_id", d.RunID, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}

func (e *Engine) post(ctx context.Context, runID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", runID)
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		e.logger.Info("run dispatched to engine", "run_id", runID, "status", resp.StatusCode)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
}

func retryable(err error) bool {
	var status *statusError
	if errors.As(err, &status) {
		return status.code >= 500 || status.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
