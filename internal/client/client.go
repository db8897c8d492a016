// Package client talks to the reexecution HTTP API.
package client

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
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/animus-labs/reexec/internal/execution/plan"
	"github.com/animus-labs/reexec/internal/execution/state"
	"github.com/animus-labs/reexec/internal/platform/requestid"
)

const actorHeader = "X-Actor"

// Error is a non-2xx response from the server.
type Error struct {
	Status    int
	Code      string   `json:"error"`
	Message   string   `json:"message"`
	RequestID string   `json:"request_id"`
	RunID     string   `json:"run_id"`
	Issues    []string `json:"issues"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (%d)", e.Code, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Issues) > 0 {
		msg += ": " + strings.Join(e.Issues, "; ")
	}
	if e.RunID != "" {
		msg += " [run " + e.RunID + "]"
	}
	return msg
}

type Pipeline struct {
	Name      string   `json:"name"`
	GraphHash string   `json:"graphHash"`
	Steps     []string `json:"steps"`
}

type PipelineStep struct {
	Name       string   `json:"name"`
	Upstream   []string `json:"upstream"`
	Downstream []string `json:"downstream"`
	Outputs    []string `json:"outputs"`
}

type PipelineDetail struct {
	Pipeline
	Order       []string       `json:"order"`
	StepDetails []PipelineStep `json:"stepDetails"`
}

type StepResult struct {
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Outputs    []string  `json:"outputs"`
	RecordedAt time.Time `json:"recordedAt"`
}

type Run struct {
	RunID        string            `json:"runId"`
	PipelineName string            `json:"pipeline"`
	GraphHash    string            `json:"graphHash"`
	ParentRunID  string            `json:"parentRunId"`
	RootRunID    string            `json:"rootRunId"`
	Mode         string            `json:"mode"`
	Selection    string            `json:"selection"`
	PlannedSteps []string          `json:"plannedSteps"`
	Inherited    map[string]string `json:"inherited"`
	Tags         map[string]string `json:"tags"`
	State        string            `json:"state"`
	Steps        []StepResult      `json:"steps"`
	Summary      state.Summary     `json:"summary"`
	CreatedAt    time.Time         `json:"createdAt"`
	FinishedAt   *time.Time        `json:"finishedAt"`
}

type Dispatched struct {
	RunID        string        `json:"runId"`
	RequestState string        `json:"requestState"`
	RunState     string        `json:"runState"`
	Plan         *plan.Payload `json:"plan"`
}

type ReexecuteRequest struct {
	Mode      string            `json:"mode"`
	Selection string            `json:"selection,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type RunFilter struct {
	Pipeline    string
	ParentRunID string
	RootRunID   string
	Limit       int
}

type Config struct {
	BaseURL  string
	Actor    string
	Timeout  time.Duration
	Attempts uint
}

type Client struct {
	base     *url.URL
	actor    string
	attempts uint
	http     *http.Client
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:     base,
		actor:    strings.TrimSpace(cfg.Actor),
		attempts: cfg.Attempts,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}, nil
}

func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var out struct {
		Pipelines []Pipeline `json:"pipelines"`
	}
	err := c.get(ctx, "/pipelines", nil, &out)
	return out.Pipelines, err
}

func (c *Client) GetPipeline(ctx context.Context, name string) (PipelineDetail, error) {
	var out PipelineDetail
	err := c.get(ctx, "/pipelines/"+url.PathEscape(name), nil, &out)
	return out, err
}

// RegisterPipeline uploads a YAML or JSON pipeline document.
func (c *Client) RegisterPipeline(ctx context.Context, raw []byte) (Pipeline, error) {
	var out Pipeline
	err := c.do(ctx, http.MethodPost, "/pipelines", nil, raw, "application/yaml", &out)
	return out, err
}

func (c *Client) Launch(ctx context.Context, pipeline string, tags map[string]string) (Dispatched, error) {
	var out Dispatched
	err := c.postJSON(ctx, "/pipelines/"+url.PathEscape(pipeline)+"/runs", map[string]any{"tags": tags}, &out)
	return out, err
}

func (c *Client) Reexecute(ctx context.Context, runID string, req ReexecuteRequest) (Dispatched, error) {
	var out Dispatched
	err := c.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/reexecutions", req, &out)
	return out, err
}

// Preview plans a re-execution without registering a run.
func (c *Client) Preview(ctx context.Context, runID string, req ReexecuteRequest) (plan.Payload, error) {
	var out plan.Payload
	err := c.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/reexecution-plans", req, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var out Run
	err := c.get(ctx, "/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

// Lineage returns the run followed by its ancestors, newest first.
func (c *Client) Lineage(ctx context.Context, runID string) ([]Run, error) {
	var out struct {
		Chain []Run `json:"chain"`
	}
	err := c.get(ctx, "/runs/"+url.PathEscape(runID)+"/lineage", nil, &out)
	return out.Chain, err
}

func (c *Client) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := url.Values{}
	if filter.Pipeline != "" {
		q.Set("pipeline", filter.Pipeline)
	}
	if filter.ParentRunID != "" {
		q.Set("parent_run_id", filter.ParentRunID)
	}
	if filter.RootRunID != "" {
		q.Set("root_run_id", filter.RootRunID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	err := c.get(ctx, "/runs", q, &out)
	return out.Runs, err
}

func (c *Client) RecordStep(ctx context.Context, runID, step, status string, outputs []string) error {
	body := map[string]any{"status": status, "outputs": outputs}
	return c.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/steps/"+url.PathEscape(step), body, nil)
}

func (c *Client) FinishRun(ctx context.Context, runID string) (Run, error) {
	var out Run
	err := c.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/finish", nil, &out)
	return out, err
}

// get retries transport failures and 5xx responses; writes are sent once.
func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	return retry.Do(func() error {
		return c.do(ctx, http.MethodGet, path, query, nil, "", dst)
	},
		retry.Attempts(c.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying request", "path", path, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, dst any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, nil, raw, "application/json", dst)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, dst any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.actor != "" {
		req.Header.Set(actorHeader, c.actor)
	}
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if dst == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func retryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
