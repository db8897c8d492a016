package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestConfigFromEnvFallsBackToDatabaseURL(t *testing.T) {
	t.Setenv("REEXEC_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "postgres://other:other@db:5432/other")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.URL != "postgres://other:other@db:5432/other" {
		t.Fatalf("URL=%q", cfg.URL)
	}

	t.Setenv("REEXEC_DATABASE_URL", "postgres://reexec@primary:5432/reexec")
	cfg, err = ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.URL != "postgres://reexec@primary:5432/reexec" {
		t.Fatalf("URL=%q", cfg.URL)
	}
}

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) PingContext(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitReady(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{PingTimeout: time.Second, ConnectAttempts: 3, ConnectBackoff: time.Millisecond}

	pinger := &flakyPinger{failures: 2}
	if err := WaitReady(context.Background(), logger, pinger, cfg); err != nil {
		t.Fatalf("WaitReady() err=%v", err)
	}
	if pinger.calls != 3 {
		t.Fatalf("calls=%d, want 3", pinger.calls)
	}

	down := &flakyPinger{failures: 10}
	err := WaitReady(context.Background(), logger, down, cfg)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected ping error, got %v", err)
	}
	if down.calls != 3 {
		t.Fatalf("calls=%d, want 3", down.calls)
	}
}

type recordingExecer struct {
	queries []string
	failAt  int
}

func (e *recordingExecer) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	e.queries = append(e.queries, query)
	if e.failAt > 0 && len(e.queries) == e.failAt {
		return nil, errors.New("boom")
	}
	return nil, nil
}

func TestMigrate(t *testing.T) {
	execer := &recordingExecer{}
	if err := Migrate(context.Background(), execer); err != nil {
		t.Fatalf("Migrate() err=%v", err)
	}
	joined := strings.Join(execer.queries, "\n")
	for _, table := range []string{"pipeline_runs", "run_step_statuses", "lineage_events", "audit_events"} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected %s table in migrations", table)
		}
	}
	if !strings.Contains(joined, "UNIQUE (run_id, step_name)") {
		t.Fatalf("expected one status per step per run")
	}

	failing := &recordingExecer{failAt: 2}
	if err := Migrate(context.Background(), failing); err == nil || !strings.Contains(err.Error(), "migration 1") {
		t.Fatalf("expected wrapped migration error, got %v", err)
	}
}
