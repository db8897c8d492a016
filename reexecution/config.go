package main

import (
	"errors"
	"strings"

	"github.com/animus-labs/reexec/internal/platform/env"
)

const (
	historyPostgres = "postgres"
	historySQLite   = "sqlite"
	historyMemory   = "memory"

	artifactsMinio  = "minio"
	artifactsMemory = "memory"

	engineDryRun  = "dryrun"
	engineWebhook = "webhook"
)

type serviceConfig struct {
	History           string
	Artifacts         string
	Engine            string
	PipelinesDir      string
	VerifyArtifacts   bool
	VerifyConcurrency int
}

func serviceConfigFromEnv() (serviceConfig, error) {
	history, err := env.Enum("REEXEC_HISTORY", historySQLite, historyPostgres, historySQLite, historyMemory)
	if err != nil {
		return serviceConfig{}, err
	}
	artifactBackend, err := env.Enum("REEXEC_ARTIFACTS", artifactsMemory, artifactsMinio, artifactsMemory)
	if err != nil {
		return serviceConfig{}, err
	}
	engine, err := env.Enum("REEXEC_ENGINE", engineDryRun, engineDryRun, engineWebhook)
	if err != nil {
		return serviceConfig{}, err
	}
	verify, err := env.Bool("REEXEC_VERIFY_ARTIFACTS", false)
	if err != nil {
		return serviceConfig{}, err
	}
	concurrency, err := env.Int("REEXEC_VERIFY_CONCURRENCY", 8)
	if err != nil {
		return serviceConfig{}, err
	}
	cfg := serviceConfig{
		History:           history,
		Artifacts:         artifactBackend,
		Engine:            engine,
		PipelinesDir:      strings.TrimSpace(env.String("REEXEC_PIPELINES_DIR", "")),
		VerifyArtifacts:   verify,
		VerifyConcurrency: concurrency,
	}
	if err := cfg.Validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func (c serviceConfig) Validate() error {
	if c.VerifyConcurrency < 1 {
		return errors.New("REEXEC_VERIFY_CONCURRENCY must be positive")
	}
	return nil
}
