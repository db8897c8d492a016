package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/reexec/internal/platform/env"
)

// Config locates the MinIO (or any S3-compatible) bucket holding run artifacts.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	Bucket          string
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("REEXEC_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("REEXEC_MINIO_CONNECT_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	backoff, err := env.Duration("REEXEC_MINIO_CONNECT_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("REEXEC_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("REEXEC_MINIO_ACCESS_KEY", "reexec"),
		SecretKey:       env.String("REEXEC_MINIO_SECRET_KEY", "reexecminio"),
		Region:          env.String("REEXEC_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		Bucket:          env.String("REEXEC_MINIO_BUCKET_ARTIFACTS", "artifacts"),
		ConnectAttempts: attempts,
		ConnectBackoff:  backoff,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New("REEXEC_MINIO_ENDPOINT is required")
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("REEXEC_MINIO_ENDPOINT must not include a scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "":
		return errors.New("REEXEC_MINIO_ACCESS_KEY and REEXEC_MINIO_SECRET_KEY are required")
	case strings.TrimSpace(c.Region) == "":
		return errors.New("REEXEC_MINIO_REGION is required")
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New("REEXEC_MINIO_BUCKET_ARTIFACTS is required")
	case c.ConnectAttempts < 1:
		return errors.New("REEXEC_MINIO_CONNECT_ATTEMPTS must be >= 1")
	case c.ConnectBackoff < 0:
		return errors.New("REEXEC_MINIO_CONNECT_BACKOFF must be >= 0")
	}
	return nil
}
