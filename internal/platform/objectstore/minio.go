package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Buckets is the part of *minio.Client used to prepare the artifacts bucket.
type Buckets interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	})
}

// EnsureBucket creates the artifacts bucket when it does not exist yet,
// retrying while the object store is unreachable.
func EnsureBucket(ctx context.Context, logger *slog.Logger, buckets Buckets, cfg Config) error {
	return retry.Do(
		func() error {
			exists, err := buckets.BucketExists(ctx, cfg.Bucket)
			if err != nil {
				return fmt.Errorf("artifacts bucket exists: %w", err)
			}
			if exists {
				return nil
			}
			if err := buckets.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return fmt.Errorf("make artifacts bucket: %w", err)
			}
			logger.Info("artifacts bucket created", "bucket", cfg.Bucket)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.ConnectAttempts)),
		retry.Delay(cfg.ConnectBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("object store not ready", "attempt", n+1, "error", err)
		}),
	)
}

// CheckBucket is a readiness probe for the artifacts bucket.
func CheckBucket(ctx context.Context, buckets Buckets, bucket string) error {
	exists, err := buckets.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("artifacts bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("artifacts bucket missing: %s", bucket)
	}
	return nil
}
