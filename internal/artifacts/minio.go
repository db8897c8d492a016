package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
)

const checksumMeta = "Sha256"

// MinioStore keeps artifacts in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStoreWithClient(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key Key, body []byte, contentType string) (ObjectInfo, error) {
	if err := key.Validate(); err != nil {
		return ObjectInfo{}, err
	}
	sum := checksum(body)
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{checksumMeta: sum},
	}
	uploaded, err := s.client.PutObject(ctx, s.bucket, key.ObjectKey(), bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", key, err)
	}
	return ObjectInfo{
		Key:          uploaded.Key,
		Size:         uploaded.Size,
		ETag:         uploaded.ETag,
		SHA256:       sum,
		ContentType:  contentType,
		LastModified: uploaded.LastModified,
	}, nil
}

func (s *MinioStore) Get(ctx context.Context, key Key) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key.ObjectKey(), minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapMinioError(key, err)
	}
	return obj, info, nil
}

func (s *MinioStore) Stat(ctx context.Context, key Key) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key.ObjectKey(), minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioError(key, err)
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		SHA256:       info.UserMetadata[checksumMeta],
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

func mapMinioError(key Key, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", key, err)
}
