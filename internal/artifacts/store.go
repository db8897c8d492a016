// Package artifacts persists step outputs keyed by the run that produced them.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrNotFound = errors.New("artifact not found")

// Key addresses one output of one step in one run.
type Key struct {
	RunID      string
	StepName   string
	OutputName string
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(k.StepName) == "" {
		return errors.New("step name is required")
	}
	if strings.TrimSpace(k.OutputName) == "" {
		return errors.New("output name is required")
	}
	return nil
}

// ObjectKey is the object-store path of the artifact.
func (k Key) ObjectKey() string {
	return fmt.Sprintf("runs/%s/steps/%s/outputs/%s", k.RunID, k.StepName, k.OutputName)
}

func (k Key) String() string {
	return k.RunID + "/" + k.StepName + "." + k.OutputName
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	SHA256       string
	ContentType  string
	LastModified time.Time
}

// Store reads and writes step outputs. Missing artifacts return ErrNotFound.
type Store interface {
	Put(ctx context.Context, key Key, body []byte, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key Key) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key Key) (ObjectInfo, error)
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ReadAll fetches an artifact body.
func ReadAll(ctx context.Context, store Store, key Key) ([]byte, error) {
	reader, _, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
