package artifacts

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	body []byte
	info ObjectInfo
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, key Key, body []byte, contentType string) (ObjectInfo, error) {
	if err := key.Validate(); err != nil {
		return ObjectInfo{}, err
	}
	sum := checksum(body)
	info := ObjectInfo{
		Key:          key.ObjectKey(),
		Size:         int64(len(body)),
		ETag:         sum[:32],
		SHA256:       sum,
		ContentType:  contentType,
		LastModified: s.now().UTC(),
	}
	s.mu.Lock()
	s.objects[info.Key] = memoryObject{body: append([]byte(nil), body...), info: info}
	s.mu.Unlock()
	return info, nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (io.ReadCloser, ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key.ObjectKey()]
	s.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.body)), obj.info, nil
}

func (s *MemoryStore) Stat(_ context.Context, key Key) (ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key.ObjectKey()]
	s.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return obj.info, nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
