package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memObject struct {
	data []byte
	info Info
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]memObject)}
}

// EnsureBucket creates bucket if missing.
func (s *MemoryStore) EnsureBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]memObject)
	}
	return nil
}

// Put stores a copy of the reader's content.
func (s *MemoryStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read upload: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return Info{}, fmt.Errorf("upload size mismatch: declared %d, got %d", size, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.buckets[bucket]
	if !ok {
		return Info{}, fmt.Errorf("%w: bucket %s", ErrNotFound, bucket)
	}
	info := Info{Key: key, Size: int64(len(data)), ContentType: opts.ContentType, LastModified: time.Now().UTC()}
	objs[key] = memObject{data: data, info: info}
	return info, nil
}

// Stat returns object metadata or ErrNotFound.
func (s *MemoryStore) Stat(_ context.Context, bucket, key string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return obj.info, nil
}

// Get returns a reader over the stored bytes.
func (s *MemoryStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, Info{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

// Remove deletes an object. Removing a missing object is not an error.
func (s *MemoryStore) Remove(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Count returns the number of objects in bucket.
func (s *MemoryStore) Count(bucket string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets[bucket])
}
