// Package objectstore stores uploaded files in buckets. MinIO backs it in
// deployments; the in-memory store backs the emulator and tests.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a bucket or object does not exist.
var ErrNotFound = errors.New("object not found")

// Info describes a stored object.
type Info struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store is bucketed object storage.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) (Info, error)
	Stat(ctx context.Context, bucket, key string) (Info, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, Info, error)
	Remove(ctx context.Context, bucket, key string) error
	Ping(ctx context.Context) error
}

// PutOptions carries object metadata.
type PutOptions struct {
	ContentType  string
	CacheControl string
}
