package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"fireframe/internal/objectstore"
	"fireframe/internal/observability"
	"fireframe/internal/provider"
)

// Buckets used by the application.
const (
	BucketPostImages = "post-images"
	BucketAvatars    = "avatars"
)

var bucketRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Storage exposes an objectstore.Store as bucketed storage with public URLs
// of the form {baseURL}/storage/v1/object/public/{bucket}/{path}.
type Storage struct {
	objects objectstore.Store
	baseURL string

	mu      sync.Mutex
	ensured map[string]bool
}

// NewStorage wraps objects. baseURL is the public project URL.
func NewStorage(objects objectstore.Store, baseURL string) *Storage {
	return &Storage{
		objects: objects,
		baseURL: strings.TrimRight(baseURL, "/"),
		ensured: make(map[string]bool),
	}
}

// EnsureBuckets creates the given buckets up front.
func (s *Storage) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, b := range buckets {
		if err := s.ensure(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) ensure(ctx context.Context, bucket string) error {
	s.mu.Lock()
	done := s.ensured[bucket]
	s.mu.Unlock()
	if done {
		return nil
	}
	if err := s.objects.EnsureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	s.mu.Lock()
	s.ensured[bucket] = true
	s.mu.Unlock()
	return nil
}

func checkObjectPath(bucket, path string) error {
	if !bucketRe.MatchString(bucket) {
		return &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("invalid bucket %q", bucket)}
	}
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "\\") {
		return &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("invalid object path %q", path)}
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return &provider.Error{Code: provider.CodeInvalidInput, Message: fmt.Sprintf("invalid object path %q", path)}
		}
	}
	return nil
}

// Upload stores r at bucket/path. Without opts.Upsert an existing object
// fails with provider.CodeDuplicate.
func (s *Storage) Upload(ctx context.Context, bucket, path string, r io.Reader, size int64, opts provider.UploadOptions) (provider.ObjectInfo, error) {
	if err := checkObjectPath(bucket, path); err != nil {
		return provider.ObjectInfo{}, err
	}
	span, ctx := observability.StartProviderSpan(ctx, "storage", "upload", bucket)
	defer span.End()

	result := "error"
	defer func() { observability.StorageUploads.WithLabelValues(bucket, result).Inc() }()

	if err := s.ensure(ctx, bucket); err != nil {
		span.SetError(err)
		return provider.ObjectInfo{}, err
	}

	// The existence check and the write are not atomic; two concurrent
	// non-upsert uploads to one path can both succeed.
	if !opts.Upsert {
		_, err := s.objects.Stat(ctx, bucket, path)
		switch {
		case err == nil:
			result = "duplicate"
			return provider.ObjectInfo{}, &provider.Error{Code: provider.CodeDuplicate, Message: "The resource already exists"}
		case !errors.Is(err, objectstore.ErrNotFound):
			span.SetError(err)
			return provider.ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, path, err)
		}
	}

	info, err := s.objects.Put(ctx, bucket, path, r, size, objectstore.PutOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		span.SetError(err)
		return provider.ObjectInfo{}, fmt.Errorf("upload %s/%s: %w", bucket, path, err)
	}
	result = "ok"
	return provider.ObjectInfo{Bucket: bucket, Path: path, Size: info.Size, ContentType: info.ContentType}, nil
}

// Download opens bucket/path. A missing object is a provider.CodeNotFound error.
func (s *Storage) Download(ctx context.Context, bucket, path string) (io.ReadCloser, provider.ObjectInfo, error) {
	if err := checkObjectPath(bucket, path); err != nil {
		return nil, provider.ObjectInfo{}, err
	}
	rc, info, err := s.objects.Get(ctx, bucket, path)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, provider.ObjectInfo{}, &provider.Error{Code: provider.CodeNotFound, Message: "Object not found", Err: err}
	}
	if err != nil {
		return nil, provider.ObjectInfo{}, fmt.Errorf("download %s/%s: %w", bucket, path, err)
	}
	return rc, provider.ObjectInfo{Bucket: bucket, Path: path, Size: info.Size, ContentType: info.ContentType}, nil
}

// PublicURL builds the public address of an object.
func (s *Storage) PublicURL(bucket, path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/storage/v1/object/public/" + url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

// Ping checks the object store.
func (s *Storage) Ping(ctx context.Context) error {
	return s.objects.Ping(ctx)
}
