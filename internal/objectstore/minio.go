package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for a MinIO or S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// MinioStore wraps a MinIO client for file storage.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinioStore creates a client for cfg. Buckets are created lazily by EnsureBucket.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

// EnsureBucket creates bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("minio bucket check: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		// Another instance may have created it between the check and the call.
		if exists, checkErr := s.client.BucketExists(ctx, bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("minio make bucket: %w", err)
	}
	return nil
}

// Put stores the reader under key.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) (Info, error) {
	info, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		return Info{}, mapMinioError(err)
	}
	return Info{Key: info.Key, Size: info.Size, ContentType: opts.ContentType, LastModified: info.LastModified}, nil
}

// Stat returns object metadata or ErrNotFound.
func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (Info, error) {
	oi, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, mapMinioError(err)
	}
	return Info{Key: oi.Key, Size: oi.Size, ContentType: oi.ContentType, LastModified: oi.LastModified}, nil
}

// Get opens the object for reading. The caller closes the reader.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, Info, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, mapMinioError(err)
	}
	oi, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, Info{}, mapMinioError(err)
	}
	return obj, Info{Key: oi.Key, Size: oi.Size, ContentType: oi.ContentType, LastModified: oi.LastModified}, nil
}

// Remove deletes an object.
func (s *MinioStore) Remove(ctx context.Context, bucket, key string) error {
	return mapMinioError(s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

// Ping checks that the endpoint answers.
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.ListBuckets(ctx)
	return err
}

func mapMinioError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	}
	return err
}
