package backend

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/objectstore"
	"fireframe/internal/provider"
)

func TestStorage_UploadDuplicateAndUpsert(t *testing.T) {
	objects := objectstore.NewMemoryStore()
	s := NewStorage(objects, "http://localhost:8375/")
	ctx := context.Background()

	first := []byte("first")
	info, err := s.Upload(ctx, BucketPostImages, "posts/alice/1.png", bytes.NewReader(first), int64(len(first)), provider.UploadOptions{ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "image/png", info.ContentType)

	_, err = s.Upload(ctx, BucketPostImages, "posts/alice/1.png", bytes.NewReader(first), int64(len(first)), provider.UploadOptions{})
	require.Error(t, err)
	assert.True(t, provider.HasCode(err, provider.CodeDuplicate))
	assert.True(t, provider.IsDuplicate(err))

	second := []byte("second!")
	_, err = s.Upload(ctx, BucketPostImages, "posts/alice/1.png", bytes.NewReader(second), int64(len(second)), provider.UploadOptions{Upsert: true})
	require.NoError(t, err)

	rc, info, err := s.Download(ctx, BucketPostImages, "posts/alice/1.png")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second!", string(body))
	assert.Equal(t, int64(7), info.Size)
	assert.Equal(t, 1, objects.Count(BucketPostImages))
}

func TestStorage_DownloadMissing(t *testing.T) {
	s := NewStorage(objectstore.NewMemoryStore(), "http://localhost:8375")
	require.NoError(t, s.EnsureBuckets(context.Background(), BucketAvatars))
	_, _, err := s.Download(context.Background(), BucketAvatars, "nope.png")
	assert.True(t, provider.HasCode(err, provider.CodeNotFound))
}

func TestStorage_RejectsBadPaths(t *testing.T) {
	s := NewStorage(objectstore.NewMemoryStore(), "http://localhost:8375")
	ctx := context.Background()
	for _, tc := range []struct{ bucket, path string }{
		{"Bad_Bucket", "a.png"},
		{BucketAvatars, ""},
		{BucketAvatars, "/abs.png"},
		{BucketAvatars, "a/../b.png"},
		{BucketAvatars, "a//b.png"},
		{BucketAvatars, `a\b.png`},
	} {
		_, err := s.Upload(ctx, tc.bucket, tc.path, bytes.NewReader(nil), 0, provider.UploadOptions{})
		assert.True(t, provider.HasCode(err, provider.CodeInvalidInput), "%s/%s", tc.bucket, tc.path)
	}
}

func TestStorage_PublicURL(t *testing.T) {
	s := NewStorage(objectstore.NewMemoryStore(), "https://cdn.example.com/")
	assert.Equal(t,
		"https://cdn.example.com/storage/v1/object/public/post-images/posts/alice/1700000000000_my%20photo.png",
		s.PublicURL(BucketPostImages, "posts/alice/1700000000000_my photo.png"))
}
