package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetStat(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureBucket(ctx, "post-images"))

	info, err := s.Put(ctx, "post-images", "posts/alice/1.png", strings.NewReader("png-bytes"), 9, PutOptions{ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size)

	st, err := s.Stat(ctx, "post-images", "posts/alice/1.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", st.ContentType)

	rc, _, err := s.Get(ctx, "post-images", "posts/alice/1.png")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, 1, s.Count("post-images"))
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Put(ctx, "missing", "k", strings.NewReader("x"), 1, PutOptions{})
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.EnsureBucket(ctx, "b"))
	_, err = s.Stat(ctx, "b", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, _, err = s.Get(ctx, "b", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Put(ctx, "b", "k", strings.NewReader("abc"), 5, PutOptions{})
	assert.Error(t, err)

	assert.NoError(t, s.Remove(ctx, "b", "nope"))
	assert.NoError(t, s.Ping(ctx))
}

func TestNewMinioStore_ValidatesEndpoint(t *testing.T) {
	_, err := NewMinioStore(MinioConfig{Endpoint: "http://bad endpoint"})
	assert.Error(t, err)

	s, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestMapMinioError(t *testing.T) {
	assert.Nil(t, mapMinioError(nil))
	plain := errors.New("boom")
	assert.Equal(t, plain, mapMinioError(plain))
}
