package posts

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/models"
	"fireframe/internal/provider"
	"fireframe/internal/provider/providertest"
	"fireframe/internal/testutil"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T) (*API, *providertest.Fake) {
	t.Helper()
	fake := providertest.New()
	return New(fake, WithClock(func() time.Time { return fixedNow })), fake
}

func seedPost(fake *providertest.Fake, id, author string, created time.Time) {
	fake.Seed(Table, models.PostRow{ID: id, AuthorUsername: author, ImageURL: "http://img/" + id, CreatedAt: created})
}

func TestAddPost_InlineImageUploadsThenInserts(t *testing.T) {
	api, fake := newTestAPI(t)
	ctx := context.Background()

	id, err := api.AddPost(ctx, models.NewPost{
		Author:   models.PostAuthor{Username: "alice", AvatarURL: "http://a/alice.png"},
		ImageURL: testutil.PNGDataURL(t, 4, 4),
		Caption:  "sunset",
		Likes:    99,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	uploads := fake.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, Bucket, uploads[0].Bucket)
	assert.Equal(t, "posts/alice/1772366400000.png", uploads[0].Path)
	assert.Equal(t, "image/png", uploads[0].ContentType)
	assert.False(t, uploads[0].Upsert)
	assert.Equal(t, 1, fake.Calls(providertest.OpInsert))

	post, err := api.GetPost(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://fireframe.test/storage/v1/object/public/post-images/posts/alice/1772366400000.png", post.ImageURL)
	assert.Equal(t, "alice", post.Author.Username)
	assert.Equal(t, "http://a/alice.png", post.Author.AvatarURL)
	assert.Zero(t, post.Likes)
	assert.Zero(t, post.Comments)
	require.NotNil(t, post.CreatedAt)
	assert.True(t, post.CreatedAt.Equal(fixedNow))
}

func TestAddPost_FailedUploadSkipsInsert(t *testing.T) {
	api, fake := newTestAPI(t)
	fake.Fail(providertest.OpUpload, errors.New("storage down"))

	_, err := api.AddPost(context.Background(), models.NewPost{
		Author:   models.PostAuthor{Username: "alice"},
		ImageURL: testutil.PNGDataURL(t, 2, 2),
	})
	require.EqualError(t, err, "storage down")
	assert.Equal(t, 1, fake.Calls(providertest.OpUpload))
	assert.Zero(t, fake.Calls(providertest.OpInsert))
	assert.Zero(t, fake.Count(Table))
}

func TestAddPost_RemoteURLSkipsUpload(t *testing.T) {
	api, fake := newTestAPI(t)
	_, err := api.AddPost(context.Background(), models.NewPost{
		Author:   models.PostAuthor{Username: "bob"},
		ImageURL: "https://picsum.photos/600",
	})
	require.NoError(t, err)
	assert.Empty(t, fake.Uploads())
	assert.Equal(t, 1, fake.Count(Table))
}

func TestAddPost_Validation(t *testing.T) {
	api, fake := newTestAPI(t)
	ctx := context.Background()

	_, err := api.AddPost(ctx, models.NewPost{ImageURL: "https://x"})
	assert.Error(t, err)
	_, err = api.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "a/b"}, ImageURL: "https://x"})
	assert.Error(t, err)
	_, err = api.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "alice"}})
	assert.Error(t, err)
	_, err = api.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "alice"}, ImageURL: "data:image/png;base64,bm90IGFuIGltYWdl"})
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
	assert.Zero(t, fake.Calls(providertest.OpInsert))
}

func TestGetAllPosts_NewestFirst(t *testing.T) {
	api, fake := newTestAPI(t)
	seedPost(fake, "p1", "alice", fixedNow.Add(-2*time.Hour))
	seedPost(fake, "p2", "bob", fixedNow)
	seedPost(fake, "p3", "alice", fixedNow.Add(-time.Hour))

	all, err := api.GetAllPosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3", "p1"}, ids(all))

	mine, err := api.GetPostsByUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p1"}, ids(mine))
}

func TestGetAllPosts_ReturnsErrors(t *testing.T) {
	api, fake := newTestAPI(t)
	fake.Fail(providertest.OpSelect, errors.New("db down"))
	_, err := api.GetAllPosts(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestUpdateAndDeletePost(t *testing.T) {
	api, fake := newTestAPI(t)
	ctx := context.Background()
	seedPost(fake, "p1", "alice", fixedNow)

	changed, err := api.UpdatePost(ctx, models.Post{ID: "p1", Author: models.PostAuthor{Username: "alice"}, ImageURL: "http://img/new", Caption: "edited", Likes: 4, Comments: 2})
	require.NoError(t, err)
	assert.True(t, changed)

	post, err := api.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "edited", post.Caption)
	assert.Equal(t, "http://img/new", post.ImageURL)
	assert.Equal(t, 4, post.Likes)
	assert.Equal(t, 2, post.Comments)

	changed, err = api.UpdatePost(ctx, models.Post{ID: "missing"})
	require.NoError(t, err)
	assert.False(t, changed)

	removed, err := api.DeletePost(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = api.GetPost(ctx, "p1")
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestUploadImage_Paths(t *testing.T) {
	api, fake := newTestAPI(t)
	ctx := context.Background()

	url, err := api.UploadImage(ctx, bytes.NewReader(testutil.TinyPNG(t, 3, 3)), "../My Photo.png", "alice")
	require.NoError(t, err)
	assert.Equal(t, "http://fireframe.test/storage/v1/object/public/post-images/posts/alice/1772366400000_My_Photo.png", url)

	// Same millisecond, same name: the non-upsert upload conflicts.
	_, err = api.UploadImage(ctx, bytes.NewReader(testutil.TinyPNG(t, 3, 3)), "My Photo.png", "alice")
	assert.True(t, provider.IsDuplicate(err))
	assert.Len(t, fake.Uploads(), 1)

	_, err = api.UploadImage(ctx, bytes.NewReader([]byte("plain text")), "notes.txt", "alice")
	assert.Error(t, err)
}

func TestUploadImage_TooLarge(t *testing.T) {
	fake := providertest.New()
	api := New(fake, WithMaxUploadBytes(16))
	_, err := api.UploadImage(context.Background(), bytes.NewReader(testutil.TinyPNG(t, 8, 8)), "a.png", "alice")
	require.Error(t, err)
	assert.Empty(t, fake.Uploads())
}

type feedRecorder struct {
	mu   sync.Mutex
	msgs []FeedMessage
}

func (r *feedRecorder) add(m FeedMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *feedRecorder) all() []FeedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FeedMessage(nil), r.msgs...)
}

func TestSubscribeToAllPosts(t *testing.T) {
	api, fake := newTestAPI(t)
	ctx := context.Background()
	seedPost(fake, "p1", "alice", fixedNow.Add(-time.Hour))

	rec := &feedRecorder{}
	unsub, err := api.SubscribeToAllPosts(ctx, rec.add)
	require.NoError(t, err)

	_, err = api.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "bob"}, ImageURL: "http://img/b"})
	require.NoError(t, err)

	msgs := rec.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, FeedInitialLoad, msgs[0].Type)
	assert.NoError(t, msgs[0].Err)
	assert.Equal(t, []string{"p1"}, ids(msgs[0].Posts))
	assert.Equal(t, FeedRealtimeUpdate, msgs[1].Type)
	assert.Equal(t, provider.EventInsert, msgs[1].Event.EventType)

	unsub()
	unsub()
	assert.Zero(t, fake.Subscribers())
}

func TestSubscribeToAllPosts_LoadErrorStillSubscribes(t *testing.T) {
	api, fake := newTestAPI(t)
	fake.Fail(providertest.OpSelect, errors.New("select failed"))

	rec := &feedRecorder{}
	unsub, err := api.SubscribeToAllPosts(context.Background(), rec.add)
	require.NoError(t, err)
	defer unsub()

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, FeedInitialLoad, msgs[0].Type)
	assert.EqualError(t, msgs[0].Err, "select failed")
	assert.Equal(t, 1, fake.Subscribers())
}

func TestSubscribeToAllPosts_SubscribeError(t *testing.T) {
	api, fake := newTestAPI(t)
	fake.Fail(providertest.OpSubscribe, errors.New("realtime down"))
	_, err := api.SubscribeToAllPosts(context.Background(), func(FeedMessage) {})
	assert.EqualError(t, err, "realtime down")
}

func TestSubscribeToUserPosts(t *testing.T) {
	api, fake := newTestAPI(t)
	ctx := context.Background()
	seedPost(fake, "p1", "alice", fixedNow.Add(-time.Hour))
	seedPost(fake, "p2", "bob", fixedNow.Add(-time.Hour))

	var mu sync.Mutex
	var deliveries [][]string
	unsub, err := api.SubscribeToUserPosts(ctx, "alice", func(list []models.Post) {
		mu.Lock()
		deliveries = append(deliveries, ids(list))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	_, err = api.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "bob"}, ImageURL: "http://img/b2"})
	require.NoError(t, err)
	id, err := api.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "alice"}, ImageURL: "http://img/a2"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deliveries, 2)
	assert.Equal(t, []string{"p1"}, deliveries[0])
	assert.Equal(t, []string{id, "p1"}, deliveries[1])
}

func ids(list []models.Post) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}
