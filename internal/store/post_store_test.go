package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/models"
	"fireframe/internal/posts"
	"fireframe/internal/provider"
	"fireframe/internal/provider/providertest"
	"fireframe/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPostStore(t *testing.T) (*PostStore, *providertest.Fake) {
	t.Helper()
	fake := providertest.New()
	api := posts.New(fake, posts.WithClock(func() time.Time { return time.Now().UTC() }))
	return NewPostStore(api), fake
}

func seed(fake *providertest.Fake, id string, created time.Time) {
	fake.Seed(posts.Table, models.PostRow{ID: id, AuthorUsername: "alice", ImageURL: "http://img/" + id, CreatedAt: created})
}

func rowEvent(t *testing.T, typ provider.EventType, row models.PostRow) provider.ChangeEvent {
	t.Helper()
	b, err := json.Marshal(row)
	require.NoError(t, err)
	ev := provider.ChangeEvent{EventType: typ, Schema: provider.DefaultSchema, Table: posts.Table}
	if typ == provider.EventDelete {
		ev.Old = b
	} else {
		ev.New = b
	}
	return ev
}

func postIDs(list []models.Post) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

func TestPostStore_InitializeLoadsNewestFirst(t *testing.T) {
	s, fake := newPostStore(t)
	seed(fake, "p1", t0.Add(-time.Hour))
	seed(fake, "p2", t0.Add(-2*time.Hour))

	stop := s.InitializePosts(context.Background())
	defer stop()

	st := s.Snapshot()
	assert.False(t, st.IsLoading)
	assert.Empty(t, st.Error)
	assert.Equal(t, []string{"p1", "p2"}, postIDs(st.Posts))

	// A new row lands at the front.
	fake.Emit(rowEvent(t, provider.EventInsert, models.PostRow{ID: "p3", AuthorUsername: "bob", ImageURL: "http://img/p3", CreatedAt: t0}))
	assert.Equal(t, []string{"p3", "p1", "p2"}, postIDs(s.Snapshot().Posts))
}

func TestPostStore_TracksTableContents(t *testing.T) {
	s, fake := newPostStore(t)
	seed(fake, "p1", t0.Add(-time.Hour))
	ctx := context.Background()

	stop := s.InitializePosts(ctx)
	defer stop()

	var created []string
	for range 3 {
		id, err := s.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "bob"}, ImageURL: "https://picsum.photos/400"})
		require.NoError(t, err)
		created = append(created, id)
	}
	require.NoError(t, s.DeletePost(ctx, created[1]))
	require.NoError(t, s.DeletePost(ctx, "p1"))

	var rows []models.PostRow
	require.NoError(t, fake.Tables().Select(ctx, posts.Table, provider.Query{}, &rows))
	want := make([]string, 0, len(rows))
	for _, r := range rows {
		want = append(want, r.ID)
	}

	got := postIDs(s.Snapshot().Posts)
	slices.Sort(want)
	slices.Sort(got)
	assert.Equal(t, want, got)
	assert.ElementsMatch(t, []string{created[0], created[2]}, got)
}

func TestPostStore_UpdateIsIdempotent(t *testing.T) {
	s, fake := newPostStore(t)
	seed(fake, "p1", t0)
	seed(fake, "p2", t0.Add(-time.Hour))
	stop := s.InitializePosts(context.Background())
	defer stop()

	ev := rowEvent(t, provider.EventUpdate, models.PostRow{ID: "p2", AuthorUsername: "alice", ImageURL: "http://img/p2", Caption: "edited", Likes: 7, CreatedAt: t0.Add(-time.Hour)})
	s.Apply(ev)
	once := s.Snapshot().Posts
	s.Apply(ev)
	twice := s.Snapshot().Posts

	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"p1", "p2"}, postIDs(twice))
	assert.Equal(t, "edited", twice[1].Caption)
	assert.Equal(t, 7, twice[1].Likes)

	// Updates for rows the list never had are dropped.
	s.Apply(rowEvent(t, provider.EventUpdate, models.PostRow{ID: "ghost", ImageURL: "x"}))
	assert.Equal(t, []string{"p1", "p2"}, postIDs(s.Snapshot().Posts))
}

func TestPostStore_DeleteUnknownIsNoop(t *testing.T) {
	s, fake := newPostStore(t)
	seed(fake, "p1", t0)
	stop := s.InitializePosts(context.Background())
	defer stop()

	before := s.Snapshot().Posts
	s.Apply(rowEvent(t, provider.EventDelete, models.PostRow{ID: "ghost"}))
	assert.Equal(t, before, s.Snapshot().Posts)
}

func TestReducePosts(t *testing.T) {
	list := []models.Post{{ID: "a"}, {ID: "b"}}

	out, err := ReducePosts(list, rowEvent(t, provider.EventInsert, models.PostRow{ID: "a", Caption: "dup"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, postIDs(out))
	assert.Equal(t, "dup", out[0].Caption)
	assert.Empty(t, list[0].Caption, "input must not be modified")

	out, err = ReducePosts(list, rowEvent(t, provider.EventDelete, models.PostRow{ID: "a"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, postIDs(out))
	assert.Len(t, list, 2)

	_, err = ReducePosts(list, provider.ChangeEvent{EventType: provider.EventInsert, New: json.RawMessage(`not json`)})
	assert.Error(t, err)
}

func TestPostStore_BadEventLeavesList(t *testing.T) {
	s, fake := newPostStore(t)
	seed(fake, "p1", t0)
	stop := s.InitializePosts(context.Background())
	defer stop()

	fake.Emit(provider.ChangeEvent{EventType: provider.EventInsert, Table: posts.Table, New: json.RawMessage(`{"id":`)})
	assert.Equal(t, []string{"p1"}, postIDs(s.Snapshot().Posts))
}

func TestPostStore_SubscribeFailureLoadsOnce(t *testing.T) {
	s, fake := newPostStore(t)
	seed(fake, "p1", t0)
	fake.Fail(providertest.OpSubscribe, errors.New("socket closed"))

	stop := s.InitializePosts(context.Background())
	stop()

	st := s.Snapshot()
	assert.False(t, st.IsLoading)
	assert.True(t, st.SubscriptionError)
	assert.Equal(t, "Live updates unavailable: socket closed", st.Error)
	assert.Equal(t, []string{"p1"}, postIDs(st.Posts))
}

func TestPostStore_LoadFailure(t *testing.T) {
	s, fake := newPostStore(t)
	fake.Fail(providertest.OpSelect, errors.New("db down"))

	stop := s.InitializePosts(context.Background())
	defer stop()

	st := s.Snapshot()
	assert.False(t, st.IsLoading)
	assert.Equal(t, "Failed to load posts: db down", st.Error)
	// Initial attempt plus one retry.
	assert.Equal(t, 2, fake.Calls(providertest.OpSelect))
	assert.Equal(t, 1, fake.Subscribers())
}

func TestPostStore_AddPostUploadsOnce(t *testing.T) {
	s, fake := newPostStore(t)
	ctx := context.Background()
	stop := s.InitializePosts(ctx)
	defer stop()

	id, err := s.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "alice"}, ImageURL: testutil.PNGDataURL(t, 3, 3)})
	require.NoError(t, err)
	assert.Len(t, fake.Uploads(), 1)
	assert.Equal(t, 1, fake.Calls(providertest.OpInsert))

	post, ok := s.Find(id)
	require.True(t, ok)
	assert.Contains(t, post.ImageURL, "/storage/v1/object/public/post-images/posts/alice/")

	fake.Fail(providertest.OpUpload, errors.New("bucket full"))
	_, err = s.AddPost(ctx, models.NewPost{Author: models.PostAuthor{Username: "alice"}, ImageURL: testutil.PNGDataURL(t, 3, 3)})
	require.Error(t, err)
	assert.Equal(t, 1, fake.Calls(providertest.OpInsert))
	st := s.Snapshot()
	assert.Equal(t, "Failed to add post: bucket full", st.Error)
	assert.False(t, st.IsLoading)
	assert.Len(t, st.Posts, 1)
}

func TestPostStore_UpdatePostThroughFeed(t *testing.T) {
	s, fake := newPostStore(t)
	seed(fake, "p1", t0)
	ctx := context.Background()
	stop := s.InitializePosts(ctx)
	defer stop()

	post, ok := s.Find("p1")
	require.True(t, ok)
	post.Caption = "golden hour"
	require.NoError(t, s.UpdatePost(ctx, post))

	got, ok := s.Find("p1")
	require.True(t, ok)
	assert.Equal(t, "golden hour", got.Caption)

	_, ok = s.Find("nope")
	assert.False(t, ok)
}

func TestPostStore_StopLeavesFeed(t *testing.T) {
	s, fake := newPostStore(t)
	stop := s.InitializePosts(context.Background())
	require.Equal(t, 1, fake.Subscribers())

	var mu sync.Mutex
	var seen int
	unsub := s.Subscribe(func(PostState) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	stop()
	stop()
	assert.Zero(t, fake.Subscribers())

	fake.Emit(rowEvent(t, provider.EventInsert, models.PostRow{ID: "late"}))
	assert.Empty(t, s.Snapshot().Posts)

	unsub()
	s.Apply(rowEvent(t, provider.EventInsert, models.PostRow{ID: "direct"}))
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, seen)
}

func TestPostStore_RandomMutationsMatchTable(t *testing.T) {
	for _, seedValue := range []int64{1, 7, 42, 2026} {
		t.Run(strconv.FormatInt(seedValue, 10), func(t *testing.T) {
			s, fake := newPostStore(t)
			ctx := context.Background()
			seed(fake, "p0", t0)
			stop := s.InitializePosts(ctx)
			defer stop()

			rnd := gofakeit.New(seedValue)
			live := []string{"p0"}
			for step := 0; step < 60; step++ {
				switch op := rnd.IntRange(0, 9); {
				case op < 4 || len(live) == 0:
					id, err := s.AddPost(ctx, models.NewPost{
						Author:   models.PostAuthor{ID: "u-1", Username: "bob"},
						ImageURL: "https://picsum.photos/400",
						Caption:  rnd.Sentence(4),
					})
					require.NoError(t, err)
					live = append(live, id)
				case op < 7:
					p, ok := s.Find(live[rnd.IntRange(0, len(live)-1)])
					require.True(t, ok)
					p.Caption = rnd.Sentence(3)
					p.Likes = rnd.IntRange(0, 500)
					require.NoError(t, s.UpdatePost(ctx, p))
				default:
					i := rnd.IntRange(0, len(live)-1)
					require.NoError(t, s.DeletePost(ctx, live[i]))
					live = slices.Delete(live, i, i+1)
				}
			}

			var rows []models.PostRow
			require.NoError(t, fake.Tables().Select(ctx, posts.Table, provider.Query{}, &rows))
			want := map[string]models.PostRow{}
			for _, r := range rows {
				want[r.ID] = r
			}

			got := s.Snapshot().Posts
			assert.ElementsMatch(t, live, postIDs(got))
			require.Len(t, got, len(want))
			for _, p := range got {
				row, ok := want[p.ID]
				require.True(t, ok, p.ID)
				assert.Equal(t, row.Caption, p.Caption, p.ID)
				assert.Equal(t, row.Likes, p.Likes, p.ID)
			}
		})
	}
}
