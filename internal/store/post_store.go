package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"fireframe/internal/models"
	"fireframe/internal/observability"
	"fireframe/internal/posts"
	"fireframe/internal/provider"
)

// PostState is the feed as the view sees it.
type PostState struct {
	Posts     []models.Post `json:"posts"`
	IsLoading bool          `json:"isLoading"`
	Error     string        `json:"error,omitempty"`
	// SubscriptionError is set when the change feed could not be joined;
	// the list is then a one-shot load that will not update.
	SubscriptionError bool `json:"subscriptionError,omitempty"`
}

func (s PostState) clone() PostState {
	s.Posts = slices.Clone(s.Posts)
	return s
}

// PostStore keeps an in-memory, newest-first post list in step with the
// posts table. Writes go to the backend only; the list changes when the
// change feed reports them.
type PostStore struct {
	api *posts.API
	log *slog.Logger

	mu    sync.Mutex
	state PostState

	views listeners[PostState]
}

// NewPostStore builds an empty store.
func NewPostStore(api *posts.API) *PostStore {
	return &PostStore{api: api, log: observability.GlobalLogger.Logger}
}

// Snapshot returns a copy of the current state.
func (s *PostStore) Snapshot() PostState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers a view listener called after every state change.
func (s *PostStore) Subscribe(fn func(PostState)) func() {
	return s.views.add(fn)
}

func (s *PostStore) update(mutate func(*PostState)) {
	s.mu.Lock()
	mutate(&s.state)
	snap := s.state.clone()
	s.mu.Unlock()
	s.views.notify(snap)
}

// InitializePosts joins the change feed, replaces the list with a full load
// and keeps it current. The returned function leaves the feed; calling it
// more than once is safe.
func (s *PostStore) InitializePosts(ctx context.Context) func() {
	s.update(func(st *PostState) {
		st.IsLoading = true
		st.Error = ""
		st.SubscriptionError = false
	})

	unsub, err := s.api.SubscribeToAllPosts(ctx, func(msg posts.FeedMessage) {
		switch msg.Type {
		case posts.FeedInitialLoad:
			s.initialLoad(ctx, msg)
		case posts.FeedRealtimeUpdate:
			s.Apply(msg.Event)
		}
	})
	if err != nil {
		s.log.WarnContext(ctx, "post feed unavailable, loading once", slog.String("error", err.Error()))
		list, loadErr := s.api.GetAllPosts(ctx)
		s.update(func(st *PostState) {
			st.IsLoading = false
			st.SubscriptionError = true
			st.Error = fmt.Sprintf("Live updates unavailable: %v", err)
			if loadErr == nil {
				st.Posts = list
			}
		})
		return func() {}
	}

	var once sync.Once
	return func() { once.Do(unsub) }
}

func (s *PostStore) initialLoad(ctx context.Context, msg posts.FeedMessage) {
	list, err := msg.Posts, msg.Err
	if err != nil {
		s.log.WarnContext(ctx, "initial post load failed, retrying once", slog.String("error", err.Error()))
		list, err = s.api.GetAllPosts(ctx)
	}
	s.update(func(st *PostState) {
		st.IsLoading = false
		if err != nil {
			st.Error = fmt.Sprintf("Failed to load posts: %v", err)
			return
		}
		st.Posts = list
	})
}

// Apply reconciles one change event into the list.
func (s *PostStore) Apply(ev provider.ChangeEvent) {
	s.mu.Lock()
	next, err := ReducePosts(s.state.Posts, ev)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("dropping undecodable change event", slog.String("event", string(ev.EventType)), slog.String("error", err.Error()))
		return
	}
	s.state.Posts = next
	snap := s.state.clone()
	s.mu.Unlock()
	s.views.notify(snap)
}

// ReducePosts applies ev to list and returns the new list. Inserts are
// prepended, or replace an entry already holding the id; updates replace
// the matching entry and are ignored for unknown ids; deletes remove the
// matching entry. list is not modified.
func ReducePosts(list []models.Post, ev provider.ChangeEvent) ([]models.Post, error) {
	switch ev.EventType {
	case provider.EventInsert, provider.EventUpdate:
		post, err := models.DecodePostRow(ev.New)
		if err != nil {
			return list, err
		}
		i := slices.IndexFunc(list, func(p models.Post) bool { return p.ID == post.ID })
		if i >= 0 {
			out := slices.Clone(list)
			out[i] = post
			return out, nil
		}
		if ev.EventType == provider.EventUpdate {
			return list, nil
		}
		out := make([]models.Post, 0, len(list)+1)
		out = append(out, post)
		return append(out, list...), nil
	case provider.EventDelete:
		id, err := ev.RecordID()
		if err != nil {
			return list, err
		}
		return slices.DeleteFunc(slices.Clone(list), func(p models.Post) bool { return p.ID == id }), nil
	}
	return list, nil
}

func (s *PostStore) begin() {
	s.update(func(st *PostState) {
		st.IsLoading = true
		st.Error = ""
	})
}

func (s *PostStore) finish(msg string, err error) {
	s.update(func(st *PostState) {
		st.IsLoading = false
		if err != nil {
			st.Error = msg + ": " + err.Error()
		}
	})
}

// AddPost creates a post. The list is not touched; the insert arrives
// through the feed.
func (s *PostStore) AddPost(ctx context.Context, in models.NewPost) (string, error) {
	s.begin()
	id, err := s.api.AddPost(ctx, in)
	s.finish("Failed to add post", err)
	return id, err
}

// UpdatePost persists changes to an existing post.
func (s *PostStore) UpdatePost(ctx context.Context, p models.Post) error {
	s.begin()
	_, err := s.api.UpdatePost(ctx, p)
	s.finish("Failed to update post", err)
	return err
}

// DeletePost removes a post.
func (s *PostStore) DeletePost(ctx context.Context, id string) error {
	s.begin()
	_, err := s.api.DeletePost(ctx, id)
	s.finish("Failed to delete post", err)
	return err
}

// Find returns the post with id from the current list.
func (s *PostStore) Find(id string) (models.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.state.Posts, func(p models.Post) bool { return p.ID == id })
	if i < 0 {
		return models.Post{}, false
	}
	return s.state.Posts[i], true
}
