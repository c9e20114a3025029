// Package posts is the request/response data access for the feed. It
// translates between models.Post and the posts table and moves inline images
// into object storage before rows reference them.
package posts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"fireframe/internal/media"
	"fireframe/internal/models"
	"fireframe/internal/observability"
	"fireframe/internal/provider"
)

const (
	// Table is the posts table name.
	Table = "posts"
	// Bucket holds post images.
	Bucket = "post-images"

	defaultMaxUpload = 10 << 20
)

// FeedMessageType tags a message delivered to an all-posts subscriber.
type FeedMessageType string

const (
	FeedInitialLoad    FeedMessageType = "INITIAL_LOAD"
	FeedRealtimeUpdate FeedMessageType = "REALTIME_UPDATE"
)

// FeedMessage is one delivery of SubscribeToAllPosts. INITIAL_LOAD carries
// Posts or Err; REALTIME_UPDATE carries Event.
type FeedMessage struct {
	Type  FeedMessageType
	Posts []models.Post
	Err   error
	Event provider.ChangeEvent
}

// API is stateless post access over a provider.
type API struct {
	p         provider.Provider
	maxUpload int64
	now       func() time.Time
	log       *slog.Logger
}

// Option customizes an API.
type Option func(*API)

// WithMaxUploadBytes bounds image uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxUpload = n
		}
	}
}

// WithClock replaces the time source used for created_at and upload paths.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// WithLogger sets the logger provider errors are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// New builds the API.
func New(p provider.Provider, opts ...Option) *API {
	a := &API{
		p:         p,
		maxUpload: defaultMaxUpload,
		now:       func() time.Time { return time.Now().UTC() },
		log:       observability.GlobalLogger.Logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *API) fail(ctx context.Context, span *observability.Span, op string, err error) error {
	span.SetError(err)
	a.log.ErrorContext(ctx, "post operation failed", slog.String("operation", op), slog.String("error", err.Error()))
	return err
}

func checkUsername(username string) error {
	if username == "" || strings.ContainsAny(username, "/\\") || username == "." || username == ".." {
		return models.NewValidationError("Invalid author username")
	}
	return nil
}

// AddPost stores a new post and returns its id. An inline data: image is
// uploaded first and the row references its public URL; a failed upload
// means no row is written.
func (a *API) AddPost(ctx context.Context, in models.NewPost) (string, error) {
	span, ctx := observability.NewSpan(ctx, "posts.AddPost")
	defer span.End()

	if err := checkUsername(in.Author.Username); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.ImageURL) == "" {
		return "", models.NewValidationError("Image is required")
	}

	imageURL := in.ImageURL
	if media.IsDataURL(imageURL) {
		uploaded, err := a.UploadBase64Image(ctx, imageURL, in.Author.Username)
		if err != nil {
			return "", err
		}
		imageURL = uploaded
	}

	row := &models.PostRow{
		AuthorID:        in.Author.ID,
		AuthorUsername:  in.Author.Username,
		AuthorAvatarURL: in.Author.AvatarURL,
		ImageURL:        imageURL,
		Caption:         in.Caption,
		CreatedAt:       a.now(),
	}
	if err := a.p.Tables().Insert(ctx, Table, row); err != nil {
		return "", a.fail(ctx, span, "insert", err)
	}
	span.AddAttributes(attribute.String("post.id", row.ID))
	return row.ID, nil
}

// GetAllPosts returns every post, newest first.
func (a *API) GetAllPosts(ctx context.Context) ([]models.Post, error) {
	span, ctx := observability.NewSpan(ctx, "posts.GetAllPosts")
	defer span.End()

	var rows []models.PostRow
	if err := a.p.Tables().Select(ctx, Table, provider.Query{}.OrderBy("created_at", false), &rows); err != nil {
		return nil, a.fail(ctx, span, "select", err)
	}
	return models.RowsToPosts(rows), nil
}

// GetPostsByUser returns username's posts, newest first.
func (a *API) GetPostsByUser(ctx context.Context, username string) ([]models.Post, error) {
	span, ctx := observability.NewSpan(ctx, "posts.GetPostsByUser")
	defer span.End()

	var rows []models.PostRow
	q := provider.Query{}.Where("author_username", username).OrderBy("created_at", false)
	if err := a.p.Tables().Select(ctx, Table, q, &rows); err != nil {
		return nil, a.fail(ctx, span, "select_by_user", err)
	}
	return models.RowsToPosts(rows), nil
}

// GetPost returns one post.
func (a *API) GetPost(ctx context.Context, id string) (models.Post, error) {
	var row models.PostRow
	if err := a.p.Tables().SelectSingle(ctx, Table, provider.Query{}.Where("id", id), &row); err != nil {
		if provider.IsNoRows(err) {
			return models.Post{}, models.NewNotFoundError("Post", id)
		}
		return models.Post{}, err
	}
	return models.RowToPost(row), nil
}

// UpdatePost persists caption, image and counters. An inline image is
// uploaded first. It reports whether a row was changed.
func (a *API) UpdatePost(ctx context.Context, p models.Post) (bool, error) {
	span, ctx := observability.NewSpan(ctx, "posts.UpdatePost")
	defer span.End()

	if p.ID == "" {
		return false, models.NewValidationError("Post id is required")
	}
	imageURL := p.ImageURL
	if media.IsDataURL(imageURL) {
		uploaded, err := a.UploadBase64Image(ctx, imageURL, p.Author.Username)
		if err != nil {
			return false, err
		}
		imageURL = uploaded
	}
	values := map[string]any{
		"caption":    p.Caption,
		"image_url":  imageURL,
		"likes":      p.Likes,
		"comments":   p.Comments,
		"updated_at": a.now(),
	}
	n, err := a.p.Tables().Update(ctx, Table, values, provider.Eq("id", p.ID))
	if err != nil {
		return false, a.fail(ctx, span, "update", err)
	}
	return n > 0, nil
}

// DeletePost removes a post. It reports whether a row was removed.
func (a *API) DeletePost(ctx context.Context, id string) (bool, error) {
	span, ctx := observability.NewSpan(ctx, "posts.DeletePost")
	defer span.End()

	n, err := a.p.Tables().Delete(ctx, Table, provider.Eq("id", id))
	if err != nil {
		return false, a.fail(ctx, span, "delete", err)
	}
	return n > 0, nil
}

// UploadImage validates an image read from r and stores it at
// posts/{username}/{unixMillis}_{filename}. It returns the public URL.
func (a *API) UploadImage(ctx context.Context, r io.Reader, filename, username string) (string, error) {
	if err := checkUsername(username); err != nil {
		return "", err
	}
	content, err := io.ReadAll(io.LimitReader(r, a.maxUpload+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	img, err := media.Prepare(content, "", a.maxUpload)
	if err != nil {
		return "", err
	}
	objectPath := fmt.Sprintf("posts/%s/%d_%s", username, a.now().UnixMilli(), safeFilename(filename, img.ContentType))
	return a.store(ctx, objectPath, img)
}

// UploadBase64Image decodes an inline data: URL and stores it at
// posts/{username}/{unixMillis}.png. It returns the public URL.
func (a *API) UploadBase64Image(ctx context.Context, dataURL, username string) (string, error) {
	if err := checkUsername(username); err != nil {
		return "", err
	}
	parsed, err := media.ParseDataURL(dataURL)
	if err != nil {
		return "", models.NewValidationError("Invalid image data URL")
	}
	img, err := media.Prepare(parsed.Data, parsed.MediaType, a.maxUpload)
	if err != nil {
		return "", err
	}
	objectPath := fmt.Sprintf("posts/%s/%d.png", username, a.now().UnixMilli())
	return a.store(ctx, objectPath, img)
}

func (a *API) store(ctx context.Context, objectPath string, img *media.Image) (string, error) {
	span, ctx := observability.NewSpan(ctx, "posts.UploadImage")
	defer span.End()
	span.AddAttributes(attribute.String("storage.path", objectPath))

	_, err := a.p.Storage().Upload(ctx, Bucket, objectPath, bytes.NewReader(img.Content), int64(len(img.Content)), provider.UploadOptions{
		ContentType:  img.ContentType,
		CacheControl: "3600",
	})
	if err != nil {
		return "", a.fail(ctx, span, "upload", err)
	}
	return a.p.Storage().PublicURL(Bucket, objectPath), nil
}

func safeFilename(filename, contentType string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		out = "image." + media.Extension("", contentType)
	}
	return out
}

// SubscribeToAllPosts loads every post and then relays each change to the
// posts table. fn first receives INITIAL_LOAD, with the posts or the load
// error, then one REALTIME_UPDATE per event. Events that arrive during the
// load are held back and delivered right after it. Calls to fn never overlap.
func (a *API) SubscribeToAllPosts(ctx context.Context, fn func(FeedMessage)) (provider.Unsubscribe, error) {
	var (
		mu      sync.Mutex
		loaded  bool
		pending []provider.ChangeEvent
	)
	unsub, err := a.p.Realtime().Subscribe(ctx, provider.Subscription{Table: Table}, func(ev provider.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		if !loaded {
			pending = append(pending, ev)
			return
		}
		fn(FeedMessage{Type: FeedRealtimeUpdate, Event: ev})
	})
	if err != nil {
		a.log.ErrorContext(ctx, "posts subscription failed", slog.String("error", err.Error()))
		return nil, err
	}

	all, loadErr := a.GetAllPosts(ctx)

	mu.Lock()
	defer mu.Unlock()
	fn(FeedMessage{Type: FeedInitialLoad, Posts: all, Err: loadErr})
	for _, ev := range pending {
		fn(FeedMessage{Type: FeedRealtimeUpdate, Event: ev})
	}
	pending = nil
	loaded = true
	return unsub, nil
}

// SubscribeToUserPosts delivers username's posts now and again after every
// change to one of them.
func (a *API) SubscribeToUserPosts(ctx context.Context, username string, fn func([]models.Post)) (provider.Unsubscribe, error) {
	if err := checkUsername(username); err != nil {
		return nil, err
	}
	var mu sync.Mutex
	refresh := func() {
		list, err := a.GetPostsByUser(ctx, username)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fn(list)
	}

	filter := provider.Eq("author_username", username).String()
	unsub, err := a.p.Realtime().Subscribe(ctx, provider.Subscription{Table: Table, Filter: filter}, func(provider.ChangeEvent) {
		refresh()
	})
	if err != nil {
		a.log.ErrorContext(ctx, "user posts subscription failed", slog.String("username", username), slog.String("error", err.Error()))
		return nil, err
	}
	refresh()
	return unsub, nil
}
