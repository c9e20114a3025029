// Package app owns the application state: the provider, the post and auth
// stores and the data-access services behind them. Callers build one App,
// Start it, and Close it when done.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fireframe/internal/backend"
	"fireframe/internal/cache"
	"fireframe/internal/config"
	"fireframe/internal/localstore"
	"fireframe/internal/observability"
	"fireframe/internal/posts"
	"fireframe/internal/profiles"
	"fireframe/internal/provider"
	"fireframe/internal/store"
)

// Options configures New.
type Options struct {
	// Storage keeps client state between runs; nil keeps it in memory.
	Storage        localstore.Storage
	Cache          *cache.JSONCache
	MaxUploadBytes int64
	SignInFailsafe time.Duration
	ResetRedirect  string
}

// App wires the stores to one provider.
type App struct {
	provider provider.Provider

	Posts     *posts.API
	Profiles  *profiles.Service
	PostStore *store.PostStore
	AuthStore *store.AuthStore

	log *slog.Logger

	mu      sync.Mutex
	stops   []func()
	started bool
	closed  bool
}

// New builds an App over p.
func New(p provider.Provider, opts Options) *App {
	logger := observability.GlobalLogger.Logger
	postAPI := posts.New(p, posts.WithMaxUploadBytes(opts.MaxUploadBytes), posts.WithLogger(logger))
	profileSvc := profiles.NewService(p, opts.Cache, opts.MaxUploadBytes)
	return &App{
		provider:  p,
		Posts:     postAPI,
		Profiles:  profileSvc,
		PostStore: store.NewPostStore(postAPI),
		AuthStore: store.NewAuthStore(p.Auth(), profileSvc, opts.Storage, store.AuthOptions{
			SignInFailsafe: opts.SignInFailsafe,
			ResetRedirect:  opts.ResetRedirect,
		}),
		log: logger,
	}
}

// Open connects the backend cfg describes and builds an App over it.
// Client state lives under cfg.LocalStorageDir.
func Open(ctx context.Context, cfg *config.Config) (*App, *backend.Backend, error) {
	storage, err := localstore.NewFileStorage(cfg.LocalStorageDir)
	if err != nil {
		return nil, nil, err
	}
	b, err := backend.Open(ctx, cfg, storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open backend: %w", err)
	}
	a := New(b, Options{
		Storage:        storage,
		Cache:          cache.NewJSONCache(b.Redis()),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		SignInFailsafe: cfg.SignInFailsafe(),
	})
	return a, b, nil
}

// Provider returns the provider the App was built over.
func (a *App) Provider() provider.Provider { return a.provider }

// Start restores the auth state and joins the post feed. Calling it again is
// a no-op. ctx bounds the initial loads only; the feed stays joined until
// Close.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("app: already closed")
	}
	if a.started {
		return nil
	}
	a.started = true

	feedCtx := context.WithoutCancel(ctx)
	a.stops = append(a.stops,
		a.AuthStore.Initialize(ctx),
		a.PostStore.InitializePosts(feedCtx),
	)
	a.log.InfoContext(ctx, "app started", slog.Int("posts", len(a.PostStore.Snapshot().Posts)))
	return nil
}

// Close leaves the feed, stops following auth changes and closes the
// provider.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stops := a.stops
	a.stops = nil
	a.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	return a.provider.Close()
}
