// Package backend is the concrete provider.Provider: PostgreSQL (or sqlite
// in emulator mode) through gorm for tables and identities, Redis pub/sub for
// the change feed, MinIO for objects and signed JWT sessions for auth.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"fireframe/internal/cache"
	"fireframe/internal/config"
	"fireframe/internal/database"
	"fireframe/internal/localstore"
	"fireframe/internal/objectstore"
	"fireframe/internal/provider"
)

// Options wires a Backend from already-open resources.
type Options struct {
	Config *config.Config
	DB     *gorm.DB
	// Redis is optional; without it realtime and token state stay in-process.
	Redis   *redis.Client
	Objects objectstore.Store
	// Session persists the client session; nil keeps it in memory.
	Session localstore.Storage
	Mailer  Mailer
}

// Backend implements provider.Provider.
type Backend struct {
	cfg      *config.Config
	db       *gorm.DB
	rdb      *redis.Client
	objects  objectstore.Store
	service  *AuthService
	auth     *AuthClient
	tables   *Tables
	storage  *Storage
	realtime *Realtime
}

var _ provider.Provider = (*Backend)(nil)

// New assembles a Backend.
func New(opts Options) (*Backend, error) {
	if opts.Config == nil {
		return nil, errors.New("backend: config is required")
	}
	if opts.DB == nil {
		return nil, errors.New("backend: database is required")
	}
	if opts.Objects == nil {
		return nil, errors.New("backend: object store is required")
	}
	rt := NewRealtime(opts.Redis)
	service := NewAuthService(opts.DB, opts.Redis, opts.Config, opts.Mailer)
	return &Backend{
		cfg:      opts.Config,
		db:       opts.DB,
		rdb:      opts.Redis,
		objects:  opts.Objects,
		service:  service,
		auth:     NewAuthClient(service, opts.Session),
		tables:   NewTables(opts.DB, rt),
		storage:  NewStorage(opts.Objects, opts.Config.PublicBaseURL()),
		realtime: rt,
	}, nil
}

// Open connects to every resource cfg names. In emulator mode that is a
// sqlite file, in-process object storage and in-process realtime.
func Open(ctx context.Context, cfg *config.Config, session localstore.Storage) (*Backend, error) {
	db, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	var objects objectstore.Store
	if cfg.UseEmulator {
		objects = objectstore.NewMemoryStore()
	} else {
		rdb = cache.NewClient(cfg.RedisURL)
		objects, err = objectstore.NewMinioStore(objectstore.MinioConfig{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			UseSSL:    cfg.StorageUseSSL,
			Region:    cfg.StorageRegion,
		})
		if err != nil {
			_ = database.Close(db)
			if rdb != nil {
				_ = rdb.Close()
			}
			return nil, err
		}
	}

	b, err := New(Options{Config: cfg, DB: db, Redis: rdb, Objects: objects, Session: session})
	if err != nil {
		return nil, err
	}
	if err := b.storage.EnsureBuckets(ctx, BucketPostImages, BucketAvatars); err != nil {
		// Buckets are created again on first upload.
		slog.WarnContext(ctx, "object storage not ready", slog.String("error", err.Error()))
	}
	return b, nil
}

func (b *Backend) Auth() provider.Auth         { return b.auth }
func (b *Backend) Tables() provider.Tables     { return b.tables }
func (b *Backend) Storage() provider.Storage   { return b.storage }
func (b *Backend) Realtime() provider.Realtime { return b.realtime }

// AuthService exposes the stateless auth API for servers that verify
// tokens issued to many clients.
func (b *Backend) AuthService() *AuthService { return b.service }

// Config returns the configuration the backend was built with.
func (b *Backend) Config() *config.Config { return b.cfg }

// DB returns the underlying database handle.
func (b *Backend) DB() *gorm.DB { return b.db }

// Redis returns the Redis client, or nil.
func (b *Backend) Redis() *redis.Client { return b.rdb }

// Health pings every backing resource. A nil entry means healthy; redis is
// only reported when configured.
func (b *Backend) Health(ctx context.Context) map[string]error {
	out := map[string]error{
		"database": database.Ping(ctx, b.db),
		"storage":  b.storage.Ping(ctx),
	}
	if b.rdb != nil {
		out["redis"] = b.rdb.Ping(ctx).Err()
	}
	return out
}

// Close releases the database pool and Redis client.
func (b *Backend) Close() error {
	var errs []error
	if b.rdb != nil {
		if err := b.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := database.Close(b.db); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
