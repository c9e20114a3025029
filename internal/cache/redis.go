// Package cache provides Redis client setup and small cache helpers.
package cache

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"fireframe/internal/observability"

	"github.com/redis/go-redis/v9"
)

type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// Options parses addr, which may be a redis:// URL or a bare host:port.
func Options(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// NewClient connects to Redis at addr. It returns nil when Redis is
// unreachable; callers fall back to in-process behaviour.
func NewClient(addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	opts, err := Options(addr)
	if err != nil {
		log.Printf("Redis connection warning: invalid REDIS_URL %q: %v (continuing without redis)", addr, err)
		return nil
	}

	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("Redis connection warning: %v (continuing without redis)", err)
		_ = client.Close()
		return nil
	}
	log.Println("Redis connected successfully")
	return client
}

// Instrument attaches the metrics hook to an existing client.
func Instrument(client *redis.Client) *redis.Client {
	if client != nil {
		client.AddHook(metricsHook{})
	}
	return client
}
