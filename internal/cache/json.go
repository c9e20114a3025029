package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSONCache stores JSON values in Redis. A nil client turns every call into
// a miss, so callers need no redis-specific branches.
type JSONCache struct {
	client *redis.Client
}

// NewJSONCache wraps client, which may be nil.
func NewJSONCache(client *redis.Client) *JSONCache {
	return &JSONCache{client: client}
}

// GetJSON attempts to get the key from Redis and unmarshal into dest.
// Returns (true, nil) if found and unmarshaled, (false, nil) if not found.
func (c *JSONCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	s, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and sets the key with TTL.
func (c *JSONCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, b, ttl).Err()
}

// CacheAside tries Redis first, on miss it calls fetch (which must populate
// dest), then stores the result with ttl. Cache read errors fall through to fetch.
func (c *JSONCache) CacheAside(ctx context.Context, key string, dest any, ttl time.Duration, fetch func() error) error {
	if found, err := c.GetJSON(ctx, key, dest); err == nil && found {
		return nil
	}

	if err := fetch(); err != nil {
		return err
	}

	_ = c.SetJSON(ctx, key, dest, ttl)
	return nil
}

// Invalidate removes key.
func (c *JSONCache) Invalidate(ctx context.Context, key string) {
	if c != nil && c.client != nil {
		c.client.Del(ctx, key)
	}
}
