package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fireframe/internal/observability"
)

// ephemeralStore holds short-lived keys: revoked token ids, OAuth states and
// password recovery tokens.
type ephemeralStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Take returns and deletes key in one step.
	Take(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type redisEphemeral struct {
	rdb *redis.Client
}

func (s redisEphemeral) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		observability.RedisErrors.WithLabelValues("set").Inc()
		return err
	}
	return nil
}

func (s redisEphemeral) Take(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		observability.RedisErrors.WithLabelValues("getdel").Inc()
		return "", false, err
	}
	return v, true, nil
}

func (s redisEphemeral) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		observability.RedisErrors.WithLabelValues("exists").Inc()
		return false, err
	}
	return n > 0, nil
}

type memoryEntry struct {
	value   string
	expires time.Time
}

type memoryEphemeral struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

func newMemoryEphemeral(now func() time.Time) *memoryEphemeral {
	return &memoryEphemeral{data: make(map[string]memoryEntry), now: now}
}

func (s *memoryEphemeral) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	s.data[key] = memoryEntry{value: value, expires: s.now().Add(ttl)}
	return nil
}

func (s *memoryEphemeral) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	delete(s.data, key)
	if !ok || !s.now().Before(e.expires) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *memoryEphemeral) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	return ok && s.now().Before(e.expires), nil
}

// sweep drops expired entries. Callers hold mu.
func (s *memoryEphemeral) sweep() {
	now := s.now()
	for k, e := range s.data {
		if !now.Before(e.expires) {
			delete(s.data, k)
		}
	}
}

func newEphemeralStore(rdb *redis.Client, now func() time.Time) ephemeralStore {
	if rdb != nil {
		return redisEphemeral{rdb: rdb}
	}
	return newMemoryEphemeral(now)
}
