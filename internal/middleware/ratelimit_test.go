package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

var testRule = RateRule{Name: "login", Limit: 2, Window: time.Minute}

func TestNewRateLimiter_DisabledOutsideDeployments(t *testing.T) {
	for _, env := range []string{"", "test", "development", "dev", "stress"} {
		t.Run(env, func(t *testing.T) {
			l := NewRateLimiter(nil, env)
			for i := 0; i < 5; i++ {
				d, err := l.Allow(context.Background(), testRule, "ip:1.2.3.4")
				require.NoError(t, err)
				assert.True(t, d.Allowed)
			}
		})
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewRateLimiter(rdb, "production")
	ctx := context.Background()

	d, err := l.Allow(ctx, testRule, "user:u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.True(t, mr.Exists("ratelimit:login:user:u1"))
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:login:user:u1"))

	d, err = l.Allow(ctx, testRule, "user:u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	mr.FastForward(20 * time.Second)
	d, err = l.Allow(ctx, testRule, "user:u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	// Other callers have their own budget.
	d, err = l.Allow(ctx, testRule, "user:u2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	mr.FastForward(time.Minute)
	d, err = l.Allow(ctx, testRule, "user:u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_NoStore(t *testing.T) {
	_, err := NewRateLimiter(nil, "staging").Allow(context.Background(), testRule, "ip:1.2.3.4")
	assert.ErrorIs(t, err, errNoRateStore)
}

func limitedApp(l *RateLimiter, rule RateRule, userID string) *fiber.App {
	app := fiber.New()
	app.Post("/x", func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals(LocalUserID, userID)
		}
		return c.Next()
	}, l.Limit(rule), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestLimit_HeadersAndBlock(t *testing.T) {
	mr, rdb := newRedis(t)
	app := limitedApp(NewRateLimiter(rdb, "production"), testRule, "u1")

	for want := 1; want >= 0; want-- {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/x", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(want), resp.Header.Get("X-RateLimit-Remaining"))
	}

	mr.FastForward(30 * time.Second)
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/x", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get(fiber.HeaderRetryAfter))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.True(t, mr.Exists("ratelimit:login:user:u1"))
}

func TestLimit_AnonymousCallersKeyedByIP(t *testing.T) {
	mr, rdb := newRedis(t)
	app := limitedApp(NewRateLimiter(rdb, "production"), testRule, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/x", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.True(t, mr.Exists("ratelimit:login:ip:0.0.0.0"))
}

func TestLimit_StoreFailure(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		mr, rdb := newRedis(t)
		mr.Close()
		app := limitedApp(NewRateLimiter(rdb, "production"), testRule, "u1")

		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/x", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	})

	t.Run("fail closed", func(t *testing.T) {
		mr, rdb := newRedis(t)
		mr.Close()
		app := limitedApp(NewRateLimiter(rdb, "production"), RecoverRate, "u1")

		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/x", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	})
}
