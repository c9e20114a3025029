package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"fireframe/internal/cache"
	"fireframe/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// FailPolicy decides what a rule does when Redis cannot be reached.
type FailPolicy int

const (
	// FailOpen admits the request.
	FailOpen FailPolicy = iota
	// FailClosed answers 503.
	FailClosed
)

// RateRule caps one named action at Limit hits per Window for each caller.
type RateRule struct {
	Name   string
	Limit  int
	Window time.Duration
	Policy FailPolicy
}

// Rules for the endpoints that create accounts, sessions or content.
var (
	SignupRate        = RateRule{Name: "signup", Limit: 3, Window: 10 * time.Minute}
	LoginRate         = RateRule{Name: "login", Limit: 10, Window: 5 * time.Minute}
	RecoverRate       = RateRule{Name: "recover", Limit: 3, Window: 10 * time.Minute, Policy: FailClosed}
	ResetPasswordRate = RateRule{Name: "reset_password", Limit: 5, Window: 10 * time.Minute, Policy: FailClosed}
	AvatarRate        = RateRule{Name: "avatar", Limit: 10, Window: 10 * time.Minute}
	CreatePostRate    = RateRule{Name: "create_post", Limit: 10, Window: 5 * time.Minute}
)

var errNoRateStore = errors.New("rate limit store not configured")

// RateDecision is the outcome of one counted hit.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter counts hits in Redis under cache.RateLimitKey. It admits
// everything in development, test and stress environments.
type RateLimiter struct {
	rdb     *redis.Client
	enabled bool
}

// NewRateLimiter builds a limiter for env (the APP_ENV value). rdb may be nil.
func NewRateLimiter(rdb *redis.Client, env string) *RateLimiter {
	switch env {
	case "", "development", "dev", "test", "stress":
		return &RateLimiter{rdb: rdb}
	}
	return &RateLimiter{rdb: rdb, enabled: true}
}

// Allow counts one hit of rule by subject.
func (l *RateLimiter) Allow(ctx context.Context, rule RateRule, subject string) (RateDecision, error) {
	if !l.enabled {
		return RateDecision{Allowed: true, Remaining: rule.Limit}, nil
	}
	if l.rdb == nil {
		return RateDecision{}, errNoRateStore
	}

	key := cache.RateLimitKey(rule.Name, subject)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return RateDecision{}, err
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, rule.Window).Err(); err != nil {
			return RateDecision{}, err
		}
	}

	d := RateDecision{Allowed: n <= int64(rule.Limit), Remaining: max(rule.Limit-int(n), 0)}
	if !d.Allowed {
		d.RetryAfter = rule.Window
		if ttl, err := l.rdb.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
			d.RetryAfter = ttl
		}
	}
	return d, nil
}

// Limit enforces rule per signed-in user, or per client IP for anonymous
// callers, and reports the budget in X-RateLimit-* headers.
func (l *RateLimiter) Limit(rule RateRule) fiber.Handler {
	return func(c *fiber.Ctx) error {
		subject := "ip:" + c.IP()
		if uid, ok := c.Locals(LocalUserID).(string); ok && uid != "" {
			subject = "user:" + uid
		}

		d, err := l.Allow(c.UserContext(), rule, subject)
		if err != nil {
			Logger.WarnContext(c.UserContext(), "rate limit check failed",
				slog.String("rule", rule.Name),
				slog.Bool("fail_closed", rule.Policy == FailClosed),
				slog.String("error", err.Error()))
			if rule.Policy == FailClosed {
				return models.RespondWithError(c, fiber.StatusServiceUnavailable,
					&models.AppError{Code: "RATE_LIMIT_UNAVAILABLE", Message: "Rate limiting is unavailable, please retry shortly"})
			}
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int((d.RetryAfter+time.Second-1)/time.Second)))
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				&models.AppError{Code: "RATE_LIMITED", Message: "Too many " + rule.Name + " attempts, please try again later"})
		}
		return c.Next()
	}
}
