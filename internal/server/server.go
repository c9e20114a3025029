// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "fireframe/docs" // swagger docs
	"fireframe/internal/app"
	"fireframe/internal/config"
	"fireframe/internal/featureflags"
	"fireframe/internal/middleware"
	"fireframe/internal/models"
	"fireframe/internal/notifications"
	"fireframe/internal/posts"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
)

// AuthAPI is the stateless authentication surface the handlers need.
// backend.AuthService implements it.
type AuthAPI interface {
	middleware.TokenVerifier
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*models.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error)
	Revoke(ctx context.Context, accessToken string) error
	AuthorizeURL(ctx context.Context, providerName, redirectTo string) (string, error)
	Exchange(ctx context.Context, providerName, code, state string) (*models.Session, string, error)
	RequestRecovery(ctx context.Context, email, redirectTo string) error
	ResetPassword(ctx context.Context, recoveryToken, newPassword string) error
	DefaultRecoveryRedirect() string
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	state          *app.App
	auth           AuthAPI
	redis          *redis.Client
	limiter        *middleware.RateLimiter
	feed           *notifications.FeedHub
	featureFlags   *featureflags.Manager
	promMiddleware *fiberprometheus.FiberPrometheus
	log            *slog.Logger
	http           *fiber.App
}

// NewServer opens the backend cfg describes and builds a server over it.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	a, b, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("backend connection failed: %w", err)
	}
	return NewServerWithDeps(cfg, a, b.AuthService(), b.Redis()), nil
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil; per-route limits then follow each rule's fail policy.
func NewServerWithDeps(cfg *config.Config, a *app.App, auth AuthAPI, redisClient *redis.Client) *Server {
	return &Server{
		config:         cfg,
		state:          a,
		auth:           auth,
		redis:          redisClient,
		limiter:        middleware.NewRateLimiter(redisClient, cfg.Env),
		feed:           notifications.NewFeedHub(posts.Table),
		featureFlags:   featureflags.NewManager(cfg.FeatureFlags),
		promMiddleware: middleware.InitMetrics("fireframe-api"),
		log:            middleware.Logger,
	}
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	app.Use(cors.New(cors.Config{
		AllowOrigins:     s.allowedOrigins(),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, apikey, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	app.Get("/swagger/*", swagger.HandlerDefault)
	app.Get("/storage/v1/object/public/:bucket/*", s.ServePublicObject)

	// The OAuth provider redirects the browser here, so no API key is sent.
	app.Get("/api/auth/callback/:provider", s.featureGate(featureflags.OAuth), s.OAuthCallback)

	api := app.Group("/api", middleware.APIKeyRequired(s.config.AnonKey, s.config.ServiceRoleKey))
	authRequired := middleware.AuthRequired(s.auth)

	api.Get("/feature-flags", s.optionalViewer(), s.GetFeatureFlags)

	auth := api.Group("/auth")
	auth.Post("/signup", s.limiter.Limit(middleware.SignupRate), s.Signup)
	auth.Post("/login", s.limiter.Limit(middleware.LoginRate), s.Login)
	auth.Post("/logout", authRequired, s.Logout)
	auth.Post("/recover", s.limiter.Limit(middleware.RecoverRate), s.Recover)
	auth.Post("/reset-password", s.limiter.Limit(middleware.ResetPasswordRate), s.ResetPassword)
	auth.Get("/oauth/:provider", s.featureGate(featureflags.OAuth), s.OAuthStart)

	users := api.Group("/users")
	users.Get("/me", authRequired, s.GetMyProfile)
	users.Patch("/me", authRequired, s.UpdateMyProfile)
	users.Post("/me/avatar", authRequired, s.limiter.Limit(middleware.AvatarRate), s.UploadMyAvatar)
	// Specific /:username/:resource routes before the generic /:username route
	users.Get("/:username/posts", s.GetUserPosts)
	users.Get("/:username", s.GetUserProfile)

	postsGroup := api.Group("/posts")
	postsGroup.Get("/", s.GetPosts)
	postsGroup.Post("/", authRequired, s.limiter.Limit(middleware.CreatePostRate), s.CreatePost)
	postsGroup.Put("/:id", authRequired, s.UpdatePost)
	postsGroup.Delete("/:id", authRequired, s.DeletePost)

	ws := api.Group("/ws")
	ws.Get("/feed", s.optionalViewer(), s.featureGate(featureflags.WSFeed), s.FeedUpgrade, s.FeedWebsocketHandler())
}

const defaultOrigins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"

func (s *Server) allowedOrigins() string {
	if s.config.AllowedOrigins == "" {
		return defaultOrigins
	}
	return s.config.AllowedOrigins
}

// Handler builds the Fiber app on first use.
func (s *Server) Handler() *fiber.App {
	if s.http != nil {
		return s.http
	}
	bodyLimit := int(s.config.MaxUploadBytes()) + 1<<20
	if bodyLimit < 4<<20 {
		bodyLimit = 4 << 20
	}
	app := fiber.New(fiber.Config{
		AppName:   "FireFrame API",
		BodyLimit: bodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			s.log.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.http = app
	return app
}

// LivenessCheck handles GET /health/live
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck runs the capability diagnostics and the database, redis and
// object-store pings.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	report := s.state.Diagnose(ctx)
	status := fiber.StatusOK
	overall := "healthy"
	if !report.OK {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": report.Checks,
		"time":   time.Now(),
	})
}

// Start loads the feed, joins the change feed for websocket viewers and
// listens on the configured port. It blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.state.Start(ctx); err != nil {
		return err
	}
	if err := s.feed.Start(ctx, s.state.Provider().Realtime()); err != nil {
		return fmt.Errorf("start feed hub: %w", err)
	}
	s.log.InfoContext(ctx, "server starting", slog.String("port", s.config.Port))
	return s.Handler().Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		if err := s.http.ShutdownWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}
	if err := s.feed.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown %s: %w", s.feed.Name(), err))
	}
	if err := s.state.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close app: %w", err))
	}
	s.log.InfoContext(ctx, "server shutdown complete")
	return errors.Join(errs...)
}
