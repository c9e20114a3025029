// Package bootstrap holds the process setup shared by the fireframe commands:
// configuration, the structured logger and tracing.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"fireframe/internal/app"
	"fireframe/internal/backend"
	"fireframe/internal/config"
	"fireframe/internal/middleware"
	"fireframe/internal/observability"
)

// Version is stamped into traces and the CLI.
var Version = "dev"

// Options control runtime initialization behavior.
type Options struct {
	// Service names the process in logs and traces.
	Service string
	// LogOutput defaults to stdout.
	LogOutput io.Writer
	// LogLevel is one of debug, info, warn, error. Empty means info.
	LogLevel string
}

// Runtime is the initialized process state.
type Runtime struct {
	Config *config.Config
	Log    *slog.Logger

	stopTracing func(context.Context) error
}

// Init loads the configuration and initializes the runtime from it.
func Init(opts Options) (*Runtime, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return InitWithConfig(cfg, opts)
}

// InitWithConfig installs the structured logger for cfg's environment and
// starts tracing when enabled.
func InitWithConfig(cfg *config.Config, opts Options) (*Runtime, error) {
	if opts.Service == "" {
		opts.Service = "fireframe"
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}

	logger := middleware.NewLogger(out, cfg.Env, parseLevel(opts.LogLevel)).With(slog.String("service", opts.Service))
	middleware.Logger = logger
	observability.SetGlobalLogger(logger)
	slog.SetDefault(logger)

	stop, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    opts.Service,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return &Runtime{Config: cfg, Log: logger, stopTracing: stop}, nil
}

// OpenApp opens the backend the configuration points at.
func (r *Runtime) OpenApp(ctx context.Context) (*app.App, *backend.Backend, error) {
	a, b, err := app.Open(ctx, r.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("backend connection failed: %w", err)
	}
	return a, b, nil
}

// Close flushes pending spans.
func (r *Runtime) Close(ctx context.Context) error {
	if r.stopTracing == nil {
		return nil
	}
	return r.stopTracing(ctx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
