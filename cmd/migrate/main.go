// Command migrate runs schema operations for the backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"strings"

	"fireframe/internal/bootstrap"
	"fireframe/internal/database"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|auto|status|down> [version]")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	rt, err := bootstrap.Init(bootstrap.Options{Service: "fireframe-migrate"})
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer func() { _ = rt.Close(ctx) }()
	cfg := rt.Config

	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = database.Close(db) }()

	cmd := strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	switch cmd {
	case "up":
		ran, err := database.NewMigrator(db).Up(ctx)
		if err != nil {
			return fmt.Errorf("sql migrations failed: %w", err)
		}
		rt.Log.Info("sql migrations applied", slog.Int("count", ran))
	case "auto":
		cfg.DBSchemaMode = database.SchemaModeAuto
		if err := database.ApplySchema(ctx, db, cfg); err != nil {
			return fmt.Errorf("auto schema apply failed: %w", err)
		}
		rt.Log.Info("automigrations applied")
	case "status":
		status, err := database.GetSchemaStatus(ctx, db, cfg)
		if err != nil {
			return fmt.Errorf("schema status failed: %w", err)
		}
		rt.Log.Info("schema status",
			slog.String("mode", status.Mode),
			slog.String("env", status.Environment),
			slog.String("dialect", status.Dialect),
			slog.Bool("run_sql", status.WillRunSQL),
			slog.Bool("run_auto", status.WillRunAutoMigrate),
			slog.Int("applied", len(status.AppliedVersions)),
			slog.Int("pending", len(status.PendingMigrations)),
		)
		for _, m := range status.PendingMigrations {
			rt.Log.Info("pending migration", slog.String("name", fmt.Sprintf("%06d_%s", m.Version, m.Name)))
		}
	case "down":
		if flag.NArg() < 2 {
			return fmt.Errorf("usage: go run ./cmd/migrate down <version>")
		}
		version, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", flag.Arg(1), err)
		}
		if err := database.NewMigrator(db).Down(ctx, version); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		rt.Log.Info("rolled back migration", slog.Int("version", version))
	default:
		return usage()
	}
	return nil
}
