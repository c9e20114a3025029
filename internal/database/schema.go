package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"fireframe/internal/config"
	"fireframe/internal/middleware"

	"gorm.io/gorm"
)

const (
	SchemaModeHybrid = "hybrid"
	SchemaModeSQL    = "sql"
	SchemaModeAuto   = "auto"
)

// SchemaStatus summarizes what ApplySchema would do.
type SchemaStatus struct {
	Mode               string
	Environment        string
	Dialect            string
	WillRunSQL         bool
	WillRunAutoMigrate bool
	AppliedVersions    []int
	PendingMigrations  []Migration
}

func normalizedSchemaMode(cfg *config.Config) string {
	mode := strings.ToLower(strings.TrimSpace(cfg.DBSchemaMode))
	if mode == "" {
		return SchemaModeHybrid
	}
	return mode
}

// schemaPolicy decides between versioned SQL and AutoMigrate. The SQL
// scripts target PostgreSQL, so sqlite always auto-migrates.
func schemaPolicy(cfg *config.Config, dialect string) (runSQL bool, runAuto bool, err error) {
	if dialect == "sqlite" {
		return false, true, nil
	}

	switch normalizedSchemaMode(cfg) {
	case SchemaModeSQL:
		return true, false, nil
	case SchemaModeAuto:
		if cfg.IsProduction() {
			return false, false, fmt.Errorf("refusing DB_SCHEMA_MODE=auto in %q", cfg.Env)
		}
		return false, true, nil
	case SchemaModeHybrid:
		return true, !cfg.IsProduction(), nil
	default:
		return false, false, fmt.Errorf("unsupported DB_SCHEMA_MODE %q", cfg.DBSchemaMode)
	}
}

// AutoMigrate creates or updates every persistent table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(PersistentModels()...)
}

// ApplySchema brings the database schema up to date for cfg.
func ApplySchema(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	runSQL, runAuto, err := schemaPolicy(cfg, db.Dialector.Name())
	if err != nil {
		return err
	}

	if runSQL {
		if _, err := NewMigrator(db).Up(ctx); err != nil {
			return fmt.Errorf("run sql migrations: %w", err)
		}
	}

	if runAuto {
		middleware.Logger.Info("Running GORM AutoMigrate",
			slog.String("mode", normalizedSchemaMode(cfg)),
			slog.String("env", cfg.Env),
		)
		if err := AutoMigrate(db.WithContext(ctx)); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}

	return nil
}

// GetSchemaStatus reports applied and pending migrations without changing anything.
func GetSchemaStatus(ctx context.Context, db *gorm.DB, cfg *config.Config) (*SchemaStatus, error) {
	dialect := db.Dialector.Name()
	runSQL, runAuto, err := schemaPolicy(cfg, dialect)
	if err != nil {
		return nil, err
	}

	status := &SchemaStatus{
		Mode:               normalizedSchemaMode(cfg),
		Environment:        cfg.Env,
		Dialect:            dialect,
		WillRunSQL:         runSQL,
		WillRunAutoMigrate: runAuto,
	}

	if !runSQL {
		return status, nil
	}

	mig := NewMigrator(db)
	if status.AppliedVersions, err = mig.Applied(ctx); err != nil {
		return nil, err
	}
	if status.PendingMigrations, err = mig.Pending(ctx); err != nil {
		return nil, err
	}
	return status, nil
}
