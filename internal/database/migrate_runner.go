package database

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"fireframe/internal/middleware"

	"gorm.io/gorm"
)

// versionTable records which SQL migrations the database has seen.
const versionTable = "schema_versions"

const ensureVersionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
	version BIGINT PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Migrator applies the embedded SQL scripts in version order. Each script
// runs in its own transaction together with its schema_versions row, so a
// failed script leaves no record behind.
type Migrator struct {
	db         *gorm.DB
	registered []Migration
	log        *slog.Logger
}

// NewMigrator returns a Migrator over the migrations embedded in this package.
func NewMigrator(db *gorm.DB) *Migrator {
	return &Migrator{db: db, registered: GetMigrations(), log: middleware.Logger}
}

// Applied lists the recorded versions in ascending order. A database that
// has never been migrated reports none.
func (m *Migrator) Applied(ctx context.Context) ([]int, error) {
	var versions []int
	err := m.db.WithContext(ctx).Table(versionTable).Order("version").Pluck("version", &versions).Error
	if err != nil {
		if missingRelation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", versionTable, err)
	}
	return versions, nil
}

// Pending returns the registered migrations not yet recorded.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, mig := range m.registered {
		if !slices.Contains(applied, mig.Version) {
			out = append(out, mig)
		}
	}
	return out, nil
}

// Up applies every pending migration and reports how many ran. It refuses
// to touch a database that records versions this binary does not know.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.db.WithContext(ctx).Exec(ensureVersionTableSQL).Error; err != nil {
		return 0, fmt.Errorf("create %s: %w", versionTable, err)
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	if unknown := m.unknown(applied); len(unknown) > 0 {
		return 0, fmt.Errorf("%s records versions this build does not ship: %s", versionTable, strings.Join(unknown, ", "))
	}

	ran := 0
	for _, mig := range m.registered {
		if slices.Contains(applied, mig.Version) {
			continue
		}
		m.log.Info("applying migration", slog.String("migration", mig.String()))
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(mig.UpScript).Error; err != nil {
				return err
			}
			return tx.Exec("INSERT INTO schema_versions (version, name) VALUES (?, ?)", mig.Version, mig.Name).Error
		})
		if err != nil {
			return ran, fmt.Errorf("migration %s: %w", mig.String(), err)
		}
		ran++
	}
	return ran, nil
}

// Down reverts version, which must be the newest recorded migration.
func (m *Migrator) Down(ctx context.Context, version int) error {
	mig := GetMigrationByVersion(version)
	if mig == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(applied, version) {
		return fmt.Errorf("migration %d has not been applied", version)
	}
	if latest := applied[len(applied)-1]; latest != version {
		return fmt.Errorf("migration %d is not the latest applied (%06d is)", version, latest)
	}

	m.log.Info("reverting migration", slog.String("migration", mig.String()))
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(mig.DownScript).Error; err != nil {
			return fmt.Errorf("revert %s: %w", mig.String(), err)
		}
		return tx.Exec("DELETE FROM schema_versions WHERE version = ?", version).Error
	})
}

func (m *Migrator) unknown(applied []int) []string {
	var out []string
	for _, v := range applied {
		if GetMigrationByVersion(v) == nil {
			out = append(out, fmt.Sprintf("%06d", v))
		}
	}
	return out
}

func missingRelation(err error) bool {
	msg := err.Error()
	return (strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist")) ||
		strings.Contains(msg, "no such table")
}
