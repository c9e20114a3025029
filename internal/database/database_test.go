package database

import (
	"context"
	"testing"

	"fireframe/internal/config"
	"fireframe/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every new :memory: connection is a fresh database.
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestConfigurePool(t *testing.T) {
	db := openSQLite(t)

	require.NoError(t, configurePool(db, &config.Config{}))
	require.NoError(t, configurePool(db, &config.Config{UseEmulator: true}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestApplySchema_SQLiteAutoMigrates(t *testing.T) {
	db := openSQLite(t)
	cfg := &config.Config{Env: "test", DBSchemaMode: SchemaModeSQL}

	require.NoError(t, ApplySchema(context.Background(), db, cfg))

	for _, m := range PersistentModels() {
		assert.True(t, db.Migrator().HasTable(m), "missing table for %T", m)
	}
	assert.True(t, db.Migrator().HasIndex(&models.UserRow{}, "idx_users_username"))
}

func TestSchemaPolicy(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		mode     string
		dialect  string
		wantSQL  bool
		wantAuto bool
		wantErr  bool
	}{
		{"hybrid dev", "development", SchemaModeHybrid, "postgres", true, true, false},
		{"hybrid prod", "production", SchemaModeHybrid, "postgres", true, false, false},
		{"sql", "development", SchemaModeSQL, "postgres", true, false, false},
		{"auto dev", "development", SchemaModeAuto, "postgres", false, true, false},
		{"auto prod refused", "production", SchemaModeAuto, "postgres", false, false, true},
		{"unknown mode", "development", "yolo", "postgres", false, false, true},
		{"sqlite ignores mode", "development", SchemaModeSQL, "sqlite", false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runSQL, runAuto, err := schemaPolicy(&config.Config{Env: tt.env, DBSchemaMode: tt.mode}, tt.dialect)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, runSQL)
			assert.Equal(t, tt.wantAuto, runAuto)
		})
	}
}

func TestDSN(t *testing.T) {
	dsn := DSN(&config.Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "fireframe"})
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=fireframe sslmode=disable", dsn)
}

func TestPing(t *testing.T) {
	assert.Error(t, Ping(context.Background(), nil))
	assert.NoError(t, Ping(context.Background(), openSQLite(t)))
}
