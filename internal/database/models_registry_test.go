package database

import (
	"testing"

	modelspkg "fireframe/internal/models"

	"github.com/stretchr/testify/require"
)

func TestPersistentModels_IncludesAuthIdentities(t *testing.T) {
	found := false
	for _, model := range PersistentModels() {
		if _, ok := model.(*modelspkg.Identity); ok {
			found = true
			break
		}
	}
	require.True(t, found, "PersistentModels should include Identity")
}

func TestRegisteredMigrations(t *testing.T) {
	ms := GetMigrations()
	require.NotEmpty(t, ms)
	require.Equal(t, 1, ms[0].Version)
	require.Equal(t, "000001_init", ms[0].String())
	require.Contains(t, ms[0].UpScript, "CREATE TABLE IF NOT EXISTS posts")
	require.Len(t, ms, 2)
	require.Contains(t, ms[1].UpScript, "author_id")
	require.NotNil(t, GetMigrationByVersion(1))
	require.Nil(t, GetMigrationByVersion(999))
}
