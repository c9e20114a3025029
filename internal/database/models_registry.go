package database

import "fireframe/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.UserRow{},
		&models.PostRow{},
		&models.Identity{},
	}
}
