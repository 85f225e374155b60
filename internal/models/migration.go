package models

import (
	"time"
)

// EngineMigration records a bookkeeping migration of the engine's own tables.
// Table name is assigned by database.Tables.
type EngineMigration struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Version   string    `gorm:"size:64;not null;uniqueIndex:ux_engine_versions_version" json:"version"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}
