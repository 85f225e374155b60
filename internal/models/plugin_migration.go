package models

import (
	"time"
)

// Journal outcomes. Only committed migrations are journaled, so applied is the
// only outcome written today.
const (
	OutcomeApplied = "applied"
)

// MigrationRecord is the single current-state marker per plugin.
type MigrationRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	PluginName string    `gorm:"size:255;not null;uniqueIndex:ux_migration_records_plugin" json:"plugin_name"`
	Version    int       `gorm:"not null" json:"version"`
	Checksum   string    `gorm:"size:64;not null" json:"checksum"`
	SnapshotID uint      `gorm:"not null" json:"snapshot_id"`
	AppliedAt  time.Time `gorm:"not null" json:"applied_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JournalEntry is one committed migration: the DDL that ran and how.
type JournalEntry struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RunID          string    `gorm:"size:36;not null;uniqueIndex:ux_migration_journal_run" json:"run_id"`
	PluginName     string    `gorm:"size:255;not null;index:idx_migration_journal_plugin" json:"plugin_name"`
	Version        int       `gorm:"not null" json:"version"`
	Checksum       string    `gorm:"size:64;not null" json:"checksum"`
	Statements     string    `gorm:"type:text;not null" json:"statements"`
	OperationCount int       `gorm:"not null" json:"operation_count"`
	Destructive    bool      `gorm:"not null;default:false" json:"destructive"`
	Outcome        string    `gorm:"size:32;not null" json:"outcome"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Snapshot is the immutable schema payload recorded at a version.
type Snapshot struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	PluginName string    `gorm:"size:255;not null;uniqueIndex:ux_migration_snapshots_plugin_version,priority:1" json:"plugin_name"`
	Version    int       `gorm:"not null;uniqueIndex:ux_migration_snapshots_plugin_version,priority:2" json:"version"`
	Checksum   string    `gorm:"size:64;not null" json:"checksum"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}
