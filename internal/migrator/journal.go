package migrator

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/models"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// Journal is the append-only log of committed migrations plus the current
// record per plugin. Writes go through the caller's transaction so a rolled
// back migration leaves no trace.
type Journal struct {
	tables database.Tables
}

// NewJournal creates a journal over the given engine tables.
func NewJournal(tables database.Tables) *Journal {
	return &Journal{tables: tables}
}

// Append writes one committed-migration entry through tx.
func (j *Journal) Append(tx *gorm.DB, entry *models.JournalEntry) error {
	if entry.Outcome == "" {
		entry.Outcome = models.OutcomeApplied
	}
	if err := tx.Table(j.tables.Journal).Create(entry).Error; err != nil {
		return utils.WrapDatabaseError("append journal entry", err)
	}
	return nil
}

// Upsert inserts or advances the plugin's record through tx.
func (j *Journal) Upsert(tx *gorm.DB, record *models.MigrationRecord) error {
	now := time.Now().UTC()
	if record.AppliedAt.IsZero() {
		record.AppliedAt = now
	}
	record.UpdatedAt = now

	err := tx.Table(j.tables.Records).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plugin_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "checksum", "snapshot_id", "applied_at", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return utils.WrapDatabaseError("upsert migration record", err)
	}
	return nil
}

// Status returns the committed record for plugin, or nil when it has never
// been migrated. Pass the pool, not an open transaction.
func (j *Journal) Status(db *gorm.DB, plugin string) (*models.MigrationRecord, error) {
	var rec models.MigrationRecord
	err := db.Table(j.tables.Records).Where("plugin_name = ?", plugin).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapDatabaseError("load migration record", err)
	}
	return &rec, nil
}

// Records lists every plugin's record ordered by plugin name.
func (j *Journal) Records(db *gorm.DB) ([]models.MigrationRecord, error) {
	var recs []models.MigrationRecord
	if err := db.Table(j.tables.Records).Order("plugin_name ASC").Find(&recs).Error; err != nil {
		return nil, utils.WrapDatabaseError("list migration records", err)
	}
	return recs, nil
}

// Entries returns the newest entries for plugin first. A limit of zero or
// less returns all of them.
func (j *Journal) Entries(db *gorm.DB, plugin string, limit int) ([]models.JournalEntry, error) {
	q := db.Table(j.tables.Journal).Where("plugin_name = ?", plugin).Order("version DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.JournalEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, utils.WrapDatabaseError("list journal entries", err)
	}
	return entries, nil
}
