package migrator

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/models"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// SnapshotStore persists the schema a plugin had at each version. Snapshots
// are written once, inside the migration transaction, and never updated.
type SnapshotStore struct {
	tables database.Tables
}

// NewSnapshotStore creates a store over the given engine tables.
func NewSnapshotStore(tables database.Tables) *SnapshotStore {
	return &SnapshotStore{tables: tables}
}

// Save writes the snapshot for (plugin, version) through tx.
func (s *SnapshotStore) Save(tx *gorm.DB, plugin string, version int, sch schema.PluginSchema) (*models.Snapshot, error) {
	payload, err := sch.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	checksum, err := sch.Checksum()
	if err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		PluginName: plugin,
		Version:    version,
		Checksum:   checksum,
		Payload:    string(payload),
	}
	if err := tx.Table(s.tables.Snapshots).Create(snap).Error; err != nil {
		return nil, utils.WrapDatabaseError("save snapshot", err)
	}
	return snap, nil
}

// Latest returns the highest-version snapshot for plugin, or nil when the
// plugin has never been migrated.
func (s *SnapshotStore) Latest(db *gorm.DB, plugin string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := db.Table(s.tables.Snapshots).
		Where("plugin_name = ?", plugin).
		Order("version DESC").
		Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapDatabaseError("load latest snapshot", err)
	}
	return &snap, nil
}

// Get returns the snapshot for an exact version.
func (s *SnapshotStore) Get(db *gorm.DB, plugin string, version int) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := db.Table(s.tables.Snapshots).
		Where("plugin_name = ? AND version = ?", plugin, version).
		Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.WrapNotFoundError("snapshot", fmt.Sprintf("%s@%d", plugin, version))
	}
	if err != nil {
		return nil, utils.WrapDatabaseError("load snapshot", err)
	}
	return &snap, nil
}

// List returns every snapshot for plugin in ascending version order.
func (s *SnapshotStore) List(db *gorm.DB, plugin string) ([]models.Snapshot, error) {
	var snaps []models.Snapshot
	if err := db.Table(s.tables.Snapshots).
		Where("plugin_name = ?", plugin).
		Order("version ASC").
		Find(&snaps).Error; err != nil {
		return nil, utils.WrapDatabaseError("list snapshots", err)
	}
	return snaps, nil
}

// Decode parses the stored payload back into a schema.
func (s *SnapshotStore) Decode(snap *models.Snapshot) (*schema.PluginSchema, error) {
	if snap == nil {
		return nil, nil
	}
	sch, err := schema.Decode([]byte(snap.Payload))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s@%d: %w", snap.PluginName, snap.Version, err)
	}
	return sch, nil
}
