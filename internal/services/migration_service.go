package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/migrator"
	"github.com/ksred/plugin-migrate/internal/models"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// MigrationService is the read and apply surface shared by the HTTP API, the
// MCP server and the CLI.
type MigrationService struct {
	db       *database.Database
	runner   *migrator.Runner
	registry *migrator.Registry
	logger   zerolog.Logger
}

// NewMigrationService creates a new MigrationService. registry may be nil
// when callers always supply schemas themselves.
func NewMigrationService(db *database.Database, runner *migrator.Runner, registry *migrator.Registry, logger zerolog.Logger) *MigrationService {
	return &MigrationService{
		db:       db,
		runner:   runner,
		registry: registry,
		logger:   utils.ForComponent(logger, "migration_service"),
	}
}

// SnapshotSummary describes a stored snapshot without its payload.
type SnapshotSummary struct {
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
	Tables    []string  `json:"tables"`
	CreatedAt time.Time `json:"created_at"`
}

// PluginStatus is a plugin's record plus whether the registered schema is
// still what was applied.
type PluginStatus struct {
	Record     *models.MigrationRecord `json:"record"`
	Registered bool                    `json:"registered"`
	Pending    bool                    `json:"pending"`
}

func (s *MigrationService) conn(ctx context.Context) (*gorm.DB, error) {
	db := s.db.DB()
	if db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return db.WithContext(ctx), nil
}

// ListRecords returns every plugin's committed record.
func (s *MigrationService) ListRecords(ctx context.Context) ([]models.MigrationRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return s.runner.Journal().Records(db)
}

// GetStatus returns the committed record for plugin. A plugin that is
// neither recorded nor registered is not found.
func (s *MigrationService) GetStatus(ctx context.Context, plugin string) (*PluginStatus, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	rec, err := s.runner.Status(ctx, plugin)
	if err != nil {
		return nil, err
	}

	status := &PluginStatus{Record: rec}
	if desired, ok := s.registered(plugin); ok {
		status.Registered = true
		checksum, err := desired.Checksum()
		if err != nil {
			return nil, err
		}
		status.Pending = rec == nil || rec.Checksum != checksum
	}

	if rec == nil && !status.Registered {
		return nil, utils.WrapNotFoundError("migration record", plugin)
	}
	return status, nil
}

// Journal returns the newest journal entries for plugin. limit is clamped
// to a sane page size.
func (s *MigrationService) Journal(ctx context.Context, plugin string, limit int) ([]models.JournalEntry, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	if limit > maxJournalLimit {
		limit = maxJournalLimit
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return s.runner.Journal().Entries(db, plugin, limit)
}

// Snapshots lists the stored snapshots for plugin, oldest first.
func (s *MigrationService) Snapshots(ctx context.Context, plugin string) ([]SnapshotSummary, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	store := s.runner.Snapshots()
	snaps, err := store.List(db, plugin)
	if err != nil {
		return nil, err
	}

	out := make([]SnapshotSummary, 0, len(snaps))
	for i := range snaps {
		decoded, err := store.Decode(&snaps[i])
		if err != nil {
			return nil, err
		}
		out = append(out, SnapshotSummary{
			Version:   snaps[i].Version,
			Checksum:  snaps[i].Checksum,
			Tables:    decoded.TableNames(),
			CreatedAt: snaps[i].CreatedAt,
		})
	}
	return out, nil
}

// Snapshot returns the schema stored for plugin at version.
func (s *MigrationService) Snapshot(ctx context.Context, plugin string, version int) (*schema.PluginSchema, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	store := s.runner.Snapshots()
	snap, err := store.Get(db, plugin, version)
	if err != nil {
		return nil, err
	}
	return store.Decode(snap)
}

// Preview plans a migration for plugin. A nil desired schema falls back to
// the registered one.
func (s *MigrationService) Preview(ctx context.Context, plugin string, desired *schema.PluginSchema) (*migrator.Preview, error) {
	target, err := s.resolve(plugin, desired)
	if err != nil {
		return nil, err
	}
	return s.runner.Preview(ctx, plugin, target)
}

// Apply migrates plugin. A nil desired schema falls back to the registered
// one.
func (s *MigrationService) Apply(ctx context.Context, plugin string, desired *schema.PluginSchema) (*migrator.Result, error) {
	target, err := s.resolve(plugin, desired)
	if err != nil {
		return nil, err
	}

	res, err := s.runner.Migrate(ctx, plugin, target)
	if err != nil {
		s.logger.Error().Err(err).Str("plugin", plugin).Msg("Migration request failed")
		return nil, err
	}
	return res, nil
}

// ApplyAll migrates every registered plugin.
func (s *MigrationService) ApplyAll(ctx context.Context) (*migrator.BatchResult, error) {
	if s.registry == nil {
		return &migrator.BatchResult{}, nil
	}
	return s.registry.RunAll(ctx)
}

// Health reports database reachability and whether the lock coordinator
// has fallen back to in-process locking.
func (s *MigrationService) Health(ctx context.Context) map[string]interface{} {
	health := map[string]interface{}{
		"database":       "ok",
		"locks_degraded": s.runner.Locks().Degraded(),
		"driver":         string(s.db.Driver()),
	}
	if err := s.db.Health(ctx); err != nil {
		health["database"] = err.Error()
	}
	return health
}

func (s *MigrationService) registered(plugin string) (schema.PluginSchema, bool) {
	if s.registry == nil {
		return schema.PluginSchema{}, false
	}
	return s.registry.Schema(plugin)
}

func (s *MigrationService) resolve(plugin string, desired *schema.PluginSchema) (schema.PluginSchema, error) {
	if desired != nil {
		return *desired, nil
	}
	if err := schema.ValidatePluginName(plugin); err != nil {
		return schema.PluginSchema{}, err
	}
	if registered, ok := s.registered(plugin); ok {
		return registered, nil
	}
	return schema.PluginSchema{}, utils.WrapNotFoundError("plugin schema", plugin)
}
