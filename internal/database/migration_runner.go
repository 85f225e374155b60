package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ksred/plugin-migrate/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// MigrationFunc performs one versioned change to the engine's own tables
type MigrationFunc func(ctx context.Context, tx *gorm.DB, tables Tables, logger zerolog.Logger) error

// Migration is a versioned engine bookkeeping change
type Migration struct {
	Version string
	Name    string
	Run     MigrationFunc
}

// MigrationRunner applies engine bookkeeping migrations in version order,
// each in its own transaction.
type MigrationRunner struct {
	db         *gorm.DB
	tables     Tables
	logger     zerolog.Logger
	migrations []Migration
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *gorm.DB, tables Tables, logger zerolog.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:         db,
		tables:     tables,
		logger:     logger,
		migrations: []Migration{},
	}
}

// Register adds a migration to the runner
func (r *MigrationRunner) Register(migrations ...Migration) {
	r.migrations = append(r.migrations, migrations...)
}

// Run executes all pending migrations and returns how many ran
func (r *MigrationRunner) Run(ctx context.Context) (int, error) {
	if err := r.db.Table(r.tables.EngineVersions).AutoMigrate(&models.EngineMigration{}); err != nil {
		return 0, fmt.Errorf("failed to create engine versions table: %w", err)
	}

	sort.Slice(r.migrations, func(i, j int) bool {
		return r.migrations[i].Version < r.migrations[j].Version
	})

	appliedMap, err := r.applied(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, migration := range r.migrations {
		if appliedMap[migration.Version] {
			r.logger.Debug().
				Str("version", migration.Version).
				Str("name", migration.Name).
				Msg("Engine migration already applied, skipping")
			continue
		}

		r.logger.Info().
			Str("version", migration.Version).
			Str("name", migration.Name).
			Msg("Running engine migration")

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := migration.Run(ctx, tx, r.tables, r.logger); err != nil {
				return fmt.Errorf("migration %s failed: %w", migration.Version, err)
			}

			record := &models.EngineMigration{
				Version:   migration.Version,
				Name:      migration.Name,
				AppliedAt: time.Now().UTC(),
			}
			if err := tx.Table(r.tables.EngineVersions).Create(record).Error; err != nil {
				return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran++

		r.logger.Info().
			Str("version", migration.Version).
			Str("name", migration.Name).
			Msg("Engine migration completed successfully")
	}

	return ran, nil
}

// GetPendingMigrations returns a list of migrations that haven't been applied yet
func (r *MigrationRunner) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	appliedMap, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, migration := range r.migrations {
		if !appliedMap[migration.Version] {
			pending = append(pending, migration)
		}
	}

	return pending, nil
}

func (r *MigrationRunner) applied(ctx context.Context) (map[string]bool, error) {
	var applied []string
	if err := r.db.WithContext(ctx).Table(r.tables.EngineVersions).Pluck("version", &applied).Error; err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedMap := make(map[string]bool, len(applied))
	for _, v := range applied {
		appliedMap[v] = true
	}
	return appliedMap, nil
}
