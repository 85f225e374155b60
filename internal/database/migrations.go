package database

import (
	"context"
	"fmt"

	"github.com/ksred/plugin-migrate/internal/models"
)

// RunMigrations creates the engine namespace and its record, journal and
// snapshot tables. It is idempotent.
func RunMigrations(ctx context.Context, db *Database, tables Tables) error {
	if tables.SchemaQualified() {
		if err := db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+tables.Quote(tables.Namespace)); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", tables.Namespace, err)
		}
	}

	targets := []struct {
		table string
		model interface{}
	}{
		{tables.Records, &models.MigrationRecord{}},
		{tables.Journal, &models.JournalEntry{}},
		{tables.Snapshots, &models.Snapshot{}},
		{tables.EngineVersions, &models.EngineMigration{}},
	}
	for _, target := range targets {
		if err := db.Migrate(ctx, target.table, target.model); err != nil {
			return err
		}
	}

	return nil
}
