package migrations

import (
	"context"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// AddSnapshotChecksumIndex lets inspection tools find every plugin version
// that produced a given schema.
func AddSnapshotChecksumIndex(ctx context.Context, db *gorm.DB, tables database.Tables, logger zerolog.Logger) error {
	logger.Info().Str("table", tables.Snapshots).Msg("Adding snapshot checksum index")

	if err := db.WithContext(ctx).Exec(
		"CREATE INDEX IF NOT EXISTS idx_migration_snapshots_checksum ON " +
			tables.Quote(tables.Snapshots) + " (checksum)",
	).Error; err != nil {
		return err
	}
	return nil
}
