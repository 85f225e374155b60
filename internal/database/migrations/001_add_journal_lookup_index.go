package migrations

import (
	"context"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// AddJournalLookupIndex indexes the journal for per-plugin history reads,
// newest first.
func AddJournalLookupIndex(ctx context.Context, db *gorm.DB, tables database.Tables, logger zerolog.Logger) error {
	logger.Info().Str("table", tables.Journal).Msg("Adding journal lookup index")

	return db.WithContext(ctx).Exec(
		"CREATE INDEX IF NOT EXISTS idx_migration_journal_plugin_created ON " +
			tables.Quote(tables.Journal) + " (plugin_name, created_at)",
	).Error
}
