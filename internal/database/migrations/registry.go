package migrations

import (
	"github.com/ksred/plugin-migrate/internal/database"
)

// GetMigrations returns all registered engine bookkeeping migrations
func GetMigrations() []database.Migration {
	return []database.Migration{
		{
			Version: "20250101_001",
			Name:    "add_journal_lookup_index",
			Run:     AddJournalLookupIndex,
		},
		{
			Version: "20250101_002",
			Name:    "add_snapshot_checksum_index",
			Run:     AddSnapshotChecksumIndex,
		},
	}
}
