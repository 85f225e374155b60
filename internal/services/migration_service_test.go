package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/migrator"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

func notesSchema(extra ...schema.Column) schema.PluginSchema {
	cols := []schema.Column{
		{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
		{Name: "body", Type: schema.TypeText, NotNull: true},
	}
	return schema.PluginSchema{Tables: map[string]schema.Table{
		"notes": {Columns: append(cols, extra...)},
	}}
}

func setupService(t *testing.T, cfg migrator.Config) (*MigrationService, *migrator.Registry) {
	t.Helper()

	db := database.NewDatabase(map[string]interface{}{
		"driver":    "sqlite",
		"path":      filepath.Join(t.TempDir(), "plugins.db"),
		"log_level": "silent",
	}, zerolog.Nop())
	require.NoError(t, db.Connect())
	t.Cleanup(func() { db.Close() })

	runner, err := migrator.NewRunner(db, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, runner.Initialize(context.Background()))

	registry := migrator.NewRegistry(runner, 0, zerolog.Nop())
	return NewMigrationService(db, runner, registry, zerolog.Nop()), registry
}

func TestMigrationService_ApplyAndRead(t *testing.T) {
	ctx := context.Background()
	svc, registry := setupService(t, migrator.Config{})
	require.NoError(t, registry.Register("notes", notesSchema()))

	status, err := svc.GetStatus(ctx, "notes")
	require.NoError(t, err)
	assert.Nil(t, status.Record)
	assert.True(t, status.Registered)
	assert.True(t, status.Pending)

	res, err := svc.Apply(ctx, "notes", nil)
	require.NoError(t, err)
	assert.Equal(t, migrator.StatusApplied, res.Status)
	assert.Equal(t, 1, res.Version)

	status, err = svc.GetStatus(ctx, "notes")
	require.NoError(t, err)
	require.NotNil(t, status.Record)
	assert.Equal(t, 1, status.Record.Version)
	assert.False(t, status.Pending)

	records, err := svc.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "notes", records[0].PluginName)

	entries, err := svc.Journal(ctx, "notes", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Version)

	snaps, err := svc.Snapshots(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, []string{"notes"}, snaps[0].Tables)

	stored, err := svc.Snapshot(ctx, "notes", 1)
	require.NoError(t, err)
	assert.Equal(t, notesSchema(), *stored)

	_, err = svc.Snapshot(ctx, "notes", 9)
	assert.True(t, utils.IsNotFoundError(err))
}

func TestMigrationService_PreviewExplicitSchema(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t, migrator.Config{})

	_, err := svc.Apply(ctx, "notes", ptr(notesSchema(schema.Column{Name: "title", Type: schema.TypeText})))
	require.NoError(t, err)

	preview, err := svc.Preview(ctx, "notes", ptr(notesSchema()))
	require.NoError(t, err)
	assert.True(t, preview.Blocked)
	assert.Equal(t, 1, preview.CurrentVersion)
	assert.Equal(t, 2, preview.NextVersion)
	assert.True(t, preview.Plan.Destructive())

	_, err = svc.Apply(ctx, "notes", ptr(notesSchema()))
	require.Error(t, err)
	assert.True(t, utils.IsDestructiveChangeBlocked(err))
}

func TestMigrationService_UnknownPlugin(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupService(t, migrator.Config{})

	_, err := svc.GetStatus(ctx, "ghost")
	assert.True(t, utils.IsNotFoundError(err))

	_, err = svc.Preview(ctx, "ghost", nil)
	assert.True(t, utils.IsNotFoundError(err))

	_, err = svc.Apply(ctx, "", nil)
	assert.True(t, utils.IsValidationError(err))

	entries, err := svc.Journal(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMigrationService_ApplyAllAndHealth(t *testing.T) {
	ctx := context.Background()
	svc, registry := setupService(t, migrator.Config{})
	require.NoError(t, registry.Register("notes", notesSchema()))

	batch, err := svc.ApplyAll(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 1)
	assert.Equal(t, migrator.StatusApplied, batch.Outcomes[0].Result.Status)

	health := svc.Health(ctx)
	assert.Equal(t, "ok", health["database"])
	assert.Equal(t, "sqlite", health["driver"])
	assert.Equal(t, false, health["locks_degraded"])
}

func ptr(s schema.PluginSchema) *schema.PluginSchema { return &s }
