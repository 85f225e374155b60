package migrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

type stubPlugin struct {
	name   string
	schema *schema.PluginSchema
}

func (p stubPlugin) Name() string                 { return p.name }
func (p stubPlugin) Schema() *schema.PluginSchema { return p.schema }

func singleTable(table string) schema.PluginSchema {
	return schema.PluginSchema{Tables: map[string]schema.Table{
		table: {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
			{Name: "body", Type: schema.TypeText},
		}},
	}}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(nil, 0, zerolog.Nop())

	require.NoError(t, reg.Register("demo", widgetsV1()))

	err := reg.Register("demo", widgetsV1())
	assert.True(t, utils.IsConflictError(err))

	err = reg.Register("broken", schema.PluginSchema{})
	assert.True(t, utils.IsValidationError(err))

	err = reg.Register("", widgetsV1())
	assert.True(t, utils.IsValidationError(err))

	assert.Equal(t, []string{"demo"}, reg.Names())
}

func TestRegistry_Discover(t *testing.T) {
	reg := NewRegistry(nil, 0, zerolog.Nop())
	notes := singleTable("notes")

	n := reg.Discover(
		stubPlugin{name: "notes", schema: &notes},
		stubPlugin{name: "stateless"},
		stubPlugin{name: "invalid", schema: &schema.PluginSchema{}},
	)

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"notes"}, reg.Names())
	s, ok := reg.Schema("notes")
	require.True(t, ok)
	assert.Equal(t, notes, s)
}

func TestRegistry_DiscoverDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(`tables:
  tasks:
    columns:
      - name: id
        type: uuid
        primary_key: true
      - name: title
        type: varchar
        length: 200
        not_null: true
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"plugin":"broken","tables":{}}`), 0644))

	reg := NewRegistry(nil, 0, zerolog.Nop())
	n, err := reg.DiscoverDir(dir)
	require.Error(t, err)
	assert.True(t, utils.IsValidationError(err))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"tasks"}, reg.Names())
}

func TestRegistry_RunAll(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	r := newTestRunner(t, db, Config{})
	reg := NewRegistry(r, 2, zerolog.Nop())

	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, reg.Register(name, singleTable(name+"_items")))
	}
	// Blocked by the destructive gate after a first run, below.
	require.NoError(t, reg.Register("demo", widgetsV1()))

	batch, err := reg.RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 4)
	for _, o := range batch.Outcomes {
		require.NotNil(t, o.Result, o.Plugin)
		assert.Equal(t, StatusApplied, o.Result.Status, o.Plugin)
		assert.True(t, db.DB().Migrator().HasTable(o.Plugin+"_items") || o.Plugin == "demo")
	}
	assert.Empty(t, batch.Failed())

	// Second run: one plugin fails, the rest are current.
	reg2 := NewRegistry(r, 0, zerolog.Nop())
	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, reg2.Register(name, singleTable(name+"_items")))
	}
	require.NoError(t, reg2.Register("demo", widgetsV2()))
	require.NoError(t, reg2.Register("delta", singleTable("delta_items")))

	batch, err = reg2.RunAll(ctx)
	require.Error(t, err)
	assert.True(t, utils.IsDestructiveChangeBlocked(err))

	failed := batch.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "demo", failed[0].Plugin)
	assert.NotEmpty(t, failed[0].Error)

	statuses := map[string]ResultStatus{}
	for _, o := range batch.Outcomes {
		if o.Result != nil {
			statuses[o.Plugin] = o.Result.Status
		}
	}
	assert.Equal(t, map[string]ResultStatus{
		"alpha": StatusAlreadyCurrent,
		"beta":  StatusAlreadyCurrent,
		"gamma": StatusAlreadyCurrent,
		"delta": StatusApplied,
	}, statuses)
	assert.True(t, db.DB().Migrator().HasTable("delta_items"))
}
