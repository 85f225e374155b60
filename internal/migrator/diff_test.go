package migrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

func widgetsV1() schema.PluginSchema {
	return schema.PluginSchema{Tables: map[string]schema.Table{
		"widgets": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
			{Name: "name", Type: schema.TypeText},
		}},
	}}
}

func widgetsV2() schema.PluginSchema {
	return schema.PluginSchema{Tables: map[string]schema.Table{
		"widgets": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
		}},
	}}
}

func kinds(p *Plan) []OperationKind {
	out := make([]OperationKind, len(p.Operations))
	for i, op := range p.Operations {
		out[i] = op.Kind
	}
	return out
}

func TestDiff_InitialCreate(t *testing.T) {
	desired := schema.PluginSchema{Tables: map[string]schema.Table{
		"posts": {
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
				{Name: "author_id", Type: schema.TypeUUID, NotNull: true, References: &schema.Reference{Table: "authors", OnDelete: "cascade"}},
				{Name: "slug", Type: schema.TypeVarchar, Length: 120, Unique: true},
				{Name: "created_at", Type: schema.TypeTimestamp, NotNull: true, Default: "now()"},
			},
			Indexes: []schema.Index{{Columns: []string{"author_id", "created_at"}}},
		},
		"authors": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
			{Name: "meta", Type: schema.TypeJSON},
		}},
	}}

	plan, err := NewDiffer(PostgresDialect{}).Diff(nil, desired)
	require.NoError(t, err)

	assert.Equal(t, "postgres", plan.Dialect)
	assert.False(t, plan.Destructive())
	assert.Equal(t, []OperationKind{OpCreateTable, OpCreateTable, OpCreateIndex, OpCreateIndex}, kinds(plan))
	assert.Equal(t, "authors", plan.Operations[0].Table, "referenced table first")
	assert.Equal(t, "posts", plan.Operations[1].Table)

	assert.Equal(t, `CREATE TABLE "posts" (
	"id" UUID NOT NULL,
	"author_id" UUID NOT NULL,
	"slug" VARCHAR(120),
	"created_at" TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY ("id"),
	CONSTRAINT "fk_posts_author_id" FOREIGN KEY ("author_id") REFERENCES "authors" ("id") ON DELETE CASCADE
)`, plan.Operations[1].Statements[0])

	// Unique indexes follow their table; plain indexes come last.
	assert.Equal(t, []string{
		`CREATE UNIQUE INDEX "uq_posts_slug" ON "posts" ("slug")`,
	}, plan.Operations[2].Statements)
	assert.Equal(t, []string{
		`CREATE INDEX "idx_posts_author_id_created_at" ON "posts" ("author_id", "created_at")`,
	}, plan.Operations[3].Statements)
}

func TestDiff_NoChanges(t *testing.T) {
	prev := widgetsV1()
	plan, err := NewDiffer(PostgresDialect{}).Diff(&prev, widgetsV1())
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Empty(t, plan.SQL())
}

func TestDiff_DropColumnIsDestructive(t *testing.T) {
	prev := widgetsV1()
	plan, err := NewDiffer(PostgresDialect{}).Diff(&prev, widgetsV2())
	require.NoError(t, err)

	require.Len(t, plan.Operations, 1)
	op := plan.Operations[0]
	assert.Equal(t, OpDropColumn, op.Kind)
	assert.True(t, op.Destructive)
	assert.Equal(t, "drop column widgets.name", op.Description)
	assert.Equal(t, `ALTER TABLE "widgets" DROP COLUMN "name";`, plan.SQL())
	assert.True(t, plan.Destructive())
	assert.Len(t, plan.DestructiveOperations(), 1)
}

func TestDiff_AddColumnAndTable(t *testing.T) {
	prev := widgetsV1()
	desired := widgetsV1()
	w := desired.Tables["widgets"]
	w.Columns = append(w.Columns, schema.Column{Name: "price", Type: schema.TypeReal, NotNull: true, Default: "0"})
	desired.Tables["widgets"] = w
	desired.Tables["gadgets"] = schema.Table{Columns: []schema.Column{
		{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
		{Name: "widget_id", Type: schema.TypeUUID, References: &schema.Reference{Table: "widgets"}},
	}}

	plan, err := NewDiffer(PostgresDialect{}).Diff(&prev, desired)
	require.NoError(t, err)

	assert.Equal(t, []OperationKind{OpAddColumn, OpCreateTable}, kinds(plan))
	assert.False(t, plan.Destructive())
	assert.Equal(t, []string{`ALTER TABLE "widgets" ADD COLUMN "price" DOUBLE PRECISION NOT NULL DEFAULT 0`}, plan.Operations[0].Statements)
	assert.Equal(t, "gadgets", plan.Operations[1].Table)
}

// statementIndex returns the position of the first statement containing frag.
func statementIndex(t *testing.T, plan *Plan, frag string) int {
	t.Helper()
	for i, stmt := range plan.Statements() {
		if strings.Contains(stmt, frag) {
			return i
		}
	}
	t.Fatalf("no statement contains %q", frag)
	return -1
}

func TestDiff_ForeignKeyToUniqueColumnCreatedFirst(t *testing.T) {
	accounts := schema.Table{Columns: []schema.Column{
		{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
		{Name: "code", Type: schema.TypeVarchar, Length: 16, Unique: true},
	}}
	orders := schema.Table{Columns: []schema.Column{
		{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
		{Name: "account_code", Type: schema.TypeVarchar, Length: 16, References: &schema.Reference{Table: "accounts", Column: "code"}},
	}}

	t.Run("both tables new", func(t *testing.T) {
		desired := schema.PluginSchema{Tables: map[string]schema.Table{"accounts": accounts, "orders": orders}}
		require.NoError(t, desired.Validate())

		plan, err := NewDiffer(PostgresDialect{}).Diff(nil, desired)
		require.NoError(t, err)

		unique := statementIndex(t, plan, `CREATE UNIQUE INDEX "uq_accounts_code"`)
		fk := statementIndex(t, plan, `REFERENCES "accounts" ("code")`)
		assert.Less(t, unique, fk)
	})

	t.Run("referenced column added to existing table", func(t *testing.T) {
		prev := schema.PluginSchema{Tables: map[string]schema.Table{
			"accounts": {Columns: accounts.Columns[:1]},
		}}
		desired := schema.PluginSchema{Tables: map[string]schema.Table{"accounts": accounts, "orders": orders}}

		plan, err := NewDiffer(PostgresDialect{}).Diff(&prev, desired)
		require.NoError(t, err)

		added := statementIndex(t, plan, `ADD COLUMN "code"`)
		unique := statementIndex(t, plan, `CREATE UNIQUE INDEX "uq_accounts_code"`)
		fk := statementIndex(t, plan, `REFERENCES "accounts" ("code")`)
		assert.Less(t, added, unique)
		assert.Less(t, unique, fk)
		assert.Equal(t, []OperationKind{OpAddColumn, OpCreateIndex, OpCreateTable}, kinds(plan))
	})
}

func TestDiff_TypeChanges(t *testing.T) {
	col := func(typ schema.ColumnType, length int) schema.PluginSchema {
		return schema.PluginSchema{Tables: map[string]schema.Table{
			"t": {Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger, PrimaryKey: true},
				{Name: "v", Type: typ, Length: length},
			}},
		}}
	}

	tests := []struct {
		name        string
		from, to    schema.PluginSchema
		destructive bool
	}{
		{"varchar to text widens", col(schema.TypeVarchar, 10), col(schema.TypeText, 0), false},
		{"varchar grows", col(schema.TypeVarchar, 10), col(schema.TypeVarchar, 20), false},
		{"integer to bigint widens", col(schema.TypeInteger, 0), col(schema.TypeBigInt, 0), false},
		{"varchar shrinks", col(schema.TypeVarchar, 20), col(schema.TypeVarchar, 10), true},
		{"text to varchar narrows", col(schema.TypeText, 0), col(schema.TypeVarchar, 10), true},
		{"bigint to integer narrows", col(schema.TypeBigInt, 0), col(schema.TypeInteger, 0), true},
		{"text to integer", col(schema.TypeText, 0), col(schema.TypeInteger, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewDiffer(PostgresDialect{}).Diff(&tt.from, tt.to)
			require.NoError(t, err)
			require.Len(t, plan.Operations, 1)
			assert.Equal(t, OpAlterColumnType, plan.Operations[0].Kind)
			assert.Equal(t, tt.destructive, plan.Destructive())
		})
	}

	// A length stored with a non-varchar type carries no DDL meaning.
	t.Run("text length ignored", func(t *testing.T) {
		from := col(schema.TypeText, 0)
		plan, err := NewDiffer(PostgresDialect{}).Diff(&from, col(schema.TypeText, 10))
		require.NoError(t, err)
		assert.True(t, plan.Empty())
	})
}

func TestDiff_AlterStatementsPostgres(t *testing.T) {
	prev := schema.PluginSchema{Tables: map[string]schema.Table{
		"users": {Columns: []schema.Column{{Name: "id", Type: schema.TypeUUID, PrimaryKey: true}}},
		"notes": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
			{Name: "body", Type: schema.TypeVarchar, Length: 100},
			{Name: "state", Type: schema.TypeText, Default: "'draft'"},
			{Name: "owner_id", Type: schema.TypeUUID},
		}},
	}}
	desired := schema.PluginSchema{Tables: map[string]schema.Table{
		"users": {Columns: []schema.Column{{Name: "id", Type: schema.TypeUUID, PrimaryKey: true}}},
		"notes": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
			{Name: "body", Type: schema.TypeText, NotNull: true},
			{Name: "state", Type: schema.TypeText},
			{Name: "owner_id", Type: schema.TypeUUID, References: &schema.Reference{Table: "users", OnDelete: "set null"}},
		}},
	}}

	plan, err := NewDiffer(PostgresDialect{}).Diff(&prev, desired)
	require.NoError(t, err)
	assert.False(t, plan.Destructive())

	assert.Equal(t, []string{
		`ALTER TABLE "notes" ALTER COLUMN "body" TYPE TEXT USING "body"::TEXT`,
		`ALTER TABLE "notes" ALTER COLUMN "body" SET NOT NULL`,
		`ALTER TABLE "notes" ALTER COLUMN "state" DROP DEFAULT`,
		`ALTER TABLE "notes" ADD CONSTRAINT "fk_notes_owner_id" FOREIGN KEY ("owner_id") REFERENCES "users" ("id") ON DELETE SET NULL`,
	}, plan.Statements())
	assert.Equal(t, []OperationKind{OpAlterColumnType, OpSetNotNull, OpDropDefault, OpAddForeignKey}, kinds(plan))
}

func TestDiff_DropTablesReferencingFirst(t *testing.T) {
	prev := schema.PluginSchema{Tables: map[string]schema.Table{
		"keep": {Columns: []schema.Column{{Name: "id", Type: schema.TypeUUID, PrimaryKey: true}}},
		"parents": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
		}},
		"children": {
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
				{Name: "parent_id", Type: schema.TypeUUID, References: &schema.Reference{Table: "parents"}},
			},
			Indexes: []schema.Index{{Columns: []string{"parent_id"}}},
		},
	}}
	desired := schema.PluginSchema{Tables: map[string]schema.Table{
		"keep": prev.Tables["keep"],
	}}

	plan, err := NewDiffer(PostgresDialect{}).Diff(&prev, desired)
	require.NoError(t, err)

	assert.Equal(t, []string{`DROP TABLE "children"`, `DROP TABLE "parents"`}, plan.Statements())
	assert.Equal(t, []string{"drop table children", "drop table parents"}, plan.Descriptions())
	assert.True(t, plan.Destructive())
}

func TestDiff_IndexChanges(t *testing.T) {
	base := func(idx ...schema.Index) schema.PluginSchema {
		return schema.PluginSchema{Tables: map[string]schema.Table{
			"events": {
				Columns: []schema.Column{
					{Name: "id", Type: schema.TypeUUID, PrimaryKey: true},
					{Name: "kind", Type: schema.TypeText},
					{Name: "at", Type: schema.TypeTimestamp},
				},
				Indexes: idx,
			},
		}}
	}

	prev := base(schema.Index{Name: "events_lookup", Columns: []string{"kind"}})
	desired := base(
		schema.Index{Name: "events_lookup", Columns: []string{"kind", "at"}},
		schema.Index{Columns: []string{"at"}},
	)

	plan, err := NewDiffer(PostgresDialect{}).Diff(&prev, desired)
	require.NoError(t, err)
	assert.False(t, plan.Destructive())
	assert.Equal(t, []string{
		`DROP INDEX IF EXISTS "events_lookup"`,
		`CREATE INDEX "events_lookup" ON "events" ("kind", "at")`,
		`CREATE INDEX "idx_events_at" ON "events" ("at")`,
	}, plan.Statements())
}

func TestDiff_PrimaryKeyChangeUnsupported(t *testing.T) {
	prev := widgetsV1()
	desired := schema.PluginSchema{Tables: map[string]schema.Table{
		"widgets": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeUUID},
			{Name: "name", Type: schema.TypeText, PrimaryKey: true},
		}},
	}}

	_, err := NewDiffer(PostgresDialect{}).Diff(&prev, desired)
	require.Error(t, err)
	assert.True(t, utils.IsUnsupportedChange(err))
}

func TestDiff_SQLiteLimits(t *testing.T) {
	prev := schema.PluginSchema{Tables: map[string]schema.Table{
		"t": {Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInteger, PrimaryKey: true},
			{Name: "label", Type: schema.TypeVarchar, Length: 10},
			{Name: "note", Type: schema.TypeText},
		}},
	}}

	t.Run("widening needs no DDL", func(t *testing.T) {
		desired := schema.PluginSchema{Tables: map[string]schema.Table{
			"t": {Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger, PrimaryKey: true},
				{Name: "label", Type: schema.TypeText},
				{Name: "note", Type: schema.TypeText},
			}},
		}}
		plan, err := NewDiffer(SQLiteDialect{}).Diff(&prev, desired)
		require.NoError(t, err)
		require.Len(t, plan.Operations, 1)
		assert.Empty(t, plan.Statements())
		assert.False(t, plan.Destructive())
	})

	unsupported := map[string]schema.Column{
		"narrowing type":     {Name: "note", Type: schema.TypeInteger},
		"nullability change": {Name: "note", Type: schema.TypeText, NotNull: true},
		"default change":     {Name: "note", Type: schema.TypeText, Default: "'x'"},
		"foreign key change": {Name: "note", Type: schema.TypeText, References: &schema.Reference{Table: "other", Column: "key"}},
	}
	for name, note := range unsupported {
		t.Run(name, func(t *testing.T) {
			desired := schema.PluginSchema{Tables: map[string]schema.Table{
				"t": {Columns: []schema.Column{
					{Name: "id", Type: schema.TypeInteger, PrimaryKey: true},
					{Name: "label", Type: schema.TypeVarchar, Length: 10},
					note,
				}},
			}}
			_, err := NewDiffer(SQLiteDialect{}).Diff(&prev, desired)
			require.Error(t, err)
			assert.True(t, utils.IsUnsupportedChange(err))
			assert.Contains(t, err.Error(), "sqlite")
		})
	}

	t.Run("add not null column without default", func(t *testing.T) {
		desired := prev
		desired.Tables = map[string]schema.Table{"t": {Columns: append(append([]schema.Column{}, prev.Tables["t"].Columns...),
			schema.Column{Name: "required", Type: schema.TypeText, NotNull: true})}}
		_, err := NewDiffer(SQLiteDialect{}).Diff(&prev, desired)
		assert.True(t, utils.IsUnsupportedChange(err))
	})
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor(database.DriverPostgres)
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = DialectFor(database.DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())
	assert.Equal(t, "TEXT", d.ColumnType(schema.Column{Type: schema.TypeUUID}))

	_, err = DialectFor("mysql")
	assert.True(t, utils.IsConfigurationError(err))
}
