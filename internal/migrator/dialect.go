package migrator

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ksred/plugin-migrate/internal/database"
	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// Dialect renders schema operations as DDL for one backend.
type Dialect interface {
	Name() string
	ColumnType(c schema.Column) string
	CreateTable(table string, t schema.Table) []string
	DropTable(table string) []string
	AddColumn(table string, c schema.Column) ([]string, error)
	DropColumn(table string, c schema.Column) ([]string, error)
	AlterColumnType(table string, from, to schema.Column) ([]string, error)
	SetNotNull(table, column string, notNull bool) ([]string, error)
	SetDefault(table string, c schema.Column) ([]string, error)
	AddForeignKey(table string, c schema.Column) ([]string, error)
	DropForeignKey(table, column string) ([]string, error)
	CreateIndex(table string, idx schema.Index) []string
	DropIndex(table string, idx schema.Index) []string
}

// DialectFor returns the dialect for a database driver.
func DialectFor(driver database.Driver) (Dialect, error) {
	switch driver {
	case database.DriverPostgres:
		return PostgresDialect{}, nil
	case database.DriverSQLite:
		return SQLiteDialect{}, nil
	default:
		return nil, &utils.ConfigurationError{Setting: "database.driver", Message: fmt.Sprintf("no DDL dialect for %q", driver)}
	}
}

func quote(name string) string {
	return pq.QuoteIdentifier(name)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}

func foreignKeyName(table, column string) string {
	return fmt.Sprintf("fk_%s_%s", table, column)
}

func referenceClause(ref schema.Reference) string {
	clause := fmt.Sprintf("REFERENCES %s (%s)", quote(ref.Table), quote(ref.TargetColumn()))
	if ref.OnDelete != "" {
		clause += " ON DELETE " + strings.ToUpper(ref.OnDelete)
	}
	return clause
}

func columnDefinition(d Dialect, c schema.Column) string {
	var b strings.Builder
	b.WriteString(quote(c.Name))
	b.WriteString(" ")
	b.WriteString(d.ColumnType(c))
	if c.Required() {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func createTable(d Dialect, table string, t schema.Table) string {
	lines := make([]string, 0, len(t.Columns)+2)
	var pk []string
	for _, c := range t.Columns {
		lines = append(lines, "\t"+columnDefinition(d, c))
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	if len(pk) > 0 {
		lines = append(lines, fmt.Sprintf("\tPRIMARY KEY (%s)", quoteList(pk)))
	}
	for _, c := range t.Columns {
		if c.References != nil {
			lines = append(lines, fmt.Sprintf("\tCONSTRAINT %s FOREIGN KEY (%s) %s",
				quote(foreignKeyName(table, c.Name)), quote(c.Name), referenceClause(*c.References)))
		}
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", quote(table), strings.Join(lines, ",\n"))
}

func createIndex(table string, idx schema.Index) string {
	kind := "INDEX"
	if idx.Unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s %s ON %s (%s)", kind, quote(idx.Name), quote(table), quoteList(idx.Columns))
}

// --- Postgres ---

// PostgresDialect renders DDL for PostgreSQL.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return string(database.DriverPostgres) }

func (PostgresDialect) ColumnType(c schema.Column) string {
	switch c.Type {
	case schema.TypeUUID:
		return "UUID"
	case schema.TypeText:
		return "TEXT"
	case schema.TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeBigInt:
		return "BIGINT"
	case schema.TypeReal:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeJSON:
		return "JSONB"
	default:
		return strings.ToUpper(string(c.Type))
	}
}

func (d PostgresDialect) CreateTable(table string, t schema.Table) []string {
	return []string{createTable(d, table, t)}
}

func (PostgresDialect) DropTable(table string) []string {
	return []string{"DROP TABLE " + quote(table)}
}

func (d PostgresDialect) AddColumn(table string, c schema.Column) ([]string, error) {
	if c.PrimaryKey {
		return nil, &utils.UnsupportedChangeError{Dialect: d.Name(), Change: fmt.Sprintf("add primary key column %s.%s", table, c.Name)}
	}
	stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(table), columnDefinition(d, c))}
	if c.References != nil {
		fk, _ := d.AddForeignKey(table, c)
		stmts = append(stmts, fk...)
	}
	return stmts, nil
}

func (PostgresDialect) DropColumn(table string, c schema.Column) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quote(table), quote(c.Name))}, nil
}

func (d PostgresDialect) AlterColumnType(table string, from, to schema.Column) ([]string, error) {
	typ := d.ColumnType(to)
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		quote(table), quote(to.Name), typ, quote(to.Name), typ)}, nil
}

func (PostgresDialect) SetNotNull(table, column string, notNull bool) ([]string, error) {
	action := "DROP NOT NULL"
	if notNull {
		action = "SET NOT NULL"
	}
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", quote(table), quote(column), action)}, nil
}

func (PostgresDialect) SetDefault(table string, c schema.Column) ([]string, error) {
	if c.Default == "" {
		return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", quote(table), quote(c.Name))}, nil
	}
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", quote(table), quote(c.Name), c.Default)}, nil
}

func (PostgresDialect) AddForeignKey(table string, c schema.Column) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) %s",
		quote(table), quote(foreignKeyName(table, c.Name)), quote(c.Name), referenceClause(*c.References))}, nil
}

func (PostgresDialect) DropForeignKey(table, column string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
		quote(table), quote(foreignKeyName(table, column)))}, nil
}

func (PostgresDialect) CreateIndex(table string, idx schema.Index) []string {
	return []string{createIndex(table, idx)}
}

func (PostgresDialect) DropIndex(table string, idx schema.Index) []string {
	return []string{"DROP INDEX IF EXISTS " + quote(idx.Name)}
}

// --- SQLite ---

// SQLiteDialect renders DDL for SQLite. ALTER TABLE in SQLite can only add,
// drop and rename columns, so changes to existing column definitions are
// reported as unsupported.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return string(database.DriverSQLite) }

func (SQLiteDialect) ColumnType(c schema.Column) string {
	switch c.Type {
	case schema.TypeUUID, schema.TypeText, schema.TypeJSON:
		return "TEXT"
	case schema.TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	case schema.TypeInteger, schema.TypeBigInt:
		return "INTEGER"
	case schema.TypeReal:
		return "REAL"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return strings.ToUpper(string(c.Type))
	}
}

func (d SQLiteDialect) unsupported(format string, args ...interface{}) error {
	return &utils.UnsupportedChangeError{Dialect: d.Name(), Change: fmt.Sprintf(format, args...)}
}

func (d SQLiteDialect) CreateTable(table string, t schema.Table) []string {
	return []string{createTable(d, table, t)}
}

func (SQLiteDialect) DropTable(table string) []string {
	return []string{"DROP TABLE " + quote(table)}
}

func (d SQLiteDialect) AddColumn(table string, c schema.Column) ([]string, error) {
	if c.PrimaryKey {
		return nil, d.unsupported("add primary key column %s.%s", table, c.Name)
	}
	if c.NotNull && c.Default == "" {
		return nil, d.unsupported("add NOT NULL column %s.%s without a default", table, c.Name)
	}
	def := columnDefinition(d, c)
	if c.References != nil {
		def += " " + referenceClause(*c.References)
	}
	return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(table), def)}, nil
}

func (d SQLiteDialect) DropColumn(table string, c schema.Column) ([]string, error) {
	if c.References != nil {
		return nil, d.unsupported("drop foreign key column %s.%s", table, c.Name)
	}
	return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quote(table), quote(c.Name))}, nil
}

// AlterColumnType accepts widening conversions without DDL: SQLite does not
// enforce VARCHAR lengths and stores every integer width the same way.
func (d SQLiteDialect) AlterColumnType(table string, from, to schema.Column) ([]string, error) {
	if widens(from, to) {
		return []string{}, nil
	}
	return nil, d.unsupported("change type of %s.%s from %s to %s", table, to.Name, from.TypeString(), to.TypeString())
}

func (d SQLiteDialect) SetNotNull(table, column string, notNull bool) ([]string, error) {
	return nil, d.unsupported("change nullability of %s.%s", table, column)
}

func (d SQLiteDialect) SetDefault(table string, c schema.Column) ([]string, error) {
	return nil, d.unsupported("change default of %s.%s", table, c.Name)
}

func (d SQLiteDialect) AddForeignKey(table string, c schema.Column) ([]string, error) {
	return nil, d.unsupported("add foreign key on existing column %s.%s", table, c.Name)
}

func (d SQLiteDialect) DropForeignKey(table, column string) ([]string, error) {
	return nil, d.unsupported("drop foreign key on %s.%s", table, column)
}

func (SQLiteDialect) CreateIndex(table string, idx schema.Index) []string {
	return []string{createIndex(table, idx)}
}

func (SQLiteDialect) DropIndex(table string, idx schema.Index) []string {
	return []string{"DROP INDEX IF EXISTS " + quote(idx.Name)}
}
