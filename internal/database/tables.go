package database

import (
	"strings"

	"github.com/lib/pq"
)

// DefaultNamespace isolates the engine's tables from plugin tables.
const DefaultNamespace = "migrations"

// Tables holds the engine table names for one namespace. On Postgres the
// namespace is a schema; SQLite has no schemas so it becomes a table prefix.
type Tables struct {
	Namespace      string
	Records        string
	Journal        string
	Snapshots      string
	EngineVersions string

	schemaQualified bool
}

// NewTables builds the table names for namespace on driver.
func NewTables(driver Driver, namespace string) Tables {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	sep := "_"
	if driver == DriverPostgres {
		sep = "."
	}
	name := func(table string) string { return namespace + sep + table }

	return Tables{
		Namespace:       namespace,
		Records:         name("records"),
		Journal:         name("journal"),
		Snapshots:       name("snapshots"),
		EngineVersions:  name("engine_versions"),
		schemaQualified: driver == DriverPostgres,
	}
}

// SchemaQualified is true when the namespace is a database schema that must
// exist before the tables are created.
func (t Tables) SchemaQualified() bool {
	return t.schemaQualified
}

// Quote renders a table name for raw SQL, quoting each dotted part.
func (t Tables) Quote(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}
