// Package schema holds the declarative table layout a plugin hands to the
// migration engine. Values are built by callers (or loaded from YAML/JSON)
// and treated as read-only by the engine.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ColumnType is the semantic type tag of a column.
type ColumnType string

const (
	TypeUUID      ColumnType = "uuid"
	TypeText      ColumnType = "text"
	TypeVarchar   ColumnType = "varchar"
	TypeInteger   ColumnType = "integer"
	TypeBigInt    ColumnType = "bigint"
	TypeReal      ColumnType = "real"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
)

var knownTypes = map[ColumnType]bool{
	TypeUUID:      true,
	TypeText:      true,
	TypeVarchar:   true,
	TypeInteger:   true,
	TypeBigInt:    true,
	TypeReal:      true,
	TypeBoolean:   true,
	TypeTimestamp: true,
	TypeJSON:      true,
}

// Valid reports whether t is one of the supported type tags.
func (t ColumnType) Valid() bool {
	return knownTypes[t]
}

// Reference is a foreign key from a column to another table's column.
type Reference struct {
	Table    string `json:"table" yaml:"table"`
	Column   string `json:"column,omitempty" yaml:"column,omitempty"`
	OnDelete string `json:"on_delete,omitempty" yaml:"on_delete,omitempty"`
}

// TargetColumn defaults to "id" when the reference names only a table.
func (r Reference) TargetColumn() string {
	if r.Column == "" {
		return "id"
	}
	return r.Column
}

// Column describes one column of a table.
type Column struct {
	Name       string     `json:"name" yaml:"name"`
	Type       ColumnType `json:"type" yaml:"type"`
	Length     int        `json:"length,omitempty" yaml:"length,omitempty"`
	PrimaryKey bool       `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	NotNull    bool       `json:"not_null,omitempty" yaml:"not_null,omitempty"`
	Unique     bool       `json:"unique,omitempty" yaml:"unique,omitempty"`
	// Default is a raw SQL expression, e.g. "now()" or "'pending'".
	Default    string     `json:"default,omitempty" yaml:"default,omitempty"`
	References *Reference `json:"references,omitempty" yaml:"references,omitempty"`
}

// Required is true for primary keys and explicit NOT NULL columns.
func (c Column) Required() bool {
	return c.PrimaryKey || c.NotNull
}

// TypeString renders the type tag with its length, e.g. "varchar(64)".
func (c Column) TypeString() string {
	if c.Type == TypeVarchar && c.Length > 0 {
		return fmt.Sprintf("%s(%d)", c.Type, c.Length)
	}
	return string(c.Type)
}

// SameReference compares the foreign keys of two column versions.
func (c Column) SameReference(other Column) bool {
	if c.References == nil || other.References == nil {
		return c.References == nil && other.References == nil
	}
	return c.References.Table == other.References.Table &&
		c.References.TargetColumn() == other.References.TargetColumn() &&
		strings.EqualFold(c.References.OnDelete, other.References.OnDelete)
}

// Index is a secondary index on a table.
type Index struct {
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Equal compares index definitions, ignoring the name.
func (i Index) Equal(other Index) bool {
	if i.Unique != other.Unique || len(i.Columns) != len(other.Columns) {
		return false
	}
	for n := range i.Columns {
		if i.Columns[n] != other.Columns[n] {
			return false
		}
	}
	return true
}

// Table is an ordered list of columns plus its indexes.
type Table struct {
	Columns []Column `json:"columns" yaml:"columns"`
	Indexes []Index  `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// Column looks a column up by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// EffectiveIndexes returns the declared indexes with default names filled in,
// plus one unique index per column flagged Unique.
func (t Table) EffectiveIndexes(table string) []Index {
	out := make([]Index, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		if idx.Name == "" {
			prefix := "idx"
			if idx.Unique {
				prefix = "uq"
			}
			idx.Name = fmt.Sprintf("%s_%s_%s", prefix, table, strings.Join(idx.Columns, "_"))
		}
		out = append(out, idx)
	}
	for _, c := range t.Columns {
		if c.Unique && !c.PrimaryKey {
			out = append(out, Index{
				Name:    fmt.Sprintf("uq_%s_%s", table, c.Name),
				Columns: []string{c.Name},
				Unique:  true,
			})
		}
	}
	return out
}

// PluginSchema maps logical table names to their definitions.
type PluginSchema struct {
	Tables map[string]Table `json:"tables" yaml:"tables"`
}

// TableNames returns the table names in sorted order.
func (s PluginSchema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode returns the canonical JSON form stored in snapshots. Map keys are
// sorted by encoding/json so equal schemas encode identically.
func (s PluginSchema) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Checksum is the hex sha256 of the canonical encoding.
func (s PluginSchema) Checksum() (string, error) {
	data, err := s.Encode()
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses a canonical snapshot payload.
func Decode(data []byte) (*PluginSchema, error) {
	var s PluginSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if s.Tables == nil {
		s.Tables = map[string]Table{}
	}
	return &s, nil
}
