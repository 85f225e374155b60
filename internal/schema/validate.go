package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ksred/plugin-migrate/internal/utils"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidatePluginName rejects names that cannot key a lock or a record.
func ValidatePluginName(name string) error {
	if strings.TrimSpace(name) == "" {
		return utils.RequiredFieldError("plugin")
	}
	if len(name) > 255 {
		return utils.InvalidFieldError("plugin", "name must be at most 255 characters")
	}
	return nil
}

// Validate checks the declaration for mistakes that would otherwise surface as
// half-rendered DDL.
func (s PluginSchema) Validate() error {
	if len(s.Tables) == 0 {
		return utils.InvalidFieldError("tables", "schema must declare at least one table")
	}

	for _, name := range s.TableNames() {
		table := s.Tables[name]
		field := "tables." + name
		if !identifierRe.MatchString(name) {
			return utils.InvalidFieldError(field, "table name must be a plain SQL identifier")
		}
		if len(table.Columns) == 0 {
			return utils.InvalidFieldError(field, "table must declare at least one column")
		}

		seen := make(map[string]bool, len(table.Columns))
		for _, col := range table.Columns {
			colField := field + "." + col.Name
			if !identifierRe.MatchString(col.Name) {
				return utils.InvalidFieldError(colField, "column name must be a plain SQL identifier")
			}
			if seen[col.Name] {
				return utils.InvalidFieldError(colField, "duplicate column")
			}
			seen[col.Name] = true

			if !col.Type.Valid() {
				return utils.InvalidFieldError(colField, fmt.Sprintf("unknown column type %q", col.Type))
			}
			if col.Type == TypeVarchar && col.Length <= 0 {
				return utils.InvalidFieldError(colField, "varchar requires a positive length")
			}
			if col.Type != TypeVarchar && col.Length != 0 {
				return utils.InvalidFieldError(colField, fmt.Sprintf("length applies only to varchar, not %s", col.Type))
			}
			if col.References != nil {
				if err := s.validateReference(colField, *col.References); err != nil {
					return err
				}
			}
		}

		for _, idx := range table.EffectiveIndexes(name) {
			if len(idx.Columns) == 0 {
				return utils.InvalidFieldError(field+".indexes."+idx.Name, "index must cover at least one column")
			}
			for _, c := range idx.Columns {
				if !seen[c] {
					return utils.InvalidFieldError(field+".indexes."+idx.Name, fmt.Sprintf("unknown column %q", c))
				}
			}
		}
	}

	if _, err := s.CreationOrder(); err != nil {
		return err
	}
	return nil
}

func (s PluginSchema) validateReference(field string, ref Reference) error {
	if ref.Table == "" {
		return utils.InvalidFieldError(field, "reference must name a table")
	}
	switch strings.ToUpper(ref.OnDelete) {
	case "", "CASCADE", "SET NULL", "RESTRICT", "NO ACTION", "SET DEFAULT":
	default:
		return utils.InvalidFieldError(field, fmt.Sprintf("unsupported on_delete action %q", ref.OnDelete))
	}
	// Tables outside this schema are assumed to exist already.
	target, ok := s.Tables[ref.Table]
	if !ok {
		return nil
	}
	if _, ok := target.Column(ref.TargetColumn()); !ok {
		return utils.InvalidFieldError(field, fmt.Sprintf("referenced column %s.%s does not exist", ref.Table, ref.TargetColumn()))
	}
	return nil
}

// Dependencies returns the tables of this schema that table references,
// excluding itself.
func (s PluginSchema) Dependencies(table string) []string {
	var deps []string
	seen := map[string]bool{}
	for _, col := range s.Tables[table].Columns {
		if col.References == nil {
			continue
		}
		target := col.References.Table
		if target == table || seen[target] {
			continue
		}
		if _, ok := s.Tables[target]; ok {
			seen[target] = true
			deps = append(deps, target)
		}
	}
	return deps
}

// CreationOrder sorts the tables so referenced tables come before the tables
// that reference them. Ties are broken by name. A reference cycle between
// different tables is a validation error.
func (s PluginSchema) CreationOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(s.Tables))
	order := make([]string, 0, len(s.Tables))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return utils.InvalidFieldError("tables", fmt.Sprintf("cyclic foreign key references: %s",
				strings.Join(append(path, name), " -> ")))
		}
		state[name] = visiting
		for _, dep := range s.Dependencies(name) {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range s.TableNames() {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
