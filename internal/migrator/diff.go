package migrator

import (
	"fmt"
	"sort"

	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// Differ compares a plugin's last recorded schema with the desired one.
type Differ struct {
	dialect Dialect
}

// NewDiffer creates a differ that renders statements with dialect.
func NewDiffer(dialect Dialect) *Differ {
	return &Differ{dialect: dialect}
}

// plan phases, executed in this order. structure holds created tables,
// added columns and unique indexes per table in reference order, so a
// foreign key only ever targets a table, column and unique key that
// already exist.
type phases struct {
	dropIndexes  []Operation
	structure    []Operation
	alterColumns []Operation
	foreignKeys  []Operation
	dropColumns  []Operation
	dropTables   []Operation
	createIndex  []Operation
}

func (p *phases) flatten() []Operation {
	var out []Operation
	for _, group := range [][]Operation{
		p.dropIndexes, p.structure, p.alterColumns,
		p.foreignKeys, p.dropColumns, p.dropTables, p.createIndex,
	} {
		out = append(out, group...)
	}
	return out
}

// Diff computes the plan from previous to desired. A nil previous means the
// plugin has never been migrated and every table is created.
//
// Tables are visited in reference order, columns in declared order, so equal
// inputs always produce the same plan.
func (d *Differ) Diff(previous *schema.PluginSchema, desired schema.PluginSchema) (*Plan, error) {
	if previous == nil {
		previous = &schema.PluginSchema{Tables: map[string]schema.Table{}}
	}

	order, err := desired.CreationOrder()
	if err != nil {
		return nil, err
	}

	var ph phases
	for _, name := range order {
		want := desired.Tables[name]
		have, exists := previous.Tables[name]
		if !exists {
			ph.structure = append(ph.structure, Operation{
				Kind:        OpCreateTable,
				Table:       name,
				Description: fmt.Sprintf("create table %s", name),
				Statements:  d.dialect.CreateTable(name, want),
			})
			for _, idx := range want.EffectiveIndexes(name) {
				ph.addIndex(d.createIndexOp(name, idx), idx)
			}
			continue
		}
		if err := d.diffTable(&ph, name, have, want); err != nil {
			return nil, err
		}
	}

	if err := d.dropRemovedTables(&ph, previous, desired); err != nil {
		return nil, err
	}

	return &Plan{Dialect: d.dialect.Name(), Operations: ph.flatten()}, nil
}

func (d *Differ) diffTable(ph *phases, name string, have, want schema.Table) error {
	if !samePrimaryKey(have, want) {
		return &utils.UnsupportedChangeError{
			Dialect: d.dialect.Name(),
			Change:  fmt.Sprintf("primary key of table %s changed", name),
		}
	}

	for _, col := range want.Columns {
		old, ok := have.Column(col.Name)
		if !ok {
			stmts, err := d.dialect.AddColumn(name, col)
			if err != nil {
				return err
			}
			ph.structure = append(ph.structure, Operation{
				Kind:        OpAddColumn,
				Table:       name,
				Column:      col.Name,
				Description: fmt.Sprintf("add column %s.%s %s", name, col.Name, col.TypeString()),
				Statements:  stmts,
			})
			continue
		}
		if err := d.diffColumn(ph, name, old, col); err != nil {
			return err
		}
	}

	for _, old := range have.Columns {
		if _, ok := want.Column(old.Name); ok {
			continue
		}
		stmts, err := d.dialect.DropColumn(name, old)
		if err != nil {
			return err
		}
		ph.dropColumns = append(ph.dropColumns, Operation{
			Kind:        OpDropColumn,
			Table:       name,
			Column:      old.Name,
			Destructive: true,
			Description: fmt.Sprintf("drop column %s.%s", name, old.Name),
			Statements:  stmts,
		})
	}

	d.diffIndexes(ph, name, have, want)
	return nil
}

func (d *Differ) diffColumn(ph *phases, table string, old, col schema.Column) error {
	if old.Type != col.Type || (col.Type == schema.TypeVarchar && old.Length != col.Length) {
		stmts, err := d.dialect.AlterColumnType(table, old, col)
		if err != nil {
			return err
		}
		ph.alterColumns = append(ph.alterColumns, Operation{
			Kind:        OpAlterColumnType,
			Table:       table,
			Column:      col.Name,
			Destructive: !widens(old, col),
			Description: fmt.Sprintf("alter column %s.%s type %s -> %s", table, col.Name, old.TypeString(), col.TypeString()),
			Statements:  stmts,
		})
	}

	if old.Required() != col.Required() {
		stmts, err := d.dialect.SetNotNull(table, col.Name, col.Required())
		if err != nil {
			return err
		}
		kind, verb := OpDropNotNull, "drop"
		if col.Required() {
			kind, verb = OpSetNotNull, "set"
		}
		ph.alterColumns = append(ph.alterColumns, Operation{
			Kind:        kind,
			Table:       table,
			Column:      col.Name,
			Description: fmt.Sprintf("%s not null on %s.%s", verb, table, col.Name),
			Statements:  stmts,
		})
	}

	if old.Default != col.Default {
		stmts, err := d.dialect.SetDefault(table, col)
		if err != nil {
			return err
		}
		op := Operation{
			Kind:        OpSetDefault,
			Table:       table,
			Column:      col.Name,
			Description: fmt.Sprintf("set default of %s.%s to %s", table, col.Name, col.Default),
			Statements:  stmts,
		}
		if col.Default == "" {
			op.Kind = OpDropDefault
			op.Description = fmt.Sprintf("drop default of %s.%s", table, col.Name)
		}
		ph.alterColumns = append(ph.alterColumns, op)
	}

	if !old.SameReference(col) {
		if old.References != nil {
			stmts, err := d.dialect.DropForeignKey(table, col.Name)
			if err != nil {
				return err
			}
			ph.foreignKeys = append(ph.foreignKeys, Operation{
				Kind:        OpDropForeignKey,
				Table:       table,
				Column:      col.Name,
				Description: fmt.Sprintf("drop foreign key %s.%s -> %s", table, col.Name, old.References.Table),
				Statements:  stmts,
			})
		}
		if col.References != nil {
			stmts, err := d.dialect.AddForeignKey(table, col)
			if err != nil {
				return err
			}
			ph.foreignKeys = append(ph.foreignKeys, Operation{
				Kind:        OpAddForeignKey,
				Table:       table,
				Column:      col.Name,
				Description: fmt.Sprintf("add foreign key %s.%s -> %s.%s", table, col.Name, col.References.Table, col.References.TargetColumn()),
				Statements:  stmts,
			})
		}
	}
	return nil
}

func (d *Differ) diffIndexes(ph *phases, table string, have, want schema.Table) {
	oldIdx := indexByName(have.EffectiveIndexes(table))
	newIdx := indexByName(want.EffectiveIndexes(table))

	for _, name := range sortedIndexNames(oldIdx) {
		old := oldIdx[name]
		if idx, ok := newIdx[name]; ok && idx.Equal(old) {
			continue
		}
		ph.dropIndexes = append(ph.dropIndexes, Operation{
			Kind:        OpDropIndex,
			Table:       table,
			Index:       name,
			Description: fmt.Sprintf("drop index %s on %s", name, table),
			Statements:  d.dialect.DropIndex(table, old),
		})
	}
	// Keep declared order for creation.
	for _, idx := range want.EffectiveIndexes(table) {
		if old, ok := oldIdx[idx.Name]; ok && old.Equal(idx) {
			continue
		}
		ph.addIndex(d.createIndexOp(table, idx), idx)
	}
}

// addIndex places unique indexes with their table so foreign keys can target
// them; plain indexes are built last.
func (p *phases) addIndex(op Operation, idx schema.Index) {
	if idx.Unique {
		p.structure = append(p.structure, op)
		return
	}
	p.createIndex = append(p.createIndex, op)
}

func (d *Differ) createIndexOp(table string, idx schema.Index) Operation {
	kind := "index"
	if idx.Unique {
		kind = "unique index"
	}
	return Operation{
		Kind:        OpCreateIndex,
		Table:       table,
		Index:       idx.Name,
		Description: fmt.Sprintf("create %s %s on %s", kind, idx.Name, table),
		Statements:  d.dialect.CreateIndex(table, idx),
	}
}

// dropRemovedTables drops tables missing from desired, referencing tables
// before the tables they reference.
func (d *Differ) dropRemovedTables(ph *phases, previous *schema.PluginSchema, desired schema.PluginSchema) error {
	order, err := previous.CreationOrder()
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if _, ok := desired.Tables[name]; ok {
			continue
		}
		ph.dropTables = append(ph.dropTables, Operation{
			Kind:        OpDropTable,
			Table:       name,
			Destructive: true,
			Description: fmt.Sprintf("drop table %s", name),
			Statements:  d.dialect.DropTable(name),
		})
	}
	return nil
}

// widens reports the type changes that cannot lose data: varchar to text,
// varchar(n) to varchar(m) with m >= n, and integer to bigint.
func widens(from, to schema.Column) bool {
	switch {
	case from.Type == schema.TypeVarchar && to.Type == schema.TypeText:
		return true
	case from.Type == schema.TypeVarchar && to.Type == schema.TypeVarchar:
		return to.Length >= from.Length
	case from.Type == schema.TypeInteger && to.Type == schema.TypeBigInt:
		return true
	default:
		return false
	}
}

func samePrimaryKey(a, b schema.Table) bool {
	pk := func(t schema.Table) []string {
		var cols []string
		for _, c := range t.Columns {
			if c.PrimaryKey {
				cols = append(cols, c.Name)
			}
		}
		sort.Strings(cols)
		return cols
	}
	x, y := pk(a), pk(b)
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func indexByName(indexes []schema.Index) map[string]schema.Index {
	m := make(map[string]schema.Index, len(indexes))
	for _, idx := range indexes {
		m[idx.Name] = idx
	}
	return m
}

func sortedIndexNames(m map[string]schema.Index) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
