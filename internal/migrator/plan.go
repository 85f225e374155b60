package migrator

import (
	"strings"
)

// OperationKind names one schema change.
type OperationKind string

const (
	OpCreateTable     OperationKind = "create_table"
	OpDropTable       OperationKind = "drop_table"
	OpAddColumn       OperationKind = "add_column"
	OpDropColumn      OperationKind = "drop_column"
	OpAlterColumnType OperationKind = "alter_column_type"
	OpSetNotNull      OperationKind = "set_not_null"
	OpDropNotNull     OperationKind = "drop_not_null"
	OpSetDefault      OperationKind = "set_default"
	OpDropDefault     OperationKind = "drop_default"
	OpAddForeignKey   OperationKind = "add_foreign_key"
	OpDropForeignKey  OperationKind = "drop_foreign_key"
	OpCreateIndex     OperationKind = "create_index"
	OpDropIndex       OperationKind = "drop_index"
)

// Operation is one step of a plan with the statements that perform it.
type Operation struct {
	Kind        OperationKind `json:"kind"`
	Table       string        `json:"table"`
	Column      string        `json:"column,omitempty"`
	Index       string        `json:"index,omitempty"`
	Destructive bool          `json:"destructive"`
	Description string        `json:"description"`
	Statements  []string      `json:"statements"`
}

// Plan is the ordered list of operations that moves a plugin from its last
// snapshot to the desired schema.
type Plan struct {
	Dialect    string      `json:"dialect"`
	Operations []Operation `json:"operations"`
}

// Empty is true when the schemas already match.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Operations) == 0
}

// Destructive reports whether any operation can discard data.
func (p *Plan) Destructive() bool {
	return len(p.DestructiveOperations()) > 0
}

// DestructiveOperations returns the operations that can discard data.
func (p *Plan) DestructiveOperations() []Operation {
	if p == nil {
		return nil
	}
	var out []Operation
	for _, op := range p.Operations {
		if op.Destructive {
			out = append(out, op)
		}
	}
	return out
}

// Statements flattens the plan into the DDL to execute, in order.
func (p *Plan) Statements() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, op := range p.Operations {
		out = append(out, op.Statements...)
	}
	return out
}

// SQL renders the plan as a script, one statement per line block.
func (p *Plan) SQL() string {
	stmts := p.Statements()
	if len(stmts) == 0 {
		return ""
	}
	return strings.Join(stmts, ";\n") + ";"
}

// Descriptions returns a human readable line per operation.
func (p *Plan) Descriptions() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.Operations))
	for i, op := range p.Operations {
		out[i] = op.Description
	}
	return out
}
