// Package schema derives warehouse column types and projection expressions
// from a table's column mapping.
package schema

import (
	"strings"

	"github.com/datalift-io/biglake-migrator/internal/config"
)

// Type is a warehouse column type.
type Type string

const (
	TypeString    Type = "STRING"
	TypeTimestamp Type = "TIMESTAMP"
	TypeNumeric   Type = "NUMERIC"
	TypeInt64     Type = "INT64"
	TypeBool      Type = "BOOL"
)

// typeRule maps a target-name substring to a column type. Rules are
// evaluated top to bottom; the first match wins.
type typeRule struct {
	substr string
	typ    Type
}

// Identifier-ish names come before date/time so that e.g. "update_id"
// stays STRING.
var typeRules = []typeRule{
	{"id", TypeString},
	{"number", TypeString},
	{"code", TypeString},
	{"phone", TypeString},
	{"postal", TypeString},
	{"date", TypeTimestamp},
	{"time", TypeTimestamp},
	{"amount", TypeNumeric},
	{"price", TypeNumeric},
	{"cost", TypeNumeric},
	{"count", TypeInt64},
	{"qty", TypeInt64},
	{"quantity", TypeInt64},
	{"flag", TypeBool},
	{"is_", TypeBool},
	{"has_", TypeBool},
}

// InferType maps a target column name to a warehouse type. Matching is
// case-insensitive; unmatched names default to STRING.
func InferType(name string) Type {
	lower := strings.ToLower(name)
	for _, r := range typeRules {
		if strings.Contains(lower, r.substr) {
			return r.typ
		}
	}
	return TypeString
}

// Column is one entry of a resolved DDL column list.
type Column struct {
	Name string
	Type Type
}

// Resolution is the resolver output: the DDL column list for the managed
// table and the projection used to load it from the staged representation.
type Resolution struct {
	Columns    []Column
	SelectExpr string
}

// DDLColumnList renders the column list for a CREATE TABLE statement.
func (r Resolution) DDLColumnList() string {
	parts := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		parts[i] = c.Name + " " + string(c.Type)
	}
	return strings.Join(parts, ", ")
}

// Resolve derives a schema and projection from a column mapping. An empty
// mapping resolves to a wildcard projection and no DDL columns: the caller
// creates the managed table from the staged table's own shape.
func Resolve(mapping []config.ColumnMapping) Resolution {
	if len(mapping) == 0 {
		return Resolution{SelectExpr: "*"}
	}

	cols := make([]Column, 0, len(mapping))
	exprs := make([]string, 0, len(mapping))
	for _, m := range mapping {
		cols = append(cols, Column{Name: m.As, Type: InferType(m.As)})
		if m.Expr == m.As {
			exprs = append(exprs, m.Expr)
		} else {
			exprs = append(exprs, m.Expr+" AS "+m.As)
		}
	}

	return Resolution{
		Columns:    cols,
		SelectExpr: strings.Join(exprs, ", "),
	}
}
