// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema

type (
	// A Schema describes the working model of a database schema: the
	// tables and extensions known to exist at a point in the migration
	// timeline. A batch of changes is validated against a Schema and,
	// when applied, produces the next Schema.
	Schema struct {
		Name       string
		Tables     []*Table
		Extensions []*Extension
	}

	// A Table represents a table definition.
	Table struct {
		Name        string
		Columns     []*Column
		Indexes     []*Index
		ForeignKeys []*ForeignKey
		// History indicates that row-level changes of the table
		// are mirrored into an auxiliary history table.
		History bool
	}

	// A Column represents a column definition. Type holds the logical
	// type identifier (e.g. "integer", "text", "uuid") that dialect
	// drivers map to a native database type.
	Column struct {
		Name       string
		Type       string
		Null       bool
		Unique     bool
		PrimaryKey bool
		Default    Expr
	}

	// An Index represents an index definition. Update permits a later
	// definition with the same name to replace the column list.
	Index struct {
		Name    string
		Columns []string
		Update  bool
	}

	// A ForeignKey represents a foreign-key constraint on a single
	// column. Constraint symbols are derived by the dialect drivers.
	ForeignKey struct {
		Column    string
		RefTable  string
		RefColumn string
		OnUpdate  ReferenceOption
		OnDelete  ReferenceOption
	}

	// An Extension represents a database extension (e.g. "uuid-ossp").
	Extension struct {
		Name string
	}
)

type (
	// Expr defines an SQL expression in schema DDL.
	Expr interface {
		expr()
	}

	// Literal represents a basic literal expression like 1, or 'text'.
	Literal struct {
		V string
	}

	// RawExpr represents a raw expression like "uuid_generate_v4()".
	// Raw expressions are fed to the database as-is and their meaning
	// is dialect dependent.
	RawExpr struct {
		X string
	}
)

// expressions.
func (*Literal) expr() {}
func (*RawExpr) expr() {}

// ReferenceOption for constraint actions.
type ReferenceOption string

// Reference options (actions) specified by ON UPDATE and ON DELETE
// subclauses of the FOREIGN KEY clause.
const (
	NoAction   ReferenceOption = "NO ACTION"
	Restrict   ReferenceOption = "RESTRICT"
	Cascade    ReferenceOption = "CASCADE"
	SetNull    ReferenceOption = "SET NULL"
	SetDefault ReferenceOption = "SET DEFAULT"
)

// Table returns the first table that matched the given name.
func (s *Schema) Table(name string) (*Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Extension returns the first extension that matched the given name.
func (s *Schema) Extension(name string) (*Extension, bool) {
	for _, e := range s.Extensions {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Column returns the first column that matched the given name.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Index returns the first index that matched the given name.
func (t *Table) Index(name string) (*Index, bool) {
	for _, i := range t.Indexes {
		if i.Name == name {
			return i, true
		}
	}
	return nil, false
}

// ForeignKey returns the first foreign key constraining the given column.
func (t *Table) ForeignKey(column string) (*ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return nil, false
}

// PrimaryKey returns the primary-key column of the table, if defined.
func (t *Table) PrimaryKey() (*Column, bool) {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the schema. Validators thread state
// forward on a clone so that callers observe no mutation.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return &Schema{}
	}
	c := &Schema{Name: s.Name}
	for _, t := range s.Tables {
		c.Tables = append(c.Tables, t.Clone())
	}
	for _, e := range s.Extensions {
		x := *e
		c.Extensions = append(c.Extensions, &x)
	}
	return c
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{Name: t.Name, History: t.History}
	for _, col := range t.Columns {
		cc := *col
		c.Columns = append(c.Columns, &cc)
	}
	for _, idx := range t.Indexes {
		ci := *idx
		ci.Columns = append([]string(nil), idx.Columns...)
		c.Indexes = append(c.Indexes, &ci)
	}
	for _, fk := range t.ForeignKeys {
		cf := *fk
		c.ForeignKeys = append(c.ForeignKeys, &cf)
	}
	return c
}

// RemoveTable removes the named table from the schema, if present.
func (s *Schema) RemoveTable(name string) {
	for i, t := range s.Tables {
		if t.Name == name {
			s.Tables = append(s.Tables[:i], s.Tables[i+1:]...)
			return
		}
	}
}

// RemoveColumn removes the named column from the table, if present.
func (t *Table) RemoveColumn(name string) {
	for i, c := range t.Columns {
		if c.Name == name {
			t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
			return
		}
	}
}

// RemoveIndex removes the named index from the table, if present.
func (t *Table) RemoveIndex(name string) {
	for i, idx := range t.Indexes {
		if idx.Name == name {
			t.Indexes = append(t.Indexes[:i], t.Indexes[i+1:]...)
			return
		}
	}
}

// RemoveForeignKey removes the foreign key constraining the given
// column from the table, if present.
func (t *Table) RemoveForeignKey(column string) {
	for i, fk := range t.ForeignKeys {
		if fk.Column == column {
			t.ForeignKeys = append(t.ForeignKeys[:i], t.ForeignKeys[i+1:]...)
			return
		}
	}
}
