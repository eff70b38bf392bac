// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema

import (
	"fmt"
	"strconv"
)

type (
	// A Change represents a schema change command. The types below are
	// the complete, closed set of commands understood by the engine;
	// validators and planners type-switch over them exhaustively.
	Change interface {
		change()
	}

	// CreateExtension describes a database-extension creation change.
	CreateExtension struct {
		E *Extension
	}

	// AddTable describes a table creation change. Columns, indexes and
	// foreign keys declared inside the command ride on T.
	AddTable struct {
		T *Table
	}

	// DropTable describes a table removal change.
	DropTable struct {
		T *Table
	}

	// AddColumn describes a column creation change on an existing table.
	AddColumn struct {
		Table string
		C     *Column
	}

	// DropColumn describes a column removal change.
	DropColumn struct {
		Table string
		Name  string
	}

	// AddForeignKey describes a foreign-key creation change on an
	// existing table.
	AddForeignKey struct {
		Table string
		F     *ForeignKey
	}

	// AddIndex describes an index creation change. If I.Update is set,
	// an existing index with the same name is redefined.
	AddIndex struct {
		Table string
		I     *Index
	}

	// DropIndex describes an index removal change.
	DropIndex struct {
		Table string
		Name  string
	}
)

// changes.
func (*CreateExtension) change() {}
func (*AddTable) change()        {}
func (*DropTable) change()       {}
func (*AddColumn) change()       {}
func (*DropColumn) change()      {}
func (*AddForeignKey) change()   {}
func (*AddIndex) change()        {}
func (*DropIndex) change()       {}

// A ResourceKind enumerates the kinds of named objects a change can
// depend on, provide or destroy.
type ResourceKind string

// Resource kinds.
const (
	KindTable     ResourceKind = "table"
	KindColumn    ResourceKind = "column"
	KindIndex     ResourceKind = "index"
	KindExtension ResourceKind = "extension"
)

// A Resource identifies a named schema object. Column resources are
// qualified by their table as "table.column".
type Resource struct {
	Kind ResourceKind
	Name string
}

// String returns a readable "kind name" form.
func (r Resource) String() string { return string(r.Kind) + " " + strconv.Quote(r.Name) }

// ColumnRef returns the qualified resource for a column of a table.
func ColumnRef(table, column string) Resource {
	return Resource{Kind: KindColumn, Name: table + "." + column}
}

// TableRef returns the resource for a table name.
func TableRef(name string) Resource { return Resource{Kind: KindTable, Name: name} }

// DependsOn returns the named resources that must exist before the
// change can be applied. Dependencies satisfied by the database state
// prior to the batch yield no ordering constraints.
func DependsOn(c Change) []Resource {
	switch c := c.(type) {
	case *AddTable:
		var deps []Resource
		for _, fk := range c.T.ForeignKeys {
			if fk.RefTable == c.T.Name {
				continue // self reference
			}
			deps = append(deps, TableRef(fk.RefTable), ColumnRef(fk.RefTable, fk.RefColumn))
		}
		return deps
	case *AddColumn:
		return []Resource{TableRef(c.Table)}
	case *DropColumn:
		return []Resource{TableRef(c.Table)}
	case *AddForeignKey:
		deps := []Resource{TableRef(c.Table), ColumnRef(c.Table, c.F.Column)}
		if c.F.RefTable != c.Table {
			deps = append(deps, TableRef(c.F.RefTable))
		}
		return append(deps, ColumnRef(c.F.RefTable, c.F.RefColumn))
	case *AddIndex:
		deps := []Resource{TableRef(c.Table)}
		for _, col := range c.I.Columns {
			deps = append(deps, ColumnRef(c.Table, col))
		}
		return deps
	case *DropIndex:
		return []Resource{TableRef(c.Table)}
	}
	return nil
}

// Provides returns the named resources the change creates.
func Provides(c Change) []Resource {
	switch c := c.(type) {
	case *CreateExtension:
		return []Resource{{Kind: KindExtension, Name: c.E.Name}}
	case *AddTable:
		res := []Resource{TableRef(c.T.Name)}
		for _, col := range c.T.Columns {
			res = append(res, ColumnRef(c.T.Name, col.Name))
		}
		for _, idx := range c.T.Indexes {
			res = append(res, Resource{Kind: KindIndex, Name: idx.Name})
		}
		return res
	case *AddColumn:
		return []Resource{ColumnRef(c.Table, c.C.Name)}
	case *AddIndex:
		return []Resource{{Kind: KindIndex, Name: c.I.Name}}
	}
	return nil
}

// Destroys returns the named resources the change removes.
func Destroys(c Change) []Resource {
	switch c := c.(type) {
	case *DropTable:
		return []Resource{TableRef(c.T.Name)}
	case *DropColumn:
		return []Resource{ColumnRef(c.Table, c.Name)}
	case *DropIndex:
		return []Resource{{Kind: KindIndex, Name: c.Name}}
	}
	return nil
}

// Describe returns a short, user-facing description of the change in
// the vocabulary of the migration grammar.
func Describe(c Change) string {
	switch c := c.(type) {
	case *CreateExtension:
		return fmt.Sprintf("createExtension %q", c.E.Name)
	case *AddTable:
		return fmt.Sprintf("addTable %q", c.T.Name)
	case *DropTable:
		return fmt.Sprintf("removeTable %q", c.T.Name)
	case *AddColumn:
		return fmt.Sprintf("addColumn %q.%q", c.Table, c.C.Name)
	case *DropColumn:
		return fmt.Sprintf("removeColumn %q.%q", c.Table, c.Name)
	case *AddForeignKey:
		return fmt.Sprintf("addForeignKey %q.%q", c.Table, c.F.Column)
	case *AddIndex:
		return fmt.Sprintf("addIndex %q on %q", c.I.Name, c.Table)
	case *DropIndex:
		return fmt.Sprintf("removeIndex %q on %q", c.Name, c.Table)
	default:
		return fmt.Sprintf("%T", c)
	}
}
