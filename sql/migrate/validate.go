// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"fmt"
	"strings"

	"github.com/stratadb/strata/sql/schema"
)

// A Validator checks an ordered list of changes against a schema
// state, threading the state command by command so later changes can
// reference objects created earlier in the same batch.
type Validator struct {
	// State is the schema the batch is applied on.
	// A nil state is an empty schema.
	State *schema.Schema

	// Cascade allows removing a column together with the indexes
	// and foreign keys referencing it. Without it such a removal
	// is refused with a ColumnInUseError.
	Cascade bool
}

// Validate checks the given changes in order and returns the schema
// state after all of them were applied. Errors do not stop the pass;
// they are collected and returned together as ValidationErrors, and
// the offending change leaves the state untouched.
func (v *Validator) Validate(changes []schema.Change) (*schema.Schema, error) {
	w := &validation{
		state:   v.State.Clone(),
		cascade: v.Cascade,
		dropped: make(map[string]bool),
	}
	for i, c := range changes {
		switch c := c.(type) {
		case *schema.CreateExtension:
			w.createExtension(i, c)
		case *schema.AddTable:
			w.addTable(i, c)
		case *schema.DropTable:
			w.dropTable(i, c)
		case *schema.AddColumn:
			w.addColumn(i, c)
		case *schema.DropColumn:
			w.dropColumn(i, c)
		case *schema.AddForeignKey:
			w.addForeignKey(i, c)
		case *schema.AddIndex:
			w.addIndex(i, c)
		case *schema.DropIndex:
			w.dropIndex(i, c)
		default:
			w.fail(fmt.Errorf("sql/migrate: unexpected change type %T", c))
		}
	}
	if len(w.errs) > 0 {
		return nil, w.errs
	}
	return w.state, nil
}

// validation holds the working state of one Validate pass.
type validation struct {
	state   *schema.Schema
	cascade bool
	dropped map[string]bool // tables removed earlier in the batch
	errs    ValidationErrors
}

func (w *validation) fail(err error) {
	w.errs = append(w.errs, err)
}

func (w *validation) createExtension(pos int, c *schema.CreateExtension) {
	if _, ok := w.state.Extension(c.E.Name); ok {
		w.fail(&DuplicateExtensionError{Pos: pos, Name: c.E.Name})
		return
	}
	w.state.Extensions = append(w.state.Extensions, &schema.Extension{Name: c.E.Name})
}

func (w *validation) addTable(pos int, c *schema.AddTable) {
	t := c.T
	if _, ok := w.state.Table(t.Name); ok {
		w.fail(&DuplicateTableError{Pos: pos, Name: t.Name})
		return
	}
	ok := true
	seen := make(map[string]bool)
	for _, col := range t.Columns {
		if seen[col.Name] {
			w.fail(&DuplicateColumnError{Pos: pos, Table: t.Name, Column: col.Name})
			ok = false
		}
		seen[col.Name] = true
	}
	for _, idx := range t.Indexes {
		if owner, exists := w.indexOwner(idx.Name); exists && !idx.Update {
			w.fail(&DuplicateIndexError{Pos: pos, Table: owner, Index: idx.Name})
			ok = false
		}
		for _, col := range idx.Columns {
			if !seen[col] {
				w.fail(&UnknownColumnError{Pos: pos, Table: t.Name, Column: col})
				ok = false
			}
		}
	}
	for _, fk := range t.ForeignKeys {
		if !seen[fk.Column] {
			w.fail(&UnknownColumnError{Pos: pos, Table: t.Name, Column: fk.Column})
			ok = false
		}
		// A self-reference resolves against this table's own columns.
		if !w.checkRef(pos, t, fk) {
			ok = false
		}
	}
	if !ok {
		return
	}
	for _, idx := range t.Indexes {
		if idx.Update {
			w.removeIndexByName(idx.Name)
		}
	}
	delete(w.dropped, t.Name)
	w.state.Tables = append(w.state.Tables, t)
}

func (w *validation) dropTable(pos int, c *schema.DropTable) {
	t, ok := w.state.Table(c.T.Name)
	if !ok {
		w.fail(&UnknownTableError{Pos: pos, Table: c.T.Name})
		return
	}
	w.state.RemoveTable(t.Name)
	w.dropped[t.Name] = true
}

func (w *validation) addColumn(pos int, c *schema.AddColumn) {
	t, ok := w.table(pos, c.Table)
	if !ok {
		return
	}
	if _, ok := t.Column(c.C.Name); ok {
		w.fail(&DuplicateColumnError{Pos: pos, Table: t.Name, Column: c.C.Name})
		return
	}
	t.Columns = append(t.Columns, c.C)
}

func (w *validation) dropColumn(pos int, c *schema.DropColumn) {
	t, ok := w.table(pos, c.Table)
	if !ok {
		return
	}
	if _, ok := t.Column(c.Name); !ok {
		w.fail(&UnknownColumnError{Pos: pos, Table: t.Name, Column: c.Name})
		return
	}
	used := w.dependents(t.Name, c.Name)
	if len(used) > 0 && !w.cascade {
		w.fail(&ColumnInUseError{Pos: pos, Table: t.Name, Column: c.Name, UsedBy: used})
		return
	}
	// Cascade removes the dependents from the state alongside the
	// column so drivers can plan their removal.
	w.removeDependents(t.Name, c.Name)
	t.RemoveColumn(c.Name)
}

// removeDependents removes from the state all indexes and foreign keys
// referencing the given column.
func (w *validation) removeDependents(table, column string) {
	for _, t := range w.state.Tables {
		var idxs []string
		for _, idx := range t.Indexes {
			if t.Name == table && indexCovers(idx, column) {
				idxs = append(idxs, idx.Name)
			}
		}
		for _, n := range idxs {
			t.RemoveIndex(n)
		}
		var fks []string
		for _, fk := range t.ForeignKeys {
			if t.Name == table && fk.Column == column || fk.RefTable == table && fk.RefColumn == column {
				fks = append(fks, fk.Column)
			}
		}
		for _, n := range fks {
			t.RemoveForeignKey(n)
		}
	}
}

func (w *validation) addForeignKey(pos int, c *schema.AddForeignKey) {
	t, ok := w.table(pos, c.Table)
	if !ok {
		return
	}
	if _, ok := t.Column(c.F.Column); !ok {
		w.fail(&UnknownColumnError{Pos: pos, Table: t.Name, Column: c.F.Column})
		return
	}
	if _, ok := t.ForeignKey(c.F.Column); ok {
		w.fail(&DuplicateForeignKeyError{Pos: pos, Table: t.Name, Column: c.F.Column})
		return
	}
	if !w.checkRef(pos, t, c.F) {
		return
	}
	t.ForeignKeys = append(t.ForeignKeys, c.F)
}

func (w *validation) addIndex(pos int, c *schema.AddIndex) {
	t, ok := w.table(pos, c.Table)
	if !ok {
		return
	}
	owner, exists := w.indexOwner(c.I.Name)
	if exists && !c.I.Update {
		w.fail(&DuplicateIndexError{Pos: pos, Table: owner, Index: c.I.Name})
		return
	}
	valid := true
	for _, col := range c.I.Columns {
		if _, found := t.Column(col); !found {
			w.fail(&UnknownColumnError{Pos: pos, Table: t.Name, Column: col})
			valid = false
		}
	}
	if !valid {
		return
	}
	if exists {
		w.removeIndexByName(c.I.Name)
	}
	t.Indexes = append(t.Indexes, c.I)
}

func (w *validation) dropIndex(pos int, c *schema.DropIndex) {
	t, ok := w.table(pos, c.Table)
	if !ok {
		return
	}
	if _, ok := t.Index(c.Name); !ok {
		w.fail(&UnknownIndexError{Pos: pos, Table: t.Name, Index: c.Name})
		return
	}
	t.RemoveIndex(c.Name)
}

// table resolves a table name against the current state, reporting an
// UnknownTableError when it is absent.
func (w *validation) table(pos int, name string) (*schema.Table, bool) {
	t, ok := w.state.Table(name)
	if !ok {
		w.fail(&UnknownTableError{Pos: pos, Table: name})
	}
	return t, ok
}

// checkRef validates the target of a foreign key against the current
// state. The owning table is passed separately so self-references
// resolve while the table is still being assembled.
func (w *validation) checkRef(pos int, t *schema.Table, fk *schema.ForeignKey) bool {
	ref := t
	if fk.RefTable != t.Name {
		var ok bool
		if ref, ok = w.state.Table(fk.RefTable); !ok {
			refName := fk.RefTable + "." + fk.RefColumn
			if w.dropped[fk.RefTable] {
				w.fail(&DanglingReferenceError{Pos: pos, Table: t.Name, Ref: refName})
			} else {
				w.fail(&UnresolvedReferenceError{Pos: pos, Table: t.Name, Ref: refName})
			}
			return false
		}
	}
	col, ok := ref.Column(fk.RefColumn)
	if !ok {
		w.fail(&UnresolvedReferenceError{Pos: pos, Table: t.Name, Ref: fk.RefTable + "." + fk.RefColumn})
		return false
	}
	if !col.Unique && !col.PrimaryKey {
		w.fail(&NonUniqueReferenceError{Pos: pos, Table: t.Name, Ref: fk.RefTable + "." + fk.RefColumn})
		return false
	}
	return true
}

// dependents returns descriptions of the indexes and foreign keys
// referencing the given column.
func (w *validation) dependents(table, column string) []string {
	var used []string
	for _, t := range w.state.Tables {
		for _, idx := range t.Indexes {
			if t.Name == table && indexCovers(idx, column) {
				used = append(used, fmt.Sprintf("index %q", idx.Name))
			}
		}
		for _, fk := range t.ForeignKeys {
			switch {
			case t.Name == table && fk.Column == column:
				used = append(used, fmt.Sprintf("foreign key on %q.%q", t.Name, fk.Column))
			case fk.RefTable == table && fk.RefColumn == column:
				used = append(used, fmt.Sprintf("foreign key on %q.%q", t.Name, fk.Column))
			}
		}
	}
	return used
}

// indexOwner reports the table holding an index by that name. Index
// names are unique across the schema, not per table.
func (w *validation) indexOwner(name string) (string, bool) {
	for _, t := range w.state.Tables {
		if _, ok := t.Index(name); ok {
			return t.Name, true
		}
	}
	return "", false
}

func (w *validation) removeIndexByName(name string) {
	for _, t := range w.state.Tables {
		t.RemoveIndex(name)
	}
}

func indexCovers(idx *schema.Index, column string) bool {
	for _, c := range idx.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// ValidationErrors collects all errors found in one validation pass.
type ValidationErrors []error

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	s := make([]string, len(e))
	for i := range e {
		s[i] = e[i].Error()
	}
	return strings.Join(s, "; ")
}

// Unwrap supports errors.Is and errors.As over the collected errors.
func (e ValidationErrors) Unwrap() []error { return e }

type (
	// DuplicateExtensionError is reported for a createExtension
	// naming an extension that already exists.
	DuplicateExtensionError struct {
		Pos  int
		Name string
	}

	// DuplicateTableError is reported for an addTable naming a
	// table that already exists.
	DuplicateTableError struct {
		Pos  int
		Name string
	}

	// DuplicateColumnError is reported when a column name repeats
	// within a table.
	DuplicateColumnError struct {
		Pos           int
		Table, Column string
	}

	// DuplicateIndexError is reported when an index name repeats
	// within the schema and redefinition was not requested. Table
	// names the current owner of the index.
	DuplicateIndexError struct {
		Pos          int
		Table, Index string
	}

	// DuplicateForeignKeyError is reported when a column already
	// carries a foreign key.
	DuplicateForeignKeyError struct {
		Pos           int
		Table, Column string
	}

	// UnknownTableError is reported when a change targets a table
	// not present in the state.
	UnknownTableError struct {
		Pos   int
		Table string
	}

	// UnknownColumnError is reported when a change references a
	// column not present in its table.
	UnknownColumnError struct {
		Pos           int
		Table, Column string
	}

	// UnknownIndexError is reported for a removeIndex naming an
	// index not present in its table.
	UnknownIndexError struct {
		Pos          int
		Table, Index string
	}

	// UnresolvedReferenceError is reported when a foreign key target
	// does not resolve to a known table and column.
	UnresolvedReferenceError struct {
		Pos   int
		Table string // table owning the foreign key
		Ref   string // "table.column" form of the target
	}

	// DanglingReferenceError is reported when a foreign key target
	// resolves to a table the same batch removed earlier.
	DanglingReferenceError struct {
		Pos   int
		Table string
		Ref   string
	}

	// ColumnInUseError is reported for a removeColumn whose column
	// is still referenced by an index or a foreign key.
	ColumnInUseError struct {
		Pos           int
		Table, Column string
		UsedBy        []string
	}

	// NonUniqueReferenceError is reported when a foreign key targets
	// a column that is neither unique nor a primary key.
	NonUniqueReferenceError struct {
		Pos   int
		Table string
		Ref   string
	}
)

func (e *DuplicateExtensionError) Error() string {
	return fmt.Sprintf("sql/migrate: duplicate extension %q", e.Name)
}

func (e *DuplicateTableError) Error() string {
	return fmt.Sprintf("sql/migrate: duplicate table %q", e.Name)
}

func (e *DuplicateColumnError) Error() string {
	return fmt.Sprintf("sql/migrate: duplicate column %q.%q", e.Table, e.Column)
}

func (e *DuplicateIndexError) Error() string {
	return fmt.Sprintf("sql/migrate: duplicate index %q on table %q", e.Index, e.Table)
}

func (e *DuplicateForeignKeyError) Error() string {
	return fmt.Sprintf("sql/migrate: duplicate foreign key on %q.%q", e.Table, e.Column)
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("sql/migrate: unknown table %q", e.Table)
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("sql/migrate: unknown column %q.%q", e.Table, e.Column)
}

func (e *UnknownIndexError) Error() string {
	return fmt.Sprintf("sql/migrate: unknown index %q on table %q", e.Index, e.Table)
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("sql/migrate: foreign key on table %q references unknown %q", e.Table, e.Ref)
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("sql/migrate: foreign key on table %q references %q removed earlier in the batch", e.Table, e.Ref)
}

func (e *ColumnInUseError) Error() string {
	return fmt.Sprintf("sql/migrate: column %q.%q is in use by %s", e.Table, e.Column, strings.Join(e.UsedBy, ", "))
}

func (e *NonUniqueReferenceError) Error() string {
	return fmt.Sprintf("sql/migrate: foreign key on table %q references non-unique column %q", e.Table, e.Ref)
}
