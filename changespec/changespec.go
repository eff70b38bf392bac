// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package changespec decodes XML change set documents into the typed
// changes of the migration engine. The grammar is closed: elements or
// attributes outside the vocabulary fail decoding.
package changespec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"
)

// Decoder implements migrate.FileDecoder for XML batch files.
// The zero value is ready to use.
type Decoder struct{}

var _ migrate.FileDecoder = Decoder{}

// DecodeFile implements migrate.FileDecoder.
func (Decoder) DecodeFile(f migrate.File) ([]schema.Change, error) {
	return Decode(f.Bytes())
}

// Decode parses a change set document and returns its commands in
// source order.
func Decode(b []byte) ([]schema.Change, error) {
	d := &decoder{xml: xml.NewDecoder(bytes.NewReader(b))}
	return d.decode()
}

type decoder struct {
	xml *xml.Decoder
}

func (d *decoder) decode() ([]schema.Change, error) {
	root, err := d.next()
	if err != nil {
		return nil, err
	}
	if root == nil || root.name != "changeSet" {
		return nil, d.malformed("changeSet", "", "document root must be <changeSet>")
	}
	if err := root.noLeftover(); err != nil {
		return nil, err
	}
	var changes []schema.Change
	for {
		el, err := d.next()
		if err != nil {
			return nil, err
		}
		if el == nil {
			return changes, nil
		}
		c, err := d.command(el)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c...)
	}
}

// command decodes one top-level element of the change set.
func (d *decoder) command(el *element) ([]schema.Change, error) {
	switch el.name {
	case "createExtension":
		name, err := el.req("name")
		if err != nil {
			return nil, err
		}
		if err := el.empty(); err != nil {
			return nil, err
		}
		return []schema.Change{&schema.CreateExtension{E: &schema.Extension{Name: name}}}, nil
	case "addTable":
		c, err := d.addTable(el)
		if err != nil {
			return nil, err
		}
		return []schema.Change{c}, nil
	case "removeTable":
		name, err := el.req("name")
		if err != nil {
			return nil, err
		}
		if err := el.empty(); err != nil {
			return nil, err
		}
		return []schema.Change{&schema.DropTable{T: &schema.Table{Name: name}}}, nil
	case "addColumn":
		return d.addColumn(el)
	case "removeColumn":
		table, err := el.req("table")
		if err != nil {
			return nil, err
		}
		name, err := el.req("name")
		if err != nil {
			return nil, err
		}
		if err := el.empty(); err != nil {
			return nil, err
		}
		return []schema.Change{&schema.DropColumn{Table: table, Name: name}}, nil
	case "addForeignKey":
		table, err := el.req("table")
		if err != nil {
			return nil, err
		}
		fk, err := d.foreignKey(el)
		if err != nil {
			return nil, err
		}
		return []schema.Change{&schema.AddForeignKey{Table: table, F: fk}}, nil
	case "addIndex":
		table, err := el.req("table")
		if err != nil {
			return nil, err
		}
		idx, err := d.index(el)
		if err != nil {
			return nil, err
		}
		return []schema.Change{&schema.AddIndex{Table: table, I: idx}}, nil
	case "removeIndex":
		table, err := el.req("table")
		if err != nil {
			return nil, err
		}
		name, err := el.req("name")
		if err != nil {
			return nil, err
		}
		if err := el.empty(); err != nil {
			return nil, err
		}
		return []schema.Change{&schema.DropIndex{Table: table, Name: name}}, nil
	default:
		return nil, d.malformedAt(el.pos, el.name, "", "unknown command")
	}
}

// addTable decodes an addTable element and its children. Children are
// grouped by kind: a removeColumn child drops a pending column of the
// same table, a removeIndex child drops a pending index.
func (d *decoder) addTable(el *element) (*schema.AddTable, error) {
	name, err := el.req("name")
	if err != nil {
		return nil, err
	}
	t := &schema.Table{Name: name}
	if v, ok := el.opt("history"); ok {
		if t.History, err = d.bool(el, "history", v); err != nil {
			return nil, err
		}
	}
	if err := el.noLeftover(); err != nil {
		return nil, err
	}
	for {
		child, err := d.next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return &schema.AddTable{T: t}, nil
		}
		switch child.name {
		// The original grammar spells embedded column definitions
		// addColumn; both forms are accepted.
		case "column", "addColumn":
			col, err := d.column(child)
			if err != nil {
				return nil, err
			}
			t.Columns = append(t.Columns, col)
		case "removeColumn":
			n, err := child.req("name")
			if err != nil {
				return nil, err
			}
			if err := child.empty(); err != nil {
				return nil, err
			}
			t.RemoveColumn(n)
		case "addIndex":
			idx, err := d.index(child)
			if err != nil {
				return nil, err
			}
			t.Indexes = append(t.Indexes, idx)
		case "removeIndex":
			n, err := child.req("name")
			if err != nil {
				return nil, err
			}
			if err := child.empty(); err != nil {
				return nil, err
			}
			t.RemoveIndex(n)
		case "addForeignKey":
			fk, err := d.foreignKey(child)
			if err != nil {
				return nil, err
			}
			t.ForeignKeys = append(t.ForeignKeys, fk)
		default:
			return nil, d.malformedAt(child.pos, child.name, "", "unknown element in addTable")
		}
	}
}

// addColumn decodes a top-level addColumn element. Every embedded
// column definition becomes its own change.
func (d *decoder) addColumn(el *element) ([]schema.Change, error) {
	table, err := el.req("table")
	if err != nil {
		return nil, err
	}
	if err := el.noLeftover(); err != nil {
		return nil, err
	}
	var changes []schema.Change
	for {
		child, err := d.next()
		if err != nil {
			return nil, err
		}
		if child == nil {
			if len(changes) == 0 {
				return nil, d.malformedAt(el.pos, el.name, "", "no column definition")
			}
			return changes, nil
		}
		if child.name != "column" && child.name != "addColumn" {
			return nil, d.malformedAt(child.pos, child.name, "", "unknown element in addColumn")
		}
		col, err := d.column(child)
		if err != nil {
			return nil, err
		}
		changes = append(changes, &schema.AddColumn{Table: table, C: col})
	}
}

// column decodes one column definition.
func (d *decoder) column(el *element) (*schema.Column, error) {
	name, err := el.req("name")
	if err != nil {
		return nil, err
	}
	typ, err := el.req("type")
	if err != nil {
		return nil, err
	}
	col := &schema.Column{Name: name, Type: typ, Null: true}
	if v, ok := el.opt("primaryKey"); ok {
		if col.PrimaryKey, err = d.bool(el, "primaryKey", v); err != nil {
			return nil, err
		}
	}
	if v, ok := el.opt("nullable"); ok {
		if col.Null, err = d.bool(el, "nullable", v); err != nil {
			return nil, err
		}
	}
	if v, ok := el.opt("unique"); ok {
		if col.Unique, err = d.bool(el, "unique", v); err != nil {
			return nil, err
		}
	}
	if v, ok := el.opt("default"); ok {
		col.Default = &schema.RawExpr{X: v}
	}
	// A primary key is never nullable, with or without an
	// explicit nullable attribute.
	if col.PrimaryKey {
		col.Null = false
	}
	if err := el.empty(); err != nil {
		return nil, err
	}
	return col, nil
}

// index decodes the shared attributes of addIndex in both its
// top-level and embedded form.
func (d *decoder) index(el *element) (*schema.Index, error) {
	name, err := el.req("name")
	if err != nil {
		return nil, err
	}
	cols, err := el.req("columns")
	if err != nil {
		return nil, err
	}
	idx := &schema.Index{Name: name}
	for _, c := range strings.Split(cols, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, d.malformedAt(el.pos, el.name, "columns", "empty column name")
		}
		idx.Columns = append(idx.Columns, c)
	}
	if v, ok := el.opt("update"); ok {
		if idx.Update, err = d.bool(el, "update", v); err != nil {
			return nil, err
		}
	}
	if err := el.empty(); err != nil {
		return nil, err
	}
	return idx, nil
}

// foreignKey decodes the shared attributes of addForeignKey in both
// its top-level and embedded form. Referential actions default to
// RESTRICT.
func (d *decoder) foreignKey(el *element) (*schema.ForeignKey, error) {
	column, err := el.req("column")
	if err != nil {
		return nil, err
	}
	refTable, err := el.req("refTable")
	if err != nil {
		return nil, err
	}
	refColumn, err := el.req("refColumn")
	if err != nil {
		return nil, err
	}
	fk := &schema.ForeignKey{
		Column:    column,
		RefTable:  refTable,
		RefColumn: refColumn,
		OnDelete:  schema.Restrict,
		OnUpdate:  schema.Restrict,
	}
	if v, ok := el.opt("onDelete"); ok {
		if fk.OnDelete, err = d.refOption(el, "onDelete", v); err != nil {
			return nil, err
		}
	}
	if v, ok := el.opt("onUpdate"); ok {
		if fk.OnUpdate, err = d.refOption(el, "onUpdate", v); err != nil {
			return nil, err
		}
	}
	if err := el.empty(); err != nil {
		return nil, err
	}
	return fk, nil
}

// element is one started XML element with its attributes.
type element struct {
	d     *decoder
	name  string
	pos   string
	attrs map[string]string
}

// next returns the next child element, skipping comments and blank
// character data. It returns nil at the closing tag of the enclosing
// element or at the end of the document.
func (d *decoder) next() (*element, error) {
	for {
		tok, err := d.xml.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("changespec: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{d: d, name: t.Name.Local, pos: d.pos(), attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				// Namespace declarations are tolerated, the
				// grammar itself is unprefixed.
				if a.Name.Space != "" || a.Name.Local == "xmlns" {
					continue
				}
				el.attrs[a.Name.Local] = a.Value
			}
			return el, nil
		case xml.EndElement:
			return nil, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return nil, d.malformed("", "", fmt.Sprintf("unexpected text %q", string(bytes.TrimSpace(t))))
			}
		}
	}
}

// req returns a required attribute of the element.
func (el *element) req(attr string) (string, error) {
	v, ok := el.attrs[attr]
	if !ok {
		return "", el.d.malformedAt(el.pos, el.name, attr, "required attribute missing")
	}
	delete(el.attrs, attr)
	return v, nil
}

// opt returns an optional attribute of the element.
func (el *element) opt(attr string) (string, bool) {
	v, ok := el.attrs[attr]
	delete(el.attrs, attr)
	return v, ok
}

// noLeftover fails on attributes outside the element's vocabulary.
func (el *element) noLeftover() error {
	if len(el.attrs) == 0 {
		return nil
	}
	names := make([]string, 0, len(el.attrs))
	for a := range el.attrs {
		names = append(names, a)
	}
	sort.Strings(names)
	return el.d.malformedAt(el.pos, el.name, names[0], "unknown attribute")
}

// empty checks the remaining attributes and requires the element to
// have no children.
func (el *element) empty() error {
	if err := el.noLeftover(); err != nil {
		return err
	}
	child, err := el.d.next()
	if err != nil {
		return err
	}
	if child != nil {
		return el.d.malformedAt(child.pos, child.name, "", "unknown element in "+el.name)
	}
	return nil
}

func (d *decoder) bool(el *element, attr, v string) (bool, error) {
	// The original notation also accepted yes and no.
	switch strings.ToLower(v) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, d.malformedAt(el.pos, el.name, attr, fmt.Sprintf("invalid boolean %q", v))
	}
	return b, nil
}

func (d *decoder) refOption(el *element, attr, v string) (schema.ReferenceOption, error) {
	switch o := schema.ReferenceOption(strings.ToUpper(strings.TrimSpace(v))); o {
	case schema.NoAction, schema.Restrict, schema.Cascade, schema.SetNull, schema.SetDefault:
		return o, nil
	default:
		return "", d.malformedAt(el.pos, el.name, attr, fmt.Sprintf("invalid referential action %q", v))
	}
}

func (d *decoder) pos() string {
	line, col := d.xml.InputPos()
	return fmt.Sprintf("%d:%d", line, col)
}

func (d *decoder) malformed(element, attr, reason string) error {
	return d.malformedAt(d.pos(), element, attr, reason)
}

func (d *decoder) malformedAt(pos, element, attr, reason string) error {
	return &MalformedCommandError{Element: element, Attr: attr, Pos: pos, Reason: reason}
}

// MalformedCommandError describes a command that does not follow the
// change set grammar.
type MalformedCommandError struct {
	Element string // element the error was found on
	Attr    string // offending attribute, if any
	Pos     string // "line:column" position in the document
	Reason  string
}

func (e *MalformedCommandError) Error() string {
	var b strings.Builder
	b.WriteString("changespec: ")
	if e.Pos != "" {
		b.WriteString(e.Pos)
		b.WriteString(": ")
	}
	if e.Element != "" {
		b.WriteString("<")
		b.WriteString(e.Element)
		b.WriteString(">: ")
	}
	if e.Attr != "" {
		b.WriteString(strconv.Quote(e.Attr))
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	return b.String()
}
