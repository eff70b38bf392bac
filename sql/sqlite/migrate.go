// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratadb/strata/sql/internal/sqlx"
	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"

	"golang.org/x/mod/semver"
)

// PlanChanges implements the migrate.PlanApplier interface. SQLite
// runs DDL inside transactions, so the returned plan is transactional.
// Foreign keys can only be declared at table creation, adding one to
// an existing table is reported as unsupported.
func (d *Driver) PlanChanges(ctx context.Context, name string, changes []schema.Change, opts ...migrate.PlanOption) (*migrate.Plan, error) {
	s := &state{
		drv: d,
		Plan: migrate.Plan{
			Name:          name,
			Reversible:    true,
			Transactional: true,
		},
		opts: migrate.NewPlanOptions(opts...),
	}
	s.current = s.opts.StartState.Clone()
	for _, c := range changes {
		if err := s.plan(ctx, c); err != nil {
			return nil, err
		}
	}
	return &s.Plan, nil
}

// ApplyChanges implements the migrate.PlanApplier interface.
func (d *Driver) ApplyChanges(ctx context.Context, changes []schema.Change, opts ...migrate.PlanOption) error {
	plan, err := d.PlanChanges(ctx, "changes", changes, opts...)
	if err != nil {
		return err
	}
	return sqlx.ApplyPlan(ctx, d, plan)
}

type state struct {
	drv *Driver
	migrate.Plan
	opts    *migrate.PlanOptions
	current *schema.Schema
}

func (s *state) plan(ctx context.Context, c schema.Change) error {
	switch c := c.(type) {
	case *schema.CreateExtension:
		s.createExtension(c)
	case *schema.AddTable:
		s.addTable(c)
	case *schema.DropTable:
		s.dropTable(c)
	case *schema.AddColumn:
		return s.addColumn(ctx, c)
	case *schema.DropColumn:
		return s.dropColumn(ctx, c)
	case *schema.AddIndex:
		s.index(c.Table, c.I, c)
	case *schema.DropIndex:
		s.dropIndex(c)
	case *schema.AddForeignKey:
		return &schema.UnsupportedChangeError{
			Change: fmt.Sprintf("add foreign key %q to %q", fmt.Sprintf("fk_%s_%s", c.Table, c.F.Column), c.Table),
			Reason: "sqlite supports foreign keys only at table creation",
		}
	default:
		return &schema.UnsupportedChangeError{
			Change: fmt.Sprintf("%T", c),
			Reason: "not part of the migration grammar",
		}
	}
	return nil
}

// createExtension plans a no-op, as the dialect has no extension
// support. The skip surfaces in the execution log through the
// statement comment.
func (s *state) createExtension(c *schema.CreateExtension) {
	s.append(&migrate.Change{
		Cmd:     "SELECT 0",
		Comment: fmt.Sprintf("skip extension %q, extensions are not supported by sqlite", c.E.Name),
		Source:  c,
	})
	if _, ok := s.current.Extension(c.E.Name); !ok {
		s.current.Extensions = append(s.current.Extensions, &schema.Extension{Name: c.E.Name})
	}
}

// addTable plans a CREATE TABLE statement with its unique and foreign
// key constraints inlined, as SQLite cannot add either to an existing
// table.
func (s *state) addTable(add *schema.AddTable) {
	t := add.T
	b := Build("CREATE TABLE IF NOT EXISTS").Table(t)
	b.Wrap(func(b *sqlx.Builder) {
		b.MapComma(t.Columns, func(i int, b *sqlx.Builder) {
			s.column(b, t.Columns[i])
		})
		for _, c := range t.Columns {
			if c.Unique && !c.PrimaryKey {
				b.Comma().P("CONSTRAINT").Ident(fmt.Sprintf("uk_%s_%s", t.Name, c.Name)).P("UNIQUE")
				b.Wrap(func(b *sqlx.Builder) {
					b.Ident(c.Name)
				})
			}
		}
		for _, fk := range t.ForeignKeys {
			b.Comma().P("CONSTRAINT").Ident(fmt.Sprintf("fk_%s_%s", t.Name, fk.Column)).P("FOREIGN KEY")
			b.Wrap(func(b *sqlx.Builder) {
				b.Ident(fk.Column)
			})
			b.P("REFERENCES").Ident(fk.RefTable)
			b.Wrap(func(b *sqlx.Builder) {
				b.Ident(fk.RefColumn)
			})
			if fk.OnDelete != "" {
				b.P("ON DELETE", string(fk.OnDelete))
			}
			if fk.OnUpdate != "" {
				b.P("ON UPDATE", string(fk.OnUpdate))
			}
		}
	})
	comment := fmt.Sprintf("create table %q", t.Name)
	if len(t.ForeignKeys) > 0 && !s.drv.fkEnabled {
		comment += ", foreign_keys pragma is off"
	}
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: comment,
		Reverse: Build("DROP TABLE IF EXISTS").Table(t).String(),
		Source:  add,
	})
	for _, idx := range t.Indexes {
		s.index(t.Name, idx, add)
	}
	s.current.Tables = append(s.current.Tables, t.Clone())
	if t.History {
		s.trackTable(t.Name, add)
	}
}

func (s *state) dropTable(drop *schema.DropTable) {
	name := drop.T.Name
	if t, ok := s.current.Table(name); ok && t.History {
		s.untrackTable(name, drop)
	}
	s.append(&migrate.Change{
		Cmd:     Build("DROP TABLE IF EXISTS").Ident(name).String(),
		Comment: fmt.Sprintf("drop table %q", name),
		Source:  drop,
	})
	s.Reversible = false
	s.current.RemoveTable(name)
}

func (s *state) addColumn(ctx context.Context, add *schema.AddColumn) error {
	exists, err := s.columnExists(ctx, add.Table, add.C.Name)
	if err != nil {
		return err
	}
	if !exists {
		b := Build("ALTER TABLE").Ident(add.Table).P("ADD COLUMN")
		s.column(b, add.C)
		s.append(&migrate.Change{
			Cmd:     b.String(),
			Comment: fmt.Sprintf("add column %q to %q", add.C.Name, add.Table),
			Reverse: Build("ALTER TABLE").Ident(add.Table).P("DROP COLUMN").Ident(add.C.Name).String(),
			Source:  add,
		})
	}
	if add.C.Unique && !add.C.PrimaryKey {
		// A constraint cannot be added to an existing table, a
		// unique index enforces the same rule.
		name := fmt.Sprintf("uk_%s_%s", add.Table, add.C.Name)
		b := Build("CREATE UNIQUE INDEX IF NOT EXISTS").Ident(name).P("ON").Ident(add.Table)
		b.Wrap(func(b *sqlx.Builder) {
			b.Ident(add.C.Name)
		})
		s.append(&migrate.Change{
			Cmd:     b.String(),
			Comment: fmt.Sprintf("add unique index %q to %q", name, add.Table),
			Reverse: Build("DROP INDEX IF EXISTS").Ident(name).String(),
			Source:  add,
		})
	}
	t, ok := s.current.Table(add.Table)
	if !ok {
		return nil
	}
	c := *add.C
	t.Columns = append(t.Columns, &c)
	if t.History {
		hist := histTable(add.Table)
		exists, err := s.columnExists(ctx, hist, add.C.Name)
		if err != nil {
			return err
		}
		if !exists {
			hb := Build("ALTER TABLE").Ident(hist).P("ADD COLUMN")
			s.historyColumn(hb, add.C)
			s.append(&migrate.Change{
				Cmd:     hb.String(),
				Comment: fmt.Sprintf("extend history table of %q", add.Table),
				Reverse: Build("ALTER TABLE").Ident(hist).P("DROP COLUMN").Ident(add.C.Name).String(),
				Source:  add,
			})
		}
		s.logTriggers(t, add)
	}
	return nil
}

func (s *state) dropColumn(ctx context.Context, drop *schema.DropColumn) error {
	// ALTER TABLE DROP COLUMN was added in version 3.35.0.
	if semver.Compare("v"+s.drv.version, "v3.35.0") == -1 {
		return &schema.UnsupportedChangeError{
			Change: fmt.Sprintf("drop column %q.%q", drop.Table, drop.Name),
			Reason: fmt.Sprintf("sqlite %s does not support DROP COLUMN, version 3.35.0 or later is required", s.drv.version),
		}
	}
	exists, err := s.columnExists(ctx, drop.Table, drop.Name)
	if err != nil {
		return err
	}
	if exists {
		s.append(&migrate.Change{
			Cmd:     Build("ALTER TABLE").Ident(drop.Table).P("DROP COLUMN").Ident(drop.Name).String(),
			Comment: fmt.Sprintf("drop column %q.%q", drop.Table, drop.Name),
			Source:  drop,
		})
	}
	s.Reversible = false
	t, ok := s.current.Table(drop.Table)
	if !ok {
		return nil
	}
	t.RemoveColumn(drop.Name)
	if !t.History {
		return nil
	}
	// The history table follows the contraction only when it holds no
	// rows. Dropping a recorded column would silently destroy audit
	// data.
	hist := histTable(drop.Table)
	histExists, err := s.drv.TableExists(ctx, hist)
	if err != nil {
		return err
	}
	if histExists {
		n, err := s.drv.count(ctx, "SELECT COUNT(*) FROM "+bquote(hist))
		if err != nil {
			return fmt.Errorf("sqlite: count history rows of %q: %w", drop.Table, err)
		}
		if n > 0 {
			return &schema.HistorySyncError{
				Table:  drop.Table,
				Column: drop.Name,
				Reason: fmt.Sprintf("%d recorded rows still reference column %q", n, drop.Name),
			}
		}
		exists, err := s.drv.ColumnExists(ctx, hist, drop.Name)
		if err != nil {
			return err
		}
		if exists {
			s.append(&migrate.Change{
				Cmd:     Build("ALTER TABLE").Ident(hist).P("DROP COLUMN").Ident(drop.Name).String(),
				Comment: fmt.Sprintf("contract history table of %q", drop.Table),
				Source:  drop,
			})
		}
	}
	s.logTriggers(t, drop)
	return nil
}

func (s *state) index(table string, idx *schema.Index, src schema.Change) {
	name := indexName(idx.Name)
	if idx.Update {
		s.append(&migrate.Change{
			Cmd:     Build("DROP INDEX IF EXISTS").Ident(name).String(),
			Comment: fmt.Sprintf("drop index %q for redefinition", name),
			Source:  src,
		})
	}
	b := Build("CREATE INDEX")
	if !idx.Update {
		b.P("IF NOT EXISTS")
	}
	b.Ident(name).P("ON").Ident(table)
	b.Wrap(func(b *sqlx.Builder) {
		b.MapComma(idx.Columns, func(i int, b *sqlx.Builder) {
			b.Ident(idx.Columns[i])
		})
	})
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("create index %q on %q", name, table),
		Reverse: Build("DROP INDEX IF EXISTS").Ident(name).String(),
		Source:  src,
	})
}

func (s *state) dropIndex(drop *schema.DropIndex) {
	name := indexName(drop.Name)
	s.append(&migrate.Change{
		Cmd:     Build("DROP INDEX IF EXISTS").Ident(name).String(),
		Comment: fmt.Sprintf("drop index %q", name),
		Source:  drop,
	})
	s.Reversible = false
}

// trackTable wires the audit structure of a tracked table: the
// explicit History_<t> side table and its three row triggers, one per
// event.
func (s *state) trackTable(name string, src schema.Change) {
	t, ok := s.current.Table(name)
	if !ok {
		return
	}
	hist := histTable(name)
	b := Build("CREATE TABLE IF NOT EXISTS").Ident(hist)
	b.Wrap(func(b *sqlx.Builder) {
		// AUTOINCREMENT keeps history ids monotonic, rowids of
		// deleted records are never reused.
		b.Ident("historyid").P("integer PRIMARY KEY AUTOINCREMENT")
		for _, c := range t.Columns {
			b.Comma()
			s.historyColumn(b, c)
		}
		b.Comma().Ident("changed_at").P("timestamp DEFAULT CURRENT_TIMESTAMP")
		b.Comma().Ident("operation").P("text")
	})
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("create history table for %q", name),
		Reverse: Build("DROP TABLE IF EXISTS").Ident(hist).String(),
		Source:  src,
	})
	s.logTriggers(t, src)
}

// untrackTable tears the audit structure of a tracked table down,
// before the table itself is dropped.
func (s *state) untrackTable(name string, src schema.Change) {
	for _, tr := range histTriggers {
		s.append(&migrate.Change{
			Cmd:     Build("DROP TRIGGER IF EXISTS").Ident(histTrigger(name) + tr.suffix).String(),
			Comment: fmt.Sprintf("drop history trigger of %q", name),
			Source:  src,
		})
	}
	s.append(&migrate.Change{
		Cmd:     Build("DROP TABLE IF EXISTS").Ident(histTable(name)).String(),
		Comment: fmt.Sprintf("drop history table of %q", name),
		Source:  src,
	})
}

// histTriggers describes the three row triggers of a tracked table.
var histTriggers = []struct {
	suffix string
	event  string
	op     string
	row    string
}{
	{suffix: "_ins", event: "INSERT", op: "INSERT", row: "NEW"},
	{suffix: "_upd", event: "UPDATE", op: "UPDATE", row: "NEW"},
	{suffix: "_del", event: "DELETE", op: "DELETE", row: "OLD"},
}

// logTriggers regenerates the row triggers of a tracked table from its
// effective column list.
func (s *state) logTriggers(t *schema.Table, src schema.Change) {
	if len(t.Columns) == 0 {
		return
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = bquote(c.Name)
	}
	cl := strings.Join(cols, ", ")
	for _, tr := range histTriggers {
		vals := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			vals[i] = tr.row + "." + bquote(c.Name)
		}
		trg := histTrigger(t.Name) + tr.suffix
		drop := Build("DROP TRIGGER IF EXISTS").Ident(trg).String()
		s.append(&migrate.Change{
			Cmd:     drop,
			Comment: fmt.Sprintf("drop history trigger %q if exists", trg),
			Source:  src,
		})
		body := fmt.Sprintf("BEGIN INSERT INTO %s (%s, `changed_at`, `operation`) VALUES (%s, CURRENT_TIMESTAMP, '%s'); END",
			bquote(histTable(t.Name)), cl, strings.Join(vals, ", "), tr.op)
		b := Build("CREATE TRIGGER").Ident(trg).P("AFTER", tr.event, "ON").Ident(t.Name).P("FOR EACH ROW", body)
		s.append(&migrate.Change{
			Cmd:     b.String(),
			Comment: fmt.Sprintf("history trigger of %q", t.Name),
			Reverse: drop,
			Source:  src,
		})
	}
}

func (s *state) column(b *sqlx.Builder, c *schema.Column) {
	b.Ident(c.Name)
	if isSerial(c.Type) && c.PrimaryKey {
		b.P("integer PRIMARY KEY AUTOINCREMENT")
		return
	}
	b.P(FormatType(c.Type))
	if !c.Null && !c.PrimaryKey {
		b.P("NOT NULL")
	}
	s.columnDefault(b, c)
	if c.PrimaryKey {
		b.P("PRIMARY KEY")
	}
}

// historyColumn renders the history copy of a column. The copy never
// carries key properties, as the history key is the synthetic
// historyid column.
func (s *state) historyColumn(b *sqlx.Builder, c *schema.Column) {
	b.Ident(c.Name).P(FormatType(c.Type))
	if !c.Null && !c.PrimaryKey {
		b.P("NOT NULL")
	}
	s.columnDefault(b, c)
}

func (s *state) columnDefault(b *sqlx.Builder, c *schema.Column) {
	switch x := c.Default.(type) {
	case *schema.Literal:
		b.P("DEFAULT", x.V)
	case *schema.RawExpr:
		b.P("DEFAULT", x.X)
	}
}

func (s *state) append(c *migrate.Change) {
	s.Changes = append(s.Changes, c)
}

// columnExists reports if the column is already defined on the
// connected database. A missing table reports false, as the table may
// be created earlier in the same plan.
func (s *state) columnExists(ctx context.Context, table, column string) (bool, error) {
	exists, err := s.drv.TableExists(ctx, table)
	if err != nil || !exists {
		return false, err
	}
	return s.drv.ColumnExists(ctx, table, column)
}

// typeNames maps the logical column types of the migration grammar to
// their SQLite native form. Types without a native form map to the
// affinity SQLite would store them with.
var typeNames = map[string]string{
	"integer":     "integer",
	"text":        "text",
	"uuid":        "text",
	"serial":      "integer",
	"boolean":     "boolean",
	"timestamp":   "timestamp",
	"timestamptz": "timestamp",
	"date":        "date",
	"json":        "text",
	"jsonb":       "text",
}

// FormatType converts a logical column type to its SQLite native
// form. Unknown types pass through unchanged, as SQLite accepts any
// declared type name.
func FormatType(t string) string {
	l := strings.ToLower(strings.TrimSpace(t))
	if s, ok := typeNames[l]; ok {
		return s
	}
	return l
}

func isSerial(t string) bool { return strings.EqualFold(strings.TrimSpace(t), "serial") }

func indexName(name string) string { return "INDEX_" + name }

func histTable(name string) string { return "History_" + name }

func histTrigger(name string) string { return "log_history_" + name }

func bquote(s string) string { return "`" + s + "`" }

// Build instantiates a new builder and writes the given phrase to it.
func Build(phrase string) *sqlx.Builder {
	b := &sqlx.Builder{QuoteChar: '`'}
	return b.P(phrase)
}
