// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratadb/strata/sql/internal/sqlx"
	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"
)

// PlanChanges implements the migrate.PlanApplier interface. MySQL DDL
// commits implicitly, so the returned plan is non-transactional and
// carries reverse statements for a compensating rollback. Statements
// without a native IF EXISTS form are guarded by the inspector
// instead, so a replayed batch stays idempotent.
func (d *Driver) PlanChanges(ctx context.Context, name string, changes []schema.Change, opts ...migrate.PlanOption) (*migrate.Plan, error) {
	s := &state{
		drv: d,
		Plan: migrate.Plan{
			Name:          name,
			Reversible:    true,
			Transactional: false,
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
		return s.addTable(ctx, c)
	case *schema.DropTable:
		s.dropTable(c)
	case *schema.AddColumn:
		return s.addColumn(ctx, c)
	case *schema.DropColumn:
		return s.dropColumn(ctx, c)
	case *schema.AddIndex:
		return s.index(ctx, c.Table, c.I, c)
	case *schema.DropIndex:
		return s.dropIndex(ctx, c)
	case *schema.AddForeignKey:
		return s.foreignKey(ctx, c.Table, c.F, c)
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
		Cmd:     "DO 0",
		Comment: fmt.Sprintf("skip extension %q, extensions are not supported by mysql", c.E.Name),
		Source:  c,
	})
	if _, ok := s.current.Extension(c.E.Name); !ok {
		s.current.Extensions = append(s.current.Extensions, &schema.Extension{Name: c.E.Name})
	}
}

// addTable plans a CREATE TABLE statement. Unique keys and foreign
// keys are defined inline, which keeps the non-transactional create
// a single implicit commit.
func (s *state) addTable(ctx context.Context, add *schema.AddTable) error {
	t := add.T
	b := Build("CREATE TABLE IF NOT EXISTS").Table(t)
	b.Wrap(func(b *sqlx.Builder) {
		b.MapComma(t.Columns, func(i int, b *sqlx.Builder) {
			s.column(b, t.Columns[i])
		})
		for _, c := range t.Columns {
			if c.Unique && !c.PrimaryKey {
				b.Comma().P("UNIQUE KEY").Ident(fmt.Sprintf("uk_%s_%s", t.Name, c.Name))
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
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("create table %q", t.Name),
		Reverse: Build("DROP TABLE IF EXISTS").Table(t).String(),
		Source:  add,
	})
	for _, idx := range t.Indexes {
		if err := s.index(ctx, t.Name, idx, add); err != nil {
			return err
		}
	}
	s.current.Tables = append(s.current.Tables, t.Clone())
	if t.History {
		s.trackTable(t.Name, add)
	}
	return nil
}

// dropTable plans a DROP TABLE statement. InnoDB has no cascading
// drop, referencing tables must drop their keys first.
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
		if err := s.uniqueConstraint(ctx, add.Table, add.C.Name, add); err != nil {
			return err
		}
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
			return fmt.Errorf("mysql: count history rows of %q: %w", drop.Table, err)
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

// uniqueConstraint plans the unique key of a column added to an
// existing table. An existing definition is replaced, so a replayed
// batch does not fail on the key it added before.
func (s *state) uniqueConstraint(ctx context.Context, table, column string, src schema.Change) error {
	name := fmt.Sprintf("uk_%s_%s", table, column)
	drop := Build("ALTER TABLE").Ident(table).P("DROP INDEX").Ident(name).String()
	exists, err := s.indexExists(ctx, table, name)
	if err != nil {
		return err
	}
	if exists {
		s.append(&migrate.Change{
			Cmd:     drop,
			Comment: fmt.Sprintf("drop unique key %q for redefinition", name),
			Source:  src,
		})
	}
	b := Build("ALTER TABLE").Ident(table).P("ADD UNIQUE KEY").Ident(name)
	b.Wrap(func(b *sqlx.Builder) {
		b.Ident(column)
	})
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("add unique key %q to %q", name, table),
		Reverse: drop,
		Source:  src,
	})
	return nil
}

func (s *state) index(ctx context.Context, table string, idx *schema.Index, src schema.Change) error {
	name := indexName(idx.Name)
	drop := Build("DROP INDEX").Ident(name).P("ON").Ident(table).String()
	exists, err := s.indexExists(ctx, table, name)
	if err != nil {
		return err
	}
	if exists {
		if !idx.Update {
			return nil
		}
		s.append(&migrate.Change{
			Cmd:     drop,
			Comment: fmt.Sprintf("drop index %q for redefinition", name),
			Source:  src,
		})
	}
	b := Build("CREATE INDEX").Ident(name).P("ON").Ident(table)
	b.Wrap(func(b *sqlx.Builder) {
		b.MapComma(idx.Columns, func(i int, b *sqlx.Builder) {
			b.Ident(idx.Columns[i])
		})
	})
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("create index %q on %q", name, table),
		Reverse: drop,
		Source:  src,
	})
	return nil
}

func (s *state) dropIndex(ctx context.Context, drop *schema.DropIndex) error {
	name := indexName(drop.Name)
	exists, err := s.indexExists(ctx, drop.Table, name)
	if err != nil {
		return err
	}
	if exists {
		s.append(&migrate.Change{
			Cmd:     Build("DROP INDEX").Ident(name).P("ON").Ident(drop.Table).String(),
			Comment: fmt.Sprintf("drop index %q", name),
			Source:  drop,
		})
	}
	s.Reversible = false
	return nil
}

func (s *state) foreignKey(ctx context.Context, table string, fk *schema.ForeignKey, src schema.Change) error {
	name := fmt.Sprintf("fk_%s_%s", table, fk.Column)
	drop := Build("ALTER TABLE").Ident(table).P("DROP FOREIGN KEY").Ident(name).String()
	exists, err := s.constraintExists(ctx, table, name)
	if err != nil {
		return err
	}
	if exists {
		s.append(&migrate.Change{
			Cmd:     drop,
			Comment: fmt.Sprintf("drop foreign key %q for redefinition", name),
			Source:  src,
		})
	}
	b := Build("ALTER TABLE").Ident(table).P("ADD CONSTRAINT").Ident(name).P("FOREIGN KEY")
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
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("add foreign key %q to %q", name, table),
		Reverse: drop,
		Source:  src,
	})
	return nil
}

// trackTable wires the audit structure of a tracked table: the
// explicit History_<t> side table and its three row triggers, one per
// event, since the dialect has no statement-level OR triggers. All
// statements are idempotent.
func (s *state) trackTable(name string, src schema.Change) {
	t, ok := s.current.Table(name)
	if !ok {
		return
	}
	hist := histTable(name)
	b := Build("CREATE TABLE IF NOT EXISTS").Ident(hist)
	b.Wrap(func(b *sqlx.Builder) {
		b.Ident("historyid").P("bigint NOT NULL AUTO_INCREMENT PRIMARY KEY")
		for _, c := range t.Columns {
			b.Comma()
			s.historyColumn(b, c)
		}
		b.Comma().Ident("changed_at").P("datetime DEFAULT CURRENT_TIMESTAMP")
		b.Comma().Ident("operation").P("varchar(16)")
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
// effective column list. Regenerated on every structural change, so
// recorded rows always carry the current shape.
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
		body := fmt.Sprintf("INSERT INTO %s (%s, `changed_at`, `operation`) VALUES (%s, now(), '%s')",
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
	if isSerial(c.Type) {
		b.P("bigint NOT NULL AUTO_INCREMENT")
	} else {
		b.P(FormatType(c.Type))
		if !c.Null && !c.PrimaryKey {
			b.P("NOT NULL")
		}
		s.columnDefault(b, c)
	}
	if c.PrimaryKey {
		b.P("PRIMARY KEY")
	}
}

// historyColumn renders the history copy of a column. The copy never
// carries key or auto increment properties, as the history key is the
// synthetic historyid column.
func (s *state) historyColumn(b *sqlx.Builder, c *schema.Column) {
	b.Ident(c.Name).P(FormatType(c.Type))
	if !c.Null && !c.PrimaryKey && !isSerial(c.Type) {
		b.P("NOT NULL")
	}
	if !isSerial(c.Type) {
		s.columnDefault(b, c)
	}
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

func (s *state) indexExists(ctx context.Context, table, index string) (bool, error) {
	exists, err := s.drv.TableExists(ctx, table)
	if err != nil || !exists {
		return false, err
	}
	return s.drv.indexExists(ctx, table, index)
}

func (s *state) constraintExists(ctx context.Context, table, name string) (bool, error) {
	exists, err := s.drv.TableExists(ctx, table)
	if err != nil || !exists {
		return false, err
	}
	return s.drv.constraintExists(ctx, table, name)
}

// typeNames maps the logical column types of the migration grammar to
// their MySQL native form. Unbounded text maps to a bounded varchar,
// since unique keys and index parts require a key length on text
// columns.
var typeNames = map[string]string{
	"integer":     "int",
	"text":        "varchar(255)",
	"uuid":        "char(36)",
	"serial":      "bigint",
	"boolean":     "boolean",
	"timestamp":   "timestamp",
	"timestamptz": "timestamp",
	"date":        "date",
	"json":        "json",
	"jsonb":       "json",
}

// FormatType converts a logical column type to its MySQL native form.
// Unknown types pass through unchanged, letting the database report
// unsupported ones.
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
