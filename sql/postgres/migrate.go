// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stratadb/strata/sql/internal/sqlx"
	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"

	"golang.org/x/mod/semver"
)

// PlanChanges implements the migrate.PlanApplier interface. The
// returned plan is transactional and its statements are idempotent, so
// a batch interrupted after a partial commit can be replayed.
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

// state holds the plan under construction together with the working
// schema model it was planned against. The model is advanced with
// every planned change, since history maintenance needs the effective
// column list of a table at the point of the change.
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
		s.addColumn(c)
	case *schema.DropColumn:
		return s.dropColumn(ctx, c)
	case *schema.AddIndex:
		s.index(c.Table, c.I, c)
	case *schema.DropIndex:
		s.dropIndex(c)
	case *schema.AddForeignKey:
		s.foreignKey(c.Table, c.F, c)
	default:
		return &schema.UnsupportedChangeError{
			Change: fmt.Sprintf("%T", c),
			Reason: "not part of the migration grammar",
		}
	}
	return nil
}

func (s *state) createExtension(c *schema.CreateExtension) {
	s.append(&migrate.Change{
		Cmd:     Build("CREATE EXTENSION IF NOT EXISTS").Ident(c.E.Name).String(),
		Comment: fmt.Sprintf("create extension %q", c.E.Name),
		Reverse: Build("DROP EXTENSION IF EXISTS").Ident(c.E.Name).String(),
		Source:  c,
	})
	if _, ok := s.current.Extension(c.E.Name); !ok {
		s.current.Extensions = append(s.current.Extensions, &schema.Extension{Name: c.E.Name})
	}
}

func (s *state) addTable(add *schema.AddTable) {
	t := add.T
	b := Build("CREATE TABLE IF NOT EXISTS").Table(t)
	b.Wrap(func(b *sqlx.Builder) {
		b.MapComma(t.Columns, func(i int, b *sqlx.Builder) {
			s.column(b, t.Columns[i])
		})
	})
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("create table %q", t.Name),
		Reverse: Build("DROP TABLE IF EXISTS").Table(t).String(),
		Source:  add,
	})
	for _, c := range t.Columns {
		if c.Unique && !c.PrimaryKey {
			s.uniqueConstraint(t.Name, c.Name, add)
		}
	}
	for _, idx := range t.Indexes {
		s.index(t.Name, idx, add)
	}
	for _, fk := range t.ForeignKeys {
		s.foreignKey(t.Name, fk, add)
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
	b := Build("DROP TABLE IF EXISTS").Ident(name)
	if s.opts.Cascade {
		b.P("CASCADE")
	}
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("drop table %q", name),
		Source:  drop,
	})
	s.Reversible = false
	s.current.RemoveTable(name)
}

func (s *state) addColumn(add *schema.AddColumn) {
	b := Build("ALTER TABLE").Ident(add.Table).P("ADD COLUMN IF NOT EXISTS")
	s.column(b, add.C)
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("add column %q to %q", add.C.Name, add.Table),
		Reverse: Build("ALTER TABLE").Ident(add.Table).P("DROP COLUMN IF EXISTS").Ident(add.C.Name).String(),
		Source:  add,
	})
	if add.C.Unique && !add.C.PrimaryKey {
		s.uniqueConstraint(add.Table, add.C.Name, add)
	}
	t, ok := s.current.Table(add.Table)
	if !ok {
		return
	}
	c := *add.C
	t.Columns = append(t.Columns, &c)
	if t.History {
		hist := histTable(add.Table)
		hb := Build("ALTER TABLE").Ident(hist).P("ADD COLUMN IF NOT EXISTS")
		s.historyColumn(hb, add.C)
		s.append(&migrate.Change{
			Cmd:     hb.String(),
			Comment: fmt.Sprintf("extend history table of %q", add.Table),
			Reverse: Build("ALTER TABLE").Ident(hist).P("DROP COLUMN IF EXISTS").Ident(add.C.Name).String(),
			Source:  add,
		})
		s.logFunc(t, add)
	}
}

func (s *state) dropColumn(ctx context.Context, drop *schema.DropColumn) error {
	b := Build("ALTER TABLE").Ident(drop.Table).P("DROP COLUMN IF EXISTS").Ident(drop.Name)
	if s.opts.Cascade {
		b.P("CASCADE")
	}
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("drop column %q.%q", drop.Table, drop.Name),
		Source:  drop,
	})
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
	exists, err := s.drv.TableExists(ctx, hist)
	if err != nil {
		return err
	}
	if exists {
		n, err := s.drv.count(ctx, "SELECT COUNT(*) FROM "+strconv.Quote(hist))
		if err != nil {
			return fmt.Errorf("postgres: count history rows of %q: %w", drop.Table, err)
		}
		if n > 0 {
			return &schema.HistorySyncError{
				Table:  drop.Table,
				Column: drop.Name,
				Reason: fmt.Sprintf("%d recorded rows still reference column %q", n, drop.Name),
			}
		}
	}
	s.append(&migrate.Change{
		Cmd:     Build("ALTER TABLE").Ident(hist).P("DROP COLUMN IF EXISTS").Ident(drop.Name).String(),
		Comment: fmt.Sprintf("contract history table of %q", drop.Table),
		Source:  drop,
	})
	s.logFunc(t, drop)
	return nil
}

func (s *state) uniqueConstraint(table, column string, src schema.Change) {
	name := fmt.Sprintf("uk_%s_%s", table, column)
	drop := Build("ALTER TABLE").Ident(table).P("DROP CONSTRAINT IF EXISTS").Ident(name).String()
	// Replace instead of create, so a replayed batch does not fail on
	// the constraint it added before.
	s.append(&migrate.Change{
		Cmd:     drop,
		Comment: fmt.Sprintf("drop unique constraint %q if exists", name),
		Source:  src,
	})
	b := Build("ALTER TABLE").Ident(table).P("ADD CONSTRAINT").Ident(name).P("UNIQUE")
	b.Wrap(func(b *sqlx.Builder) {
		b.Ident(column)
	})
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("add unique constraint %q to %q", name, table),
		Reverse: drop,
		Source:  src,
	})
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

func (s *state) foreignKey(table string, fk *schema.ForeignKey, src schema.Change) {
	name := fmt.Sprintf("fk_%s_%s", table, fk.Column)
	drop := Build("ALTER TABLE").Ident(table).P("DROP CONSTRAINT IF EXISTS").Ident(name).String()
	s.append(&migrate.Change{
		Cmd:     drop,
		Comment: fmt.Sprintf("drop foreign key %q if exists", name),
		Source:  src,
	})
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
}

// trackTable wires the audit structure of a tracked table: the
// History_<t> side table, the synthetic historyid key, the recording
// columns and the row logging trigger. All statements are idempotent
// so tracking an already tracked table is a no-op.
func (s *state) trackTable(name string, src schema.Change) {
	t, ok := s.current.Table(name)
	if !ok {
		return
	}
	hist := histTable(name)
	b := Build("CREATE TABLE IF NOT EXISTS").Ident(hist)
	b.Wrap(func(b *sqlx.Builder) {
		b.P("LIKE").Ident(name).P("EXCLUDING CONSTRAINTS")
	})
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("create history table for %q", name),
		Reverse: Build("DROP TABLE IF EXISTS").Ident(hist).String(),
		Source:  src,
	})
	pkey := hist + "_historyid_pkey"
	for _, c := range []*migrate.Change{
		{
			Cmd:     Build("ALTER TABLE").Ident(hist).P("ADD COLUMN IF NOT EXISTS").Ident("historyid").P("SERIAL").String(),
			Comment: fmt.Sprintf("history key of %q", name),
		},
		{
			Cmd:     Build("ALTER TABLE").Ident(hist).P("DROP CONSTRAINT IF EXISTS").Ident(pkey).String(),
			Comment: fmt.Sprintf("drop history key constraint %q if exists", pkey),
		},
		{
			Cmd: Build("ALTER TABLE").Ident(hist).P("ADD CONSTRAINT").Ident(pkey).P("PRIMARY KEY").
				Wrap(func(b *sqlx.Builder) { b.Ident("historyid") }).String(),
			Comment: fmt.Sprintf("history key constraint %q", pkey),
		},
		{
			Cmd:     Build("ALTER TABLE").Ident(hist).P("ADD COLUMN IF NOT EXISTS").Ident("changed_at").P("TIMESTAMP DEFAULT now()").String(),
			Comment: fmt.Sprintf("change timestamp of %q", hist),
		},
		{
			Cmd:     Build("ALTER TABLE").Ident(hist).P("ADD COLUMN IF NOT EXISTS").Ident("operation").P("TEXT").String(),
			Comment: fmt.Sprintf("operation marker of %q", hist),
		},
	} {
		c.Source = src
		s.append(c)
	}
	s.logFunc(t, src)
	s.trigger(name, src)
}

// untrackTable tears the audit structure of a tracked table down,
// before the table itself is dropped.
func (s *state) untrackTable(name string, src schema.Change) {
	trg := histTrigger(name)
	s.append(&migrate.Change{
		Cmd:     Build("DROP TRIGGER IF EXISTS").Ident(trg).P("ON").Ident(name).String(),
		Comment: fmt.Sprintf("drop history trigger of %q", name),
		Source:  src,
	})
	s.append(&migrate.Change{
		Cmd:     fmt.Sprintf("DROP FUNCTION IF EXISTS %q()", trg),
		Comment: fmt.Sprintf("drop history function of %q", name),
		Source:  src,
	})
	s.append(&migrate.Change{
		Cmd:     Build("DROP TABLE IF EXISTS").Ident(histTable(name)).String(),
		Comment: fmt.Sprintf("drop history table of %q", name),
		Source:  src,
	})
}

const logFuncTmpl = `CREATE OR REPLACE FUNCTION %q() RETURNS trigger AS $$
BEGIN
    IF (TG_OP = 'INSERT') THEN
        INSERT INTO %s (%s, "changed_at", "operation")
        VALUES (%s, now(), 'INSERT');
        RETURN NEW;
    ELSIF (TG_OP = 'UPDATE') THEN
        INSERT INTO %s (%s, "changed_at", "operation")
        VALUES (%s, now(), 'UPDATE');
        RETURN NEW;
    ELSIF (TG_OP = 'DELETE') THEN
        INSERT INTO %s (%s, "changed_at", "operation")
        VALUES (%s, now(), 'DELETE');
        RETURN OLD;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`

// logFunc regenerates the row logging function of a tracked table from
// its effective column list. Regenerated on every structural change,
// so recorded rows always carry the current shape.
func (s *state) logFunc(t *schema.Table, src schema.Change) {
	if len(t.Columns) == 0 {
		return
	}
	var (
		cols = make([]string, len(t.Columns))
		news = make([]string, len(t.Columns))
		olds = make([]string, len(t.Columns))
	)
	for i, c := range t.Columns {
		cols[i] = strconv.Quote(c.Name)
		news[i] = "NEW." + strconv.Quote(c.Name)
		olds[i] = "OLD." + strconv.Quote(c.Name)
	}
	var (
		trg  = histTrigger(t.Name)
		hist = strconv.Quote(histTable(t.Name))
		cl   = strings.Join(cols, ", ")
		nl   = strings.Join(news, ", ")
		ol   = strings.Join(olds, ", ")
	)
	s.append(&migrate.Change{
		Cmd:     fmt.Sprintf(logFuncTmpl, trg, hist, cl, nl, hist, cl, nl, hist, cl, ol),
		Comment: fmt.Sprintf("row logging function of %q", t.Name),
		Reverse: fmt.Sprintf("DROP FUNCTION IF EXISTS %q()", trg),
		Source:  src,
	})
}

func (s *state) trigger(name string, src schema.Change) {
	t, ok := s.current.Table(name)
	if !ok || len(t.Columns) == 0 {
		return
	}
	trg := histTrigger(name)
	drop := Build("DROP TRIGGER IF EXISTS").Ident(trg).P("ON").Ident(name).String()
	s.append(&migrate.Change{
		Cmd:     drop,
		Comment: fmt.Sprintf("drop history trigger %q if exists", trg),
		Source:  src,
	})
	// EXECUTE FUNCTION was introduced in version 11.
	exec := "EXECUTE FUNCTION"
	if semver.Compare("v"+s.drv.version, "v11.0.0") == -1 {
		exec = "EXECUTE PROCEDURE"
	}
	b := Build("CREATE TRIGGER").Ident(trg).P("AFTER INSERT OR UPDATE OR DELETE ON").Ident(name)
	b.P("FOR EACH ROW", exec, fmt.Sprintf("%q()", trg))
	s.append(&migrate.Change{
		Cmd:     b.String(),
		Comment: fmt.Sprintf("history trigger of %q", name),
		Reverse: drop,
		Source:  src,
	})
}

func (s *state) column(b *sqlx.Builder, c *schema.Column) {
	b.Ident(c.Name).P(FormatType(c.Type))
	if c.PrimaryKey {
		b.P("PRIMARY KEY")
	}
	if !c.Null && !c.PrimaryKey {
		b.P("NOT NULL")
	}
	s.columnDefault(b, c)
}

// historyColumn renders the history copy of a column. The copy never
// carries the source primary key, as the history key is the synthetic
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

// typeNames maps the logical column types of the migration grammar to
// their PostgreSQL native form.
var typeNames = map[string]string{
	"integer":     "integer",
	"text":        "text",
	"uuid":        "uuid",
	"serial":      "serial",
	"boolean":     "boolean",
	"timestamp":   "timestamp",
	"timestamptz": "timestamp with time zone",
	"date":        "date",
	"json":        "json",
	"jsonb":       "jsonb",
}

// FormatType converts a logical column type to its PostgreSQL native
// form. Unknown types pass through unchanged, letting the database
// report unsupported ones.
func FormatType(t string) string {
	l := strings.ToLower(strings.TrimSpace(t))
	if s, ok := typeNames[l]; ok {
		return s
	}
	if strings.HasPrefix(l, "decimal") {
		return "numeric" + strings.TrimPrefix(l, "decimal")
	}
	return l
}

func indexName(name string) string { return "INDEX_" + name }

func histTable(name string) string { return "History_" + name }

func histTrigger(name string) string { return "log_history_" + name }

// Build instantiates a new builder and writes the given phrase to it.
func Build(phrase string) *sqlx.Builder {
	b := &sqlx.Builder{QuoteChar: '"'}
	return b.P(phrase)
}
