// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package postgres

import (
	"context"
	"strconv"
	"testing"

	"github.com/stratadb/strata/sql/internal/sqltest"
	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPlanChanges(t *testing.T) {
	tests := []struct {
		version  string
		changes  []schema.Change
		options  []migrate.PlanOption
		mock     func(mock)
		wantPlan *migrate.Plan
		wantErr  bool
	}{
		{
			changes: []schema.Change{
				&schema.CreateExtension{E: &schema.Extension{Name: "uuid-ossp"}},
			},
			wantPlan: &migrate.Plan{
				Reversible:    true,
				Transactional: true,
				Changes: []*migrate.Change{
					{
						Cmd:     `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,
						Reverse: `DROP EXTENSION IF EXISTS "uuid-ossp"`,
					},
				},
			},
		},
		{
			changes: []schema.Change{
				&schema.AddTable{
					T: &schema.Table{
						Name: "users",
						Columns: []*schema.Column{
							{Name: "id", Type: "serial", PrimaryKey: true},
							{Name: "email", Type: "text", Unique: true},
							{Name: "org_id", Type: "integer", Null: true},
						},
						Indexes: []*schema.Index{
							{Name: "users_email", Columns: []string{"email"}},
						},
						ForeignKeys: []*schema.ForeignKey{
							{Column: "org_id", RefTable: "orgs", RefColumn: "id", OnDelete: schema.Cascade, OnUpdate: schema.Restrict},
						},
					},
				},
			},
			wantPlan: &migrate.Plan{
				Reversible:    true,
				Transactional: true,
				Changes: []*migrate.Change{
					{
						Cmd:     `CREATE TABLE IF NOT EXISTS "users" ("id" serial PRIMARY KEY, "email" text NOT NULL, "org_id" integer)`,
						Reverse: `DROP TABLE IF EXISTS "users"`,
					},
					{
						Cmd: `ALTER TABLE "users" DROP CONSTRAINT IF EXISTS "uk_users_email"`,
					},
					{
						Cmd:     `ALTER TABLE "users" ADD CONSTRAINT "uk_users_email" UNIQUE ("email")`,
						Reverse: `ALTER TABLE "users" DROP CONSTRAINT IF EXISTS "uk_users_email"`,
					},
					{
						Cmd:     `CREATE INDEX IF NOT EXISTS "INDEX_users_email" ON "users" ("email")`,
						Reverse: `DROP INDEX IF EXISTS "INDEX_users_email"`,
					},
					{
						Cmd: `ALTER TABLE "users" DROP CONSTRAINT IF EXISTS "fk_users_org_id"`,
					},
					{
						Cmd:     `ALTER TABLE "users" ADD CONSTRAINT "fk_users_org_id" FOREIGN KEY ("org_id") REFERENCES "orgs" ("id") ON DELETE CASCADE ON UPDATE RESTRICT`,
						Reverse: `ALTER TABLE "users" DROP CONSTRAINT IF EXISTS "fk_users_org_id"`,
					},
				},
			},
		},
		// Tracked tables get the full audit structure.
		{
			changes: []schema.Change{
				&schema.AddTable{
					T: &schema.Table{
						Name:    "accounts",
						History: true,
						Columns: []*schema.Column{
							{Name: "id", Type: "serial", PrimaryKey: true},
							{Name: "name", Type: "text"},
						},
					},
				},
			},
			wantPlan: &migrate.Plan{
				Reversible:    true,
				Transactional: true,
				Changes: []*migrate.Change{
					{
						Cmd:     `CREATE TABLE IF NOT EXISTS "accounts" ("id" serial PRIMARY KEY, "name" text NOT NULL)`,
						Reverse: `DROP TABLE IF EXISTS "accounts"`,
					},
					{
						Cmd:     `CREATE TABLE IF NOT EXISTS "History_accounts" (LIKE "accounts" EXCLUDING CONSTRAINTS)`,
						Reverse: `DROP TABLE IF EXISTS "History_accounts"`,
					},
					{
						Cmd: `ALTER TABLE "History_accounts" ADD COLUMN IF NOT EXISTS "historyid" SERIAL`,
					},
					{
						Cmd: `ALTER TABLE "History_accounts" DROP CONSTRAINT IF EXISTS "History_accounts_historyid_pkey"`,
					},
					{
						Cmd: `ALTER TABLE "History_accounts" ADD CONSTRAINT "History_accounts_historyid_pkey" PRIMARY KEY ("historyid")`,
					},
					{
						Cmd: `ALTER TABLE "History_accounts" ADD COLUMN IF NOT EXISTS "changed_at" TIMESTAMP DEFAULT now()`,
					},
					{
						Cmd: `ALTER TABLE "History_accounts" ADD COLUMN IF NOT EXISTS "operation" TEXT`,
					},
					{
						Cmd: `CREATE OR REPLACE FUNCTION "log_history_accounts"() RETURNS trigger AS $$
BEGIN
    IF (TG_OP = 'INSERT') THEN
        INSERT INTO "History_accounts" ("id", "name", "changed_at", "operation")
        VALUES (NEW."id", NEW."name", now(), 'INSERT');
        RETURN NEW;
    ELSIF (TG_OP = 'UPDATE') THEN
        INSERT INTO "History_accounts" ("id", "name", "changed_at", "operation")
        VALUES (NEW."id", NEW."name", now(), 'UPDATE');
        RETURN NEW;
    ELSIF (TG_OP = 'DELETE') THEN
        INSERT INTO "History_accounts" ("id", "name", "changed_at", "operation")
        VALUES (OLD."id", OLD."name", now(), 'DELETE');
        RETURN OLD;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
						Reverse: `DROP FUNCTION IF EXISTS "log_history_accounts"()`,
					},
					{
						Cmd: `DROP TRIGGER IF EXISTS "log_history_accounts" ON "accounts"`,
					},
					{
						Cmd:     `CREATE TRIGGER "log_history_accounts" AFTER INSERT OR UPDATE OR DELETE ON "accounts" FOR EACH ROW EXECUTE FUNCTION "log_history_accounts"()`,
						Reverse: `DROP TRIGGER IF EXISTS "log_history_accounts" ON "accounts"`,
					},
				},
			},
		},
		// Servers before version 11 attach triggers with EXECUTE PROCEDURE.
		{
			version: "100005",
			changes: []schema.Change{
				&schema.AddTable{
					T: &schema.Table{
						Name:    "logs",
						History: true,
						Columns: []*schema.Column{
							{Name: "id", Type: "serial", PrimaryKey: true},
						},
					},
				},
			},
			wantPlan: &migrate.Plan{
				Reversible:    true,
				Transactional: true,
				Changes: []*migrate.Change{
					{Cmd: `CREATE TABLE IF NOT EXISTS "logs" ("id" serial PRIMARY KEY)`},
					{Cmd: `CREATE TABLE IF NOT EXISTS "History_logs" (LIKE "logs" EXCLUDING CONSTRAINTS)`},
					{Cmd: `ALTER TABLE "History_logs" ADD COLUMN IF NOT EXISTS "historyid" SERIAL`},
					{Cmd: `ALTER TABLE "History_logs" DROP CONSTRAINT IF EXISTS "History_logs_historyid_pkey"`},
					{Cmd: `ALTER TABLE "History_logs" ADD CONSTRAINT "History_logs_historyid_pkey" PRIMARY KEY ("historyid")`},
					{Cmd: `ALTER TABLE "History_logs" ADD COLUMN IF NOT EXISTS "changed_at" TIMESTAMP DEFAULT now()`},
					{Cmd: `ALTER TABLE "History_logs" ADD COLUMN IF NOT EXISTS "operation" TEXT`},
					{Cmd: `CREATE OR REPLACE FUNCTION "log_history_logs"() RETURNS trigger AS $$
BEGIN
    IF (TG_OP = 'INSERT') THEN
        INSERT INTO "History_logs" ("id", "changed_at", "operation")
        VALUES (NEW."id", now(), 'INSERT');
        RETURN NEW;
    ELSIF (TG_OP = 'UPDATE') THEN
        INSERT INTO "History_logs" ("id", "changed_at", "operation")
        VALUES (NEW."id", now(), 'UPDATE');
        RETURN NEW;
    ELSIF (TG_OP = 'DELETE') THEN
        INSERT INTO "History_logs" ("id", "changed_at", "operation")
        VALUES (OLD."id", now(), 'DELETE');
        RETURN OLD;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`},
					{Cmd: `DROP TRIGGER IF EXISTS "log_history_logs" ON "logs"`},
					{Cmd: `CREATE TRIGGER "log_history_logs" AFTER INSERT OR UPDATE OR DELETE ON "logs" FOR EACH ROW EXECUTE PROCEDURE "log_history_logs"()`},
				},
			},
		},
		// Dropping a tracked table tears its audit structure down first.
		{
			changes: []schema.Change{
				&schema.DropTable{T: &schema.Table{Name: "accounts"}},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithState(&schema.Schema{
					Tables: []*schema.Table{
						{Name: "accounts", History: true, Columns: []*schema.Column{{Name: "id", Type: "serial", PrimaryKey: true}}},
					},
				}),
			},
			wantPlan: &migrate.Plan{
				Reversible:    false,
				Transactional: true,
				Changes: []*migrate.Change{
					{Cmd: `DROP TRIGGER IF EXISTS "log_history_accounts" ON "accounts"`},
					{Cmd: `DROP FUNCTION IF EXISTS "log_history_accounts"()`},
					{Cmd: `DROP TABLE IF EXISTS "History_accounts"`},
					{Cmd: `DROP TABLE IF EXISTS "accounts"`},
				},
			},
		},
		{
			changes: []schema.Change{
				&schema.DropTable{T: &schema.Table{Name: "ghosts"}},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithCascade(true),
			},
			wantPlan: &migrate.Plan{
				Reversible:    false,
				Transactional: true,
				Changes: []*migrate.Change{
					{Cmd: `DROP TABLE IF EXISTS "ghosts" CASCADE`},
				},
			},
		},
		// Adding a column to a tracked table extends the history table
		// and regenerates the logging function.
		{
			changes: []schema.Change{
				&schema.AddColumn{Table: "accounts", C: &schema.Column{Name: "nickname", Type: "text", Null: true}},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithState(&schema.Schema{
					Tables: []*schema.Table{
						{Name: "accounts", History: true, Columns: []*schema.Column{{Name: "id", Type: "serial", PrimaryKey: true}}},
					},
				}),
			},
			wantPlan: &migrate.Plan{
				Reversible:    true,
				Transactional: true,
				Changes: []*migrate.Change{
					{
						Cmd:     `ALTER TABLE "accounts" ADD COLUMN IF NOT EXISTS "nickname" text`,
						Reverse: `ALTER TABLE "accounts" DROP COLUMN IF EXISTS "nickname"`,
					},
					{
						Cmd:     `ALTER TABLE "History_accounts" ADD COLUMN IF NOT EXISTS "nickname" text`,
						Reverse: `ALTER TABLE "History_accounts" DROP COLUMN IF EXISTS "nickname"`,
					},
					{
						Cmd: `CREATE OR REPLACE FUNCTION "log_history_accounts"() RETURNS trigger AS $$
BEGIN
    IF (TG_OP = 'INSERT') THEN
        INSERT INTO "History_accounts" ("id", "nickname", "changed_at", "operation")
        VALUES (NEW."id", NEW."nickname", now(), 'INSERT');
        RETURN NEW;
    ELSIF (TG_OP = 'UPDATE') THEN
        INSERT INTO "History_accounts" ("id", "nickname", "changed_at", "operation")
        VALUES (NEW."id", NEW."nickname", now(), 'UPDATE');
        RETURN NEW;
    ELSIF (TG_OP = 'DELETE') THEN
        INSERT INTO "History_accounts" ("id", "nickname", "changed_at", "operation")
        VALUES (OLD."id", OLD."nickname", now(), 'DELETE');
        RETURN OLD;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
						Reverse: `DROP FUNCTION IF EXISTS "log_history_accounts"()`,
					},
				},
			},
		},
		// Contracting a tracked table is allowed while its history
		// holds no rows.
		{
			changes: []schema.Change{
				&schema.DropColumn{Table: "accounts", Name: "nickname"},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithState(&schema.Schema{
					Tables: []*schema.Table{
						{Name: "accounts", History: true, Columns: []*schema.Column{
							{Name: "id", Type: "serial", PrimaryKey: true},
							{Name: "nickname", Type: "text", Null: true},
						}},
					},
				}),
			},
			mock: func(m mock) {
				m.tableExists("History_accounts", true)
				m.historyRows("accounts", 0)
			},
			wantPlan: &migrate.Plan{
				Reversible:    false,
				Transactional: true,
				Changes: []*migrate.Change{
					{Cmd: `ALTER TABLE "accounts" DROP COLUMN IF EXISTS "nickname"`},
					{Cmd: `ALTER TABLE "History_accounts" DROP COLUMN IF EXISTS "nickname"`},
					{Cmd: `CREATE OR REPLACE FUNCTION "log_history_accounts"() RETURNS trigger AS $$
BEGIN
    IF (TG_OP = 'INSERT') THEN
        INSERT INTO "History_accounts" ("id", "changed_at", "operation")
        VALUES (NEW."id", now(), 'INSERT');
        RETURN NEW;
    ELSIF (TG_OP = 'UPDATE') THEN
        INSERT INTO "History_accounts" ("id", "changed_at", "operation")
        VALUES (NEW."id", now(), 'UPDATE');
        RETURN NEW;
    ELSIF (TG_OP = 'DELETE') THEN
        INSERT INTO "History_accounts" ("id", "changed_at", "operation")
        VALUES (OLD."id", now(), 'DELETE');
        RETURN OLD;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
						Reverse: `DROP FUNCTION IF EXISTS "log_history_accounts"()`,
					},
				},
			},
		},
		{
			changes: []schema.Change{
				&schema.DropColumn{Table: "accounts", Name: "nickname"},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithState(&schema.Schema{
					Tables: []*schema.Table{
						{Name: "accounts", History: true, Columns: []*schema.Column{
							{Name: "id", Type: "serial", PrimaryKey: true},
							{Name: "nickname", Type: "text", Null: true},
						}},
					},
				}),
			},
			mock: func(m mock) {
				m.tableExists("History_accounts", true)
				m.historyRows("accounts", 3)
			},
			wantErr: true,
		},
		{
			changes: []schema.Change{
				&schema.DropColumn{Table: "t1", Name: "b"},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithState(&schema.Schema{
					Tables: []*schema.Table{
						{Name: "t1", Columns: []*schema.Column{{Name: "a", Type: "integer"}, {Name: "b", Type: "integer"}}},
					},
				}),
				migrate.PlanWithCascade(true),
			},
			wantPlan: &migrate.Plan{
				Reversible:    false,
				Transactional: true,
				Changes: []*migrate.Change{
					{Cmd: `ALTER TABLE "t1" DROP COLUMN IF EXISTS "b" CASCADE`},
				},
			},
		},
		// Redefining an index drops the old definition first.
		{
			changes: []schema.Change{
				&schema.AddIndex{Table: "users", I: &schema.Index{Name: "by_name", Columns: []string{"name", "email"}, Update: true}},
			},
			wantPlan: &migrate.Plan{
				Reversible:    true,
				Transactional: true,
				Changes: []*migrate.Change{
					{
						Cmd: `DROP INDEX IF EXISTS "INDEX_by_name"`,
					},
					{
						Cmd:     `CREATE INDEX "INDEX_by_name" ON "users" ("name", "email")`,
						Reverse: `DROP INDEX IF EXISTS "INDEX_by_name"`,
					},
				},
			},
		},
		{
			changes: []schema.Change{
				&schema.DropIndex{Table: "users", Name: "by_name"},
			},
			wantPlan: &migrate.Plan{
				Reversible:    false,
				Transactional: true,
				Changes: []*migrate.Change{
					{Cmd: `DROP INDEX IF EXISTS "INDEX_by_name"`},
				},
			},
		},
		{
			changes: []schema.Change{
				&schema.AddForeignKey{Table: "pets", F: &schema.ForeignKey{Column: "owner_id", RefTable: "users", RefColumn: "id", OnDelete: schema.SetNull, OnUpdate: schema.NoAction}},
			},
			wantPlan: &migrate.Plan{
				Reversible:    true,
				Transactional: true,
				Changes: []*migrate.Change{
					{
						Cmd: `ALTER TABLE "pets" DROP CONSTRAINT IF EXISTS "fk_pets_owner_id"`,
					},
					{
						Cmd:     `ALTER TABLE "pets" ADD CONSTRAINT "fk_pets_owner_id" FOREIGN KEY ("owner_id") REFERENCES "users" ("id") ON DELETE SET NULL ON UPDATE NO ACTION`,
						Reverse: `ALTER TABLE "pets" DROP CONSTRAINT IF EXISTS "fk_pets_owner_id"`,
					},
				},
			},
		},
	}
	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			db, mk, err := sqlmock.New()
			require.NoError(t, err)
			m := mock{mk}
			if tt.version == "" {
				tt.version = "130000"
			}
			m.version(tt.version)
			if tt.mock != nil {
				tt.mock(m)
			}
			drv, err := Open(db)
			require.NoError(t, err)
			plan, err := drv.PlanChanges(context.Background(), "wantPlan", tt.changes, tt.options...)
			if tt.wantErr {
				require.Error(t, err, "expect plan to fail")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantPlan.Reversible, plan.Reversible)
			require.Equal(t, tt.wantPlan.Transactional, plan.Transactional)
			require.Len(t, plan.Changes, len(tt.wantPlan.Changes))
			for i, c := range plan.Changes {
				require.Equal(t, tt.wantPlan.Changes[i].Cmd, c.Cmd)
				require.Equal(t, tt.wantPlan.Changes[i].Reverse, c.Reverse)
			}
		})
	}
}

func TestPlanChanges_HistorySyncError(t *testing.T) {
	db, mk, err := sqlmock.New()
	require.NoError(t, err)
	m := mock{mk}
	m.version("130000")
	m.tableExists("History_accounts", true)
	m.historyRows("accounts", 7)
	drv, err := Open(db)
	require.NoError(t, err)
	_, err = drv.PlanChanges(context.Background(), "drop", []schema.Change{
		&schema.DropColumn{Table: "accounts", Name: "nickname"},
	}, migrate.PlanWithState(&schema.Schema{
		Tables: []*schema.Table{
			{Name: "accounts", History: true, Columns: []*schema.Column{
				{Name: "id", Type: "serial", PrimaryKey: true},
				{Name: "nickname", Type: "text", Null: true},
			}},
		},
	}))
	var serr *schema.HistorySyncError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "accounts", serr.Table)
	require.Equal(t, "nickname", serr.Column)
}

func TestApplyChanges(t *testing.T) {
	db, mk, err := sqlmock.New()
	require.NoError(t, err)
	mock{mk}.version("130000")
	mk.ExpectExec(sqltest.Escape(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mk.ExpectExec(sqltest.Escape(`CREATE TABLE IF NOT EXISTS "orgs" ("id" uuid PRIMARY KEY)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	drv, err := Open(db)
	require.NoError(t, err)
	err = drv.ApplyChanges(context.Background(), []schema.Change{
		&schema.CreateExtension{E: &schema.Extension{Name: "uuid-ossp"}},
		&schema.AddTable{T: &schema.Table{Name: "orgs", Columns: []*schema.Column{{Name: "id", Type: "uuid", PrimaryKey: true}}}},
	})
	require.NoError(t, err)
	require.NoError(t, mk.ExpectationsWereMet())
}

func TestFormatType(t *testing.T) {
	for _, tt := range []struct{ in, out string }{
		{"integer", "integer"},
		{"TEXT", "text"},
		{"timestamptz", "timestamp with time zone"},
		{"decimal(10,2)", "numeric(10,2)"},
		{"decimal", "numeric"},
		{"varchar(255)", "varchar(255)"},
	} {
		require.Equal(t, tt.out, FormatType(tt.in))
	}
}
