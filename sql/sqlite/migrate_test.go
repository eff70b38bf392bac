// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package sqlite

import (
	"context"
	"strconv"
	"testing"

	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPlanChanges(t *testing.T) {
	tests := []struct {
		version  string
		fkOff    bool
		changes  []schema.Change
		options  []migrate.PlanOption
		mock     func(mock)
		wantPlan *migrate.Plan
		wantErr  bool
	}{
		// Extensions are skipped, the plan records the skip.
		{
			changes: []schema.Change{
				&schema.CreateExtension{E: &schema.Extension{Name: "uuid-ossp"}},
			},
			wantPlan: &migrate.Plan{
				Reversible: true,
				Changes: []*migrate.Change{
					{Cmd: "SELECT 0"},
				},
			},
		},
		// Unique and foreign key constraints ride on the CREATE TABLE
		// statement, they cannot be added to an existing table.
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
				Reversible: true,
				Changes: []*migrate.Change{
					{
						Cmd:     "CREATE TABLE IF NOT EXISTS `users` (`id` integer PRIMARY KEY AUTOINCREMENT, `email` text NOT NULL, `org_id` integer, CONSTRAINT `uk_users_email` UNIQUE (`email`), CONSTRAINT `fk_users_org_id` FOREIGN KEY (`org_id`) REFERENCES `orgs` (`id`) ON DELETE CASCADE ON UPDATE RESTRICT)",
						Reverse: "DROP TABLE IF EXISTS `users`",
					},
					{
						Cmd:     "CREATE INDEX IF NOT EXISTS `INDEX_users_email` ON `users` (`email`)",
						Reverse: "DROP INDEX IF EXISTS `INDEX_users_email`",
					},
				},
			},
		},
		// Tracked tables get an explicit history table and three row
		// triggers, one per event.
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
				Reversible: true,
				Changes: []*migrate.Change{
					{
						Cmd:     "CREATE TABLE IF NOT EXISTS `accounts` (`id` integer PRIMARY KEY AUTOINCREMENT, `name` text NOT NULL)",
						Reverse: "DROP TABLE IF EXISTS `accounts`",
					},
					{
						Cmd:     "CREATE TABLE IF NOT EXISTS `History_accounts` (`historyid` integer PRIMARY KEY AUTOINCREMENT, `id` integer, `name` text NOT NULL, `changed_at` timestamp DEFAULT CURRENT_TIMESTAMP, `operation` text)",
						Reverse: "DROP TABLE IF EXISTS `History_accounts`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_ins`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_ins` AFTER INSERT ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `name`, `changed_at`, `operation`) VALUES (NEW.`id`, NEW.`name`, CURRENT_TIMESTAMP, 'INSERT'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_ins`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_upd`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_upd` AFTER UPDATE ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `name`, `changed_at`, `operation`) VALUES (NEW.`id`, NEW.`name`, CURRENT_TIMESTAMP, 'UPDATE'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_upd`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_del`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_del` AFTER DELETE ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `name`, `changed_at`, `operation`) VALUES (OLD.`id`, OLD.`name`, CURRENT_TIMESTAMP, 'DELETE'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_del`",
					},
				},
			},
		},
		// Dropping a tracked table tears its audit structure down
		// first.
		{
			changes: []schema.Change{
				&schema.DropTable{T: &schema.Table{Name: "accounts"}},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithState(&schema.Schema{
					Tables: []*schema.Table{
						{Name: "accounts", History: true, Columns: []*schema.Column{
							{Name: "id", Type: "serial", PrimaryKey: true},
						}},
					},
				}),
			},
			wantPlan: &migrate.Plan{
				Reversible: false,
				Changes: []*migrate.Change{
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_ins`"},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_upd`"},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_del`"},
					{Cmd: "DROP TABLE IF EXISTS `History_accounts`"},
					{Cmd: "DROP TABLE IF EXISTS `accounts`"},
				},
			},
		},
		// SQLite has no cascading drop, the option changes nothing.
		{
			changes: []schema.Change{
				&schema.DropTable{T: &schema.Table{Name: "ghosts"}},
			},
			options: []migrate.PlanOption{migrate.PlanWithCascade()},
			wantPlan: &migrate.Plan{
				Reversible: false,
				Changes: []*migrate.Change{
					{Cmd: "DROP TABLE IF EXISTS `ghosts`"},
				},
			},
		},
		{
			changes: []schema.Change{
				&schema.AddColumn{Table: "t1", C: &schema.Column{Name: "b", Type: "text"}},
			},
			mock: func(m mock) {
				m.tableExists("t1", true)
				m.columnExists("t1", "b", false)
			},
			wantPlan: &migrate.Plan{
				Reversible: true,
				Changes: []*migrate.Change{
					{
						Cmd:     "ALTER TABLE `t1` ADD COLUMN `b` text NOT NULL",
						Reverse: "ALTER TABLE `t1` DROP COLUMN `b`",
					},
				},
			},
		},
		// A column added to a table created earlier in the same plan
		// is planned unconditionally.
		{
			changes: []schema.Change{
				&schema.AddTable{T: &schema.Table{Name: "t1", Columns: []*schema.Column{{Name: "a", Type: "integer"}}}},
				&schema.AddColumn{Table: "t1", C: &schema.Column{Name: "b", Type: "text"}},
			},
			mock: func(m mock) {
				m.tableExists("t1", false)
			},
			wantPlan: &migrate.Plan{
				Reversible: true,
				Changes: []*migrate.Change{
					{
						Cmd:     "CREATE TABLE IF NOT EXISTS `t1` (`a` integer NOT NULL)",
						Reverse: "DROP TABLE IF EXISTS `t1`",
					},
					{
						Cmd:     "ALTER TABLE `t1` ADD COLUMN `b` text NOT NULL",
						Reverse: "ALTER TABLE `t1` DROP COLUMN `b`",
					},
				},
			},
		},
		// Replayed files skip columns that already exist.
		{
			changes: []schema.Change{
				&schema.AddColumn{Table: "t1", C: &schema.Column{Name: "b", Type: "text"}},
			},
			mock: func(m mock) {
				m.tableExists("t1", true)
				m.columnExists("t1", "b", true)
			},
			wantPlan: &migrate.Plan{
				Reversible: true,
				Changes:    []*migrate.Change{},
			},
		},
		// A unique column on an existing table is enforced with a
		// unique index.
		{
			changes: []schema.Change{
				&schema.AddColumn{Table: "users", C: &schema.Column{Name: "handle", Type: "text", Unique: true}},
			},
			mock: func(m mock) {
				m.tableExists("users", true)
				m.columnExists("users", "handle", false)
			},
			wantPlan: &migrate.Plan{
				Reversible: true,
				Changes: []*migrate.Change{
					{
						Cmd:     "ALTER TABLE `users` ADD COLUMN `handle` text NOT NULL",
						Reverse: "ALTER TABLE `users` DROP COLUMN `handle`",
					},
					{
						Cmd:     "CREATE UNIQUE INDEX IF NOT EXISTS `uk_users_handle` ON `users` (`handle`)",
						Reverse: "DROP INDEX IF EXISTS `uk_users_handle`",
					},
				},
			},
		},
		// Adding a column to a tracked table extends the history table
		// and regenerates the triggers.
		{
			changes: []schema.Change{
				&schema.AddColumn{Table: "accounts", C: &schema.Column{Name: "nickname", Type: "text", Null: true}},
			},
			options: []migrate.PlanOption{
				migrate.PlanWithState(&schema.Schema{
					Tables: []*schema.Table{
						{Name: "accounts", History: true, Columns: []*schema.Column{
							{Name: "id", Type: "serial", PrimaryKey: true},
						}},
					},
				}),
			},
			mock: func(m mock) {
				m.tableExists("accounts", true)
				m.columnExists("accounts", "nickname", false)
				m.tableExists("History_accounts", true)
				m.columnExists("History_accounts", "nickname", false)
			},
			wantPlan: &migrate.Plan{
				Reversible: true,
				Changes: []*migrate.Change{
					{
						Cmd:     "ALTER TABLE `accounts` ADD COLUMN `nickname` text",
						Reverse: "ALTER TABLE `accounts` DROP COLUMN `nickname`",
					},
					{
						Cmd:     "ALTER TABLE `History_accounts` ADD COLUMN `nickname` text",
						Reverse: "ALTER TABLE `History_accounts` DROP COLUMN `nickname`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_ins`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_ins` AFTER INSERT ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `nickname`, `changed_at`, `operation`) VALUES (NEW.`id`, NEW.`nickname`, CURRENT_TIMESTAMP, 'INSERT'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_ins`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_upd`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_upd` AFTER UPDATE ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `nickname`, `changed_at`, `operation`) VALUES (NEW.`id`, NEW.`nickname`, CURRENT_TIMESTAMP, 'UPDATE'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_upd`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_del`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_del` AFTER DELETE ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `nickname`, `changed_at`, `operation`) VALUES (OLD.`id`, OLD.`nickname`, CURRENT_TIMESTAMP, 'DELETE'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_del`",
					},
				},
			},
		},
		// An empty history table follows the contraction.
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
				m.tableExists("accounts", true)
				m.columnExists("accounts", "nickname", true)
				m.tableExists("History_accounts", true)
				m.historyRows("accounts", 0)
				m.columnExists("History_accounts", "nickname", true)
			},
			wantPlan: &migrate.Plan{
				Reversible: false,
				Changes: []*migrate.Change{
					{Cmd: "ALTER TABLE `accounts` DROP COLUMN `nickname`"},
					{Cmd: "ALTER TABLE `History_accounts` DROP COLUMN `nickname`"},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_ins`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_ins` AFTER INSERT ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `changed_at`, `operation`) VALUES (NEW.`id`, CURRENT_TIMESTAMP, 'INSERT'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_ins`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_upd`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_upd` AFTER UPDATE ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `changed_at`, `operation`) VALUES (NEW.`id`, CURRENT_TIMESTAMP, 'UPDATE'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_upd`",
					},
					{Cmd: "DROP TRIGGER IF EXISTS `log_history_accounts_del`"},
					{
						Cmd:     "CREATE TRIGGER `log_history_accounts_del` AFTER DELETE ON `accounts` FOR EACH ROW BEGIN INSERT INTO `History_accounts` (`id`, `changed_at`, `operation`) VALUES (OLD.`id`, CURRENT_TIMESTAMP, 'DELETE'); END",
						Reverse: "DROP TRIGGER IF EXISTS `log_history_accounts_del`",
					},
				},
			},
		},
		// Redefining an index drops it first, the replacement skips
		// the existence guard.
		{
			changes: []schema.Change{
				&schema.AddIndex{Table: "users", I: &schema.Index{Name: "by_name", Columns: []string{"name", "email"}, Update: true}},
			},
			wantPlan: &migrate.Plan{
				Reversible: true,
				Changes: []*migrate.Change{
					{Cmd: "DROP INDEX IF EXISTS `INDEX_by_name`"},
					{
						Cmd:     "CREATE INDEX `INDEX_by_name` ON `users` (`name`, `email`)",
						Reverse: "DROP INDEX IF EXISTS `INDEX_by_name`",
					},
				},
			},
		},
		{
			changes: []schema.Change{
				&schema.DropIndex{Table: "users", Name: "users_email"},
			},
			wantPlan: &migrate.Plan{
				Reversible: false,
				Changes: []*migrate.Change{
					{Cmd: "DROP INDEX IF EXISTS `INDEX_users_email`"},
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
				tt.version = "3.36.0"
			}
			m.version(tt.version, !tt.fkOff)
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
			require.True(t, plan.Transactional, "sqlite plans run inside a transaction")
			require.Len(t, plan.Changes, len(tt.wantPlan.Changes))
			for i, c := range plan.Changes {
				require.Equal(t, tt.wantPlan.Changes[i].Cmd, c.Cmd)
				require.Equal(t, tt.wantPlan.Changes[i].Reverse, c.Reverse)
			}
		})
	}
}

func TestPlanChanges_AddForeignKey(t *testing.T) {
	db, mk, err := sqlmock.New()
	require.NoError(t, err)
	mock{mk}.version("3.36.0", true)
	drv, err := Open(db)
	require.NoError(t, err)
	_, err = drv.PlanChanges(context.Background(), "fk", []schema.Change{
		&schema.AddForeignKey{Table: "pets", F: &schema.ForeignKey{Column: "owner_id", RefTable: "users", RefColumn: "id"}},
	})
	var uerr *schema.UnsupportedChangeError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, "sqlite supports foreign keys only at table creation", uerr.Reason)
}

func TestPlanChanges_DropColumnVersion(t *testing.T) {
	db, mk, err := sqlmock.New()
	require.NoError(t, err)
	mock{mk}.version("3.34.1", true)
	drv, err := Open(db)
	require.NoError(t, err)
	_, err = drv.PlanChanges(context.Background(), "drop", []schema.Change{
		&schema.DropColumn{Table: "accounts", Name: "nickname"},
	})
	var uerr *schema.UnsupportedChangeError
	require.ErrorAs(t, err, &uerr)
	require.Contains(t, uerr.Reason, "3.35.0")
}

func TestPlanChanges_HistorySyncError(t *testing.T) {
	db, mk, err := sqlmock.New()
	require.NoError(t, err)
	m := mock{mk}
	m.version("3.36.0", true)
	m.tableExists("accounts", true)
	m.columnExists("accounts", "nickname", true)
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

// Plans that declare foreign keys on a connection with the
// foreign_keys pragma off record the fact in the statement comment.
func TestPlanChanges_ForeignKeysPragmaOff(t *testing.T) {
	db, mk, err := sqlmock.New()
	require.NoError(t, err)
	mock{mk}.version("3.36.0", false)
	drv, err := Open(db)
	require.NoError(t, err)
	plan, err := drv.PlanChanges(context.Background(), "fkoff", []schema.Change{
		&schema.AddTable{T: &schema.Table{
			Name: "pets",
			Columns: []*schema.Column{
				{Name: "id", Type: "serial", PrimaryKey: true},
				{Name: "owner_id", Type: "integer", Null: true},
			},
			ForeignKeys: []*schema.ForeignKey{
				{Column: "owner_id", RefTable: "users", RefColumn: "id", OnDelete: schema.SetNull},
			},
		}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, plan.Changes)
	require.Equal(t, `create table "pets", foreign_keys pragma is off`, plan.Changes[0].Comment)
}

func TestFormatType(t *testing.T) {
	for _, tt := range []struct{ in, out string }{
		{"integer", "integer"},
		{"TEXT", "text"},
		{"uuid", "text"},
		{"serial", "integer"},
		{"jsonb", "text"},
		{"timestamptz", "timestamp"},
		{"decimal(10,2)", "decimal(10,2)"},
	} {
		require.Equal(t, tt.out, FormatType(tt.in))
	}
}
