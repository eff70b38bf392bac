// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package revision provides a database-backed migrate.RevisionReadWriter.
// The ledger lives in a single table next to the migrated schema, its
// SQL is switched by the flavor of the connected database.
package revision

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Flavor of the SQL the store speaks.
type Flavor string

const (
	FlavorPostgres Flavor = "postgres"
	FlavorMySQL    Flavor = "mysql"
	FlavorSQLite   Flavor = "sqlite"
)

// DefaultTable is the name the ledger table is created under unless
// overridden with WithTable.
const DefaultTable = "strata_schema_revisions"

// columns of the ledger table, in read and write order. The id column
// is written on insert only and never read back.
var columns = []string{
	"version", "description", "execution_state", "executed_at",
	"execution_time", "error", "applied", "total", "hash", "operator_version",
}

// A Store reads and writes revisions to a ledger table. It implements
// the migrate.RevisionReadWriter interface.
type Store struct {
	conn   schema.ExecQuerier
	flavor Flavor
	name   string
}

var _ migrate.RevisionReadWriter = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the ledger table name.
func WithTable(name string) Option {
	return func(s *Store) { s.name = name }
}

// New returns a Store speaking the SQL flavor of the given driver
// name. The sqlclient scheme names and their flavours are accepted.
func New(conn schema.ExecQuerier, flavor string, opts ...Option) (*Store, error) {
	s := &Store{conn: conn, name: DefaultTable}
	switch flavor {
	case "postgres", "postgresql":
		s.flavor = FlavorPostgres
	case "mysql", "mariadb":
		s.flavor = FlavorMySQL
	case "sqlite", "sqlite3":
		s.flavor = FlavorSQLite
	default:
		return nil, fmt.Errorf("sql/revision: unsupported flavor %q", flavor)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ident implements the migrate.RevisionReadWriter interface.
func (s *Store) Ident() string { return s.name }

// Init creates the ledger table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, s.ddl()); err != nil {
		return fmt.Errorf("sql/revision: creating revision table: %w", err)
	}
	return nil
}

// ReadRevisions implements the migrate.RevisionReadWriter interface.
func (s *Store) ReadRevisions(ctx context.Context) ([]*migrate.Revision, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		s.columnList(), s.table(), s.quote("version")))
	if err != nil {
		return nil, fmt.Errorf("sql/revision: reading revisions: %w", err)
	}
	defer rows.Close()
	var revs []*migrate.Revision
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sql/revision: scanning revision: %w", err)
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// ReadRevision implements the migrate.RevisionReadWriter interface.
func (s *Store) ReadRevision(ctx context.Context, version string) (*migrate.Revision, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.columnList(), s.table(), s.quote("version"), s.placeholder(1)), version)
	if err != nil {
		return nil, fmt.Errorf("sql/revision: reading revision %q: %w", version, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sql/revision: reading revision %q: %w", version, err)
		}
		return nil, migrate.ErrRevisionNotExist
	}
	r, err := scanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("sql/revision: scanning revision %q: %w", version, err)
	}
	return r, rows.Close()
}

// WriteRevision implements the migrate.RevisionReadWriter interface.
// An existing row with the same version is updated in place, retried
// batches keep a single ledger row.
func (s *Store) WriteRevision(ctx context.Context, r *migrate.Revision) error {
	_, err := s.conn.ExecContext(ctx, s.upsertQuery(),
		uuid.NewString(), r.Version, r.Description, string(r.ExecutionState), r.ExecutedAt,
		int64(r.ExecutionTime), r.Error, r.Applied, r.Total, r.Hash, r.OperatorVersion,
	)
	if err != nil {
		return fmt.Errorf("sql/revision: writing revision %q: %w", r.Version, err)
	}
	return nil
}

// DeleteRevision implements the migrate.RevisionReadWriter interface.
func (s *Store) DeleteRevision(ctx context.Context, version string) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		s.table(), s.quote("version"), s.placeholder(1)), version)
	if err != nil {
		return fmt.Errorf("sql/revision: deleting revision %q: %w", version, err)
	}
	return nil
}

// scanRow reads one ledger row. Duration and state columns are stored
// in their primitive forms and converted on the way out.
func scanRow(rows *sql.Rows) (*migrate.Revision, error) {
	var (
		r     migrate.Revision
		state string
		ns    int64
	)
	if err := rows.Scan(
		&r.Version, &r.Description, &state, &r.ExecutedAt, &ns,
		&r.Error, &r.Applied, &r.Total, &r.Hash, &r.OperatorVersion,
	); err != nil {
		return nil, err
	}
	r.ExecutionState = migrate.ExecutionState(state)
	r.ExecutionTime = time.Duration(ns)
	return &r, nil
}

func (s *Store) table() string { return s.quote(s.name) }

func (s *Store) columnList() string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = s.quote(c)
	}
	return strings.Join(quoted, ", ")
}

func (s *Store) quote(ident string) string {
	switch s.flavor {
	case FlavorMySQL:
		return "`" + ident + "`"
	case FlavorPostgres:
		return pq.QuoteIdentifier(ident)
	default:
		return `"` + ident + `"`
	}
}

func (s *Store) placeholder(i int) string {
	if s.flavor == FlavorPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// upsertQuery returns the flavor-specific insert-or-update statement
// for one ledger row. The version column carries the uniqueness, the
// id of an existing row is kept.
func (s *Store) upsertQuery() string {
	cols := make([]string, 0, len(columns)+1)
	cols = append(cols, s.quote("id"))
	for _, c := range columns {
		cols = append(cols, s.quote(c))
	}
	ph := make([]string, len(cols))
	for i := range ph {
		ph[i] = s.placeholder(i + 1)
	}
	upd := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] {
		if s.flavor == FlavorMySQL {
			upd = append(upd, fmt.Sprintf("%s = VALUES(%s)", s.quote(c), s.quote(c)))
		} else {
			upd = append(upd, fmt.Sprintf("%s = excluded.%s", s.quote(c), s.quote(c)))
		}
	}
	if s.flavor == FlavorMySQL {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			s.table(), strings.Join(cols, ", "), strings.Join(ph, ", "), strings.Join(upd, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		s.table(), strings.Join(cols, ", "), strings.Join(ph, ", "), s.quote("version"), strings.Join(upd, ", "))
}

// ddl returns the flavor-specific creation statement of the ledger
// table.
func (s *Store) ddl() string {
	switch s.flavor {
	case FlavorMySQL:
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
			"`id` char(36) NOT NULL PRIMARY KEY, "+
			"`version` varchar(255) NOT NULL UNIQUE, "+
			"`description` varchar(255) NOT NULL, "+
			"`execution_state` varchar(16) NOT NULL, "+
			"`executed_at` datetime NOT NULL, "+
			"`execution_time` bigint NOT NULL, "+
			"`error` text NOT NULL, "+
			"`applied` int NOT NULL DEFAULT 0, "+
			"`total` int NOT NULL DEFAULT 0, "+
			"`hash` varchar(255) NOT NULL, "+
			"`operator_version` varchar(255) NOT NULL)", s.table())
	case FlavorPostgres:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (`+
			`"id" uuid PRIMARY KEY, `+
			`"version" character varying NOT NULL UNIQUE, `+
			`"description" character varying NOT NULL, `+
			`"execution_state" character varying NOT NULL, `+
			`"executed_at" timestamptz NOT NULL, `+
			`"execution_time" bigint NOT NULL, `+
			`"error" text NOT NULL, `+
			`"applied" integer NOT NULL DEFAULT 0, `+
			`"total" integer NOT NULL DEFAULT 0, `+
			`"hash" character varying NOT NULL, `+
			`"operator_version" character varying NOT NULL)`, s.table())
	default:
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (`+
			`"id" text NOT NULL PRIMARY KEY, `+
			`"version" text NOT NULL UNIQUE, `+
			`"description" text NOT NULL, `+
			`"execution_state" text NOT NULL, `+
			`"executed_at" timestamp NOT NULL, `+
			`"execution_time" bigint NOT NULL, `+
			`"error" text NOT NULL, `+
			`"applied" integer NOT NULL DEFAULT 0, `+
			`"total" integer NOT NULL DEFAULT 0, `+
			`"hash" text NOT NULL, `+
			`"operator_version" text NOT NULL)`, s.table())
	}
}
