// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package postgres implements the PostgreSQL dialect driver of the
// migration engine.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stratadb/strata/sql/internal/sqlx"
	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"
	"github.com/stratadb/strata/sql/sqlclient"

	"golang.org/x/mod/semver"
)

type (
	// Driver represents a PostgreSQL driver for migrating database
	// schemas.
	Driver struct {
		conn
	}

	// database connection and its information.
	conn struct {
		schema.ExecQuerier
		// The server version, semver normalized.
		version string
	}
)

func init() {
	sqlclient.Register("postgres", sqlclient.DriverOpener(Open),
		sqlclient.RegisterFlavours("postgresql"),
		sqlclient.RegisterURLParser(parser{}),
	)
}

// Open opens a new PostgreSQL driver on the given connection.
func Open(db schema.ExecQuerier) (migrate.Driver, error) {
	c := conn{ExecQuerier: db}
	rows, err := db.QueryContext(context.Background(), paramsQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: query server version: %w", err)
	}
	var version string
	if err := sqlx.ScanOne(rows, &version); err != nil {
		return nil, fmt.Errorf("postgres: scan server version: %w", err)
	}
	if c.version, err = normalizeVersion(version); err != nil {
		return nil, err
	}
	if semver.Compare("v"+c.version, "v10.0.0") == -1 {
		return nil, fmt.Errorf("postgres: unsupported server version: %s", c.version)
	}
	return &Driver{conn: c}, nil
}

// paramsQuery returns the version number of the connected server,
// e.g. 130004 for 13.4.
const paramsQuery = "SELECT current_setting('server_version_num')"

// normalizeVersion converts a server_version_num to a semver string.
// Since version 10 the numbering scheme carries major and bugfix
// release only.
func normalizeVersion(v string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return "", fmt.Errorf("postgres: malformed version %q", v)
	}
	if n >= 100000 {
		return fmt.Sprintf("%d.%d.0", n/10000, n%10000), nil
	}
	return fmt.Sprintf("%d.%d.%d", n/10000, (n/100)%100, n%100), nil
}

// Lock implements the schema.Locker interface, obtaining a session
// scoped advisory lock for the given name.
func (d *Driver) Lock(ctx context.Context, name string, timeout time.Duration) (schema.UnlockFunc, error) {
	conn, err := sqlx.SingleConn(ctx, d.ExecQuerier)
	if err != nil {
		return nil, err
	}
	h := fnv.New32()
	h.Write([]byte(name))
	id := int64(h.Sum32())
	if err := acquire(ctx, conn, id, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return func() error {
		defer conn.Close()
		rows, err := conn.QueryContext(ctx, "SELECT pg_advisory_unlock($1)", id)
		if err != nil {
			return err
		}
		var released sql.NullBool
		if err := sqlx.ScanOne(rows, &released); err != nil {
			return err
		}
		if !released.Bool {
			return fmt.Errorf("postgres: lock %d was not held", id)
		}
		return nil
	}, nil
}

func acquire(ctx context.Context, conn schema.ExecQuerier, id int64, timeout time.Duration) error {
	// A negative timeout waits for the lock.
	if timeout < 0 {
		_, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id)
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		rows, err := conn.QueryContext(ctx, "SELECT pg_try_advisory_lock($1)", id)
		if err != nil {
			return err
		}
		var acquired sql.NullBool
		if err := sqlx.ScanOne(rows, &acquired); err != nil {
			return err
		}
		if acquired.Bool {
			return nil
		}
		if !time.Now().Before(deadline) {
			return schema.ErrLocked
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Tx implements the migrate.TxOpener interface, returning a driver
// bound to an open transaction.
func (d *Driver) Tx(ctx context.Context) (migrate.TxDriver, error) {
	db, ok := d.ExecQuerier.(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("postgres: cannot open a transaction from %T", d.ExecQuerier)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin transaction: %w", err)
	}
	drv := &Driver{conn: d.conn}
	drv.ExecQuerier = tx
	return &txDriver{Driver: drv, tx: tx}, nil
}

type txDriver struct {
	*Driver
	tx *sql.Tx
}

func (d *txDriver) Commit() error   { return d.tx.Commit() }
func (d *txDriver) Rollback() error { return d.tx.Rollback() }

type parser struct{}

// ParseURL implements the sqlclient.URLParser interface. lib/pq
// accepts connection URLs under the postgres scheme directly.
func (parser) ParseURL(u *url.URL) *sqlclient.URL {
	dsn := *u
	dsn.Scheme = "postgres"
	return &sqlclient.URL{URL: u, DSN: dsn.String()}
}
