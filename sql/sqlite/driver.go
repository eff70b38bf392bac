// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package sqlite implements the SQLite dialect driver of the
// migration engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/stratadb/strata/sql/internal/sqlx"
	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"
	"github.com/stratadb/strata/sql/sqlclient"
)

type (
	// Driver represents a SQLite driver for migrating database
	// schemas.
	Driver struct {
		conn
	}

	// database connection and its information.
	conn struct {
		schema.ExecQuerier
		// System variables that are set on Open.
		version   string
		fkEnabled bool
	}
)

func init() {
	sqlclient.Register("sqlite3", sqlclient.DriverOpener(Open),
		sqlclient.RegisterFlavours("sqlite"),
		sqlclient.RegisterURLParser(parser{}),
	)
}

// Open opens a new SQLite driver on the given connection.
func Open(db schema.ExecQuerier) (migrate.Driver, error) {
	c := conn{ExecQuerier: db}
	rows, err := db.QueryContext(context.Background(), paramsQuery)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query database version: %w", err)
	}
	if err := sqlx.ScanOne(rows, &c.version); err != nil {
		return nil, fmt.Errorf("sqlite: scan database version: %w", err)
	}
	if rows, err = db.QueryContext(context.Background(), "PRAGMA foreign_keys"); err != nil {
		return nil, fmt.Errorf("sqlite: check foreign_keys pragma: %w", err)
	}
	if err := sqlx.ScanOne(rows, &c.fkEnabled); err != nil {
		return nil, fmt.Errorf("sqlite: scan foreign_keys pragma: %w", err)
	}
	return &Driver{conn: c}, nil
}

const paramsQuery = "SELECT sqlite_version()"

// lockTab holds the process-level lock table. The database file has
// no session locks, concurrent migrations are guarded inside the
// running process.
var lockTab = struct {
	sync.Mutex
	held map[string]struct{}
}{held: make(map[string]struct{})}

// Lock implements the schema.Locker interface.
func (d *Driver) Lock(ctx context.Context, name string, timeout time.Duration) (schema.UnlockFunc, error) {
	deadline := time.Now().Add(timeout)
	for {
		lockTab.Lock()
		if _, ok := lockTab.held[name]; !ok {
			lockTab.held[name] = struct{}{}
			lockTab.Unlock()
			return func() error {
				lockTab.Lock()
				defer lockTab.Unlock()
				if _, ok := lockTab.held[name]; !ok {
					return fmt.Errorf("sqlite: lock %q was not held", name)
				}
				delete(lockTab.held, name)
				return nil
			}, nil
		}
		lockTab.Unlock()
		if timeout >= 0 && !time.Now().Before(deadline) {
			return nil, schema.ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Tx implements the migrate.TxOpener interface, returning a driver
// bound to an open transaction.
func (d *Driver) Tx(ctx context.Context) (migrate.TxDriver, error) {
	db, ok := d.ExecQuerier.(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("sqlite: cannot open a transaction from %T", d.ExecQuerier)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
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

// ParseURL implements the sqlclient.URLParser interface, converting
// the URL to the file DSN format of the sqlite3 driver.
func (parser) ParseURL(u *url.URL) *sqlclient.URL {
	dsn := "file:" + u.Host + u.Path
	if u.Opaque != "" {
		dsn = "file:" + u.Opaque
	}
	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}
	return &sqlclient.URL{URL: u, DSN: dsn}
}
