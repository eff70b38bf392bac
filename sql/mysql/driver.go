// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package mysql implements the MySQL and MariaDB dialect driver of
// the migration engine.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stratadb/strata/sql/internal/sqlx"
	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/mysql/internal/mysqlversion"
	"github.com/stratadb/strata/sql/schema"
	"github.com/stratadb/strata/sql/sqlclient"

	"github.com/go-sql-driver/mysql"
)

type (
	// Driver represents a MySQL driver for migrating database
	// schemas.
	Driver struct {
		conn
	}

	// database connection and its information.
	conn struct {
		schema.ExecQuerier
		// The raw server version string.
		version mysqlversion.V
	}
)

func init() {
	sqlclient.Register("mysql", sqlclient.DriverOpener(Open),
		sqlclient.RegisterFlavours("mariadb"),
		sqlclient.RegisterURLParser(parser{}),
	)
}

// Open opens a new MySQL driver on the given connection.
func Open(db schema.ExecQuerier) (migrate.Driver, error) {
	c := conn{ExecQuerier: db}
	rows, err := db.QueryContext(context.Background(), paramsQuery)
	if err != nil {
		return nil, fmt.Errorf("mysql: query server version: %w", err)
	}
	var version string
	if err := sqlx.ScanOne(rows, &version); err != nil {
		return nil, fmt.Errorf("mysql: scan server version: %w", err)
	}
	c.version = mysqlversion.V(version)
	switch {
	case c.version.Maria() && c.version.LT("10.2"):
		return nil, fmt.Errorf("mysql: unsupported mariadb version: %s", version)
	case !c.version.Maria() && c.version.LT("5.7"):
		return nil, fmt.Errorf("mysql: unsupported server version: %s", version)
	}
	return &Driver{conn: c}, nil
}

// paramsQuery returns the server version string, e.g. "8.0.33" or
// "10.6.12-MariaDB-1:10.6.12+maria~ubu2004".
const paramsQuery = "SELECT VERSION()"

// Lock implements the schema.Locker interface, obtaining a session
// scoped named lock using GET_LOCK.
func (d *Driver) Lock(ctx context.Context, name string, timeout time.Duration) (schema.UnlockFunc, error) {
	conn, err := sqlx.SingleConn(ctx, d.ExecQuerier)
	if err != nil {
		return nil, err
	}
	if err := acquire(ctx, conn, name, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return func() error {
		defer conn.Close()
		rows, err := conn.QueryContext(ctx, "SELECT RELEASE_LOCK(?)", name)
		if err != nil {
			return err
		}
		var released sql.NullInt64
		if err := sqlx.ScanOne(rows, &released); err != nil {
			return err
		}
		if !released.Valid || released.Int64 != 1 {
			return fmt.Errorf("mysql: lock %q was not held", name)
		}
		return nil
	}, nil
}

func acquire(ctx context.Context, conn schema.ExecQuerier, name string, timeout time.Duration) error {
	// GET_LOCK timeouts are whole seconds, a negative value
	// waits for the lock.
	seconds := -1
	if timeout >= 0 {
		seconds = int(timeout.Seconds())
	}
	rows, err := conn.QueryContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds)
	if err != nil {
		return err
	}
	var acquired sql.NullInt64
	if err := sqlx.ScanOne(rows, &acquired); err != nil {
		return err
	}
	switch {
	case !acquired.Valid:
		return fmt.Errorf("mysql: acquiring lock %q", name)
	case acquired.Int64 != 1:
		return schema.ErrLocked
	}
	return nil
}

// Tx implements the migrate.TxOpener interface, returning a driver
// bound to an open transaction.
func (d *Driver) Tx(ctx context.Context) (migrate.TxDriver, error) {
	db, ok := d.ExecQuerier.(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("mysql: cannot open a transaction from %T", d.ExecQuerier)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mysql: begin transaction: %w", err)
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
// the URL to the DSN format of the go-sql-driver.
func (parser) ParseURL(u *url.URL) *sqlclient.URL {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.User = u.User.Username()
	if p, ok := u.User.Password(); ok {
		cfg.Passwd = p
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	if q := u.Query(); len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for k, v := range q {
			cfg.Params[k] = v[0]
		}
	}
	return &sqlclient.URL{URL: u, DSN: cfg.FormatDSN()}
}
