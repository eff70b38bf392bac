// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package cloudsql registers a "cloudsql+postgres" client opener that
// connects through the Cloud SQL connector instead of a plain TCP
// address. The instance connection name rides in the instance query
// parameter:
//
//	cloudsql+postgres://user:pass@/dbname?instance=project:region:instance
package cloudsql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/stratadb/strata/sql/postgres"
	"github.com/stratadb/strata/sql/sqlclient"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/lib/pq"
)

func init() {
	sqlclient.Register("cloudsql+postgres", sqlclient.OpenerFunc(open),
		sqlclient.RegisterURLParser(parser{}),
	)
}

type parser struct{}

// ParseURL implements the sqlclient.URLParser interface. The returned
// DSN is a plain postgres url with the connector parameters stripped,
// its host is a placeholder the dialer never reads.
func (parser) ParseURL(u *url.URL) *sqlclient.URL {
	dsn := *u
	dsn.Scheme = "postgres"
	q := dsn.Query()
	q.Del("instance")
	q.Del("private")
	if q.Get("sslmode") == "" {
		// The connector tunnel is TLS terminated already.
		q.Set("sslmode", "disable")
	}
	dsn.RawQuery = q.Encode()
	if dsn.Host == "" {
		dsn.Host = "cloudsql"
	}
	return &sqlclient.URL{URL: u, DSN: dsn.String()}
}

func open(ctx context.Context, u *url.URL) (*sqlclient.Client, error) {
	instance := u.Query().Get("instance")
	if instance == "" {
		return nil, fmt.Errorf("sql/sqlclient: cloudsql url %q missing instance query parameter", u.Redacted())
	}
	var opts []cloudsqlconn.Option
	if v, _ := strconv.ParseBool(u.Query().Get("private")); v {
		opts = append(opts, cloudsqlconn.WithDefaultDialOptions(cloudsqlconn.WithPrivateIP()))
	}
	d, err := cloudsqlconn.NewDialer(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sql/sqlclient: creating cloudsql dialer: %w", err)
	}
	ur := parser{}.ParseURL(u)
	conn, err := pq.NewConnector(ur.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql/sqlclient: cloudsql dsn: %w", err)
	}
	conn.Dialer(dialer{Dialer: d, instance: instance})
	db := sql.OpenDB(conn)
	drv, err := postgres.Open(db)
	if err != nil {
		if cerr := db.Close(); cerr != nil {
			err = fmt.Errorf("%w: %v", err, cerr)
		}
		return nil, err
	}
	return &sqlclient.Client{
		Name:   "postgres",
		DB:     db,
		URL:    ur,
		Driver: drv,
	}, nil
}

// dialer routes every connection of the database handle to the
// configured Cloud SQL instance. The network and address of the DSN
// are ignored.
type dialer struct {
	*cloudsqlconn.Dialer
	instance string
}

func (d dialer) Dial(_, _ string) (net.Conn, error) {
	return d.Dialer.Dial(context.Background(), d.instance)
}

func (d dialer) DialTimeout(_, _ string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Dialer.Dial(ctx, d.instance)
}

func (d dialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	return d.Dialer.Dial(ctx, d.instance)
}
