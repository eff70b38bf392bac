// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package sqlclient bridges database URLs and dialect drivers. Dialect
// packages register themselves on import, applications open clients by
// URL without knowing which dialect serves them.
package sqlclient

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/stratadb/strata/sql/migrate"
	"github.com/stratadb/strata/sql/schema"
)

type (
	// Client provides the common functionalities for working with the
	// migration engine from different applications. Note, the Client
	// is dialect specific and should be instantiated using a call to
	// Open.
	Client struct {
		// Name of the dialect the client was opened with,
		// e.g. "postgres" for its "postgresql" flavour.
		Name string

		// DB used for creating the client.
		DB *sql.DB

		// URL the client was opened with.
		URL *URL

		// A migration driver for the attached dialect.
		migrate.Driver
	}

	// URL extends the standard url.URL with the DSN the underlying
	// database driver was opened with.
	URL struct {
		*url.URL
		DSN string
	}
)

// Close closes the underlying database connection and the migration
// driver in case it implements the io.Closer interface.
func (c *Client) Close() (err error) {
	if c, ok := c.Driver.(io.Closer); ok {
		err = c.Close()
	}
	if cerr := c.DB.Close(); cerr != nil {
		if err != nil {
			cerr = fmt.Errorf("%w: %v", err, cerr)
		}
		err = cerr
	}
	return err
}

type (
	// Opener opens a migration driver by the given URL.
	Opener interface {
		Open(ctx context.Context, u *url.URL) (*Client, error)
	}

	// OpenerFunc allows using a function as an Opener.
	OpenerFunc func(context.Context, *url.URL) (*Client, error)

	// URLParser converts a url into the URL the underlying database
	// driver connects with.
	URLParser interface {
		ParseURL(*url.URL) *URL
	}

	// URLParserFunc allows using a function as a URLParser.
	URLParserFunc func(*url.URL) *URL

	driver struct {
		Opener
		name   string
		parser URLParser
	}
)

// Open calls f(ctx, u).
func (f OpenerFunc) Open(ctx context.Context, u *url.URL) (*Client, error) {
	return f(ctx, u)
}

// ParseURL calls f(u).
func (f URLParserFunc) ParseURL(u *url.URL) *URL {
	return f(u)
}

var drivers sync.Map

// Open opens a client by its provided url string. The scheme selects
// the registered dialect.
func Open(ctx context.Context, s string) (*Client, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("sql/sqlclient: parse open url: %w", err)
	}
	v, ok := drivers.Load(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("sql/sqlclient: no opener was registered with name %q", u.Scheme)
	}
	return v.(*driver).Open(ctx, u)
}

// ParseURL parses the url string with the parser registered for its
// scheme.
func ParseURL(s string) (*URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("sql/sqlclient: parse url: %w", err)
	}
	v, ok := drivers.Load(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("sql/sqlclient: no opener was registered with name %q", u.Scheme)
	}
	return v.(*driver).parser.ParseURL(u), nil
}

type (
	registerOptions struct {
		flavours []string
		parser   URLParser
	}
	// RegisterOption allows configuring the Opener
	// registration using functional options.
	RegisterOption func(*registerOptions)
)

// RegisterFlavours allows registering additional flavours
// (i.e. scheme aliases) accepted to open clients.
func RegisterFlavours(flavours ...string) RegisterOption {
	return func(opts *registerOptions) {
		opts.flavours = flavours
	}
}

// RegisterURLParser registers the parser converting a url to the DSN
// the underlying database driver is opened with.
func RegisterURLParser(p URLParser) RegisterOption {
	return func(opts *registerOptions) {
		opts.parser = p
	}
}

// DriverOpener is a helper Opener creator shared by the dialect
// drivers. It opens a database handle with the DSN of the registered
// parser and hands it to the driver constructor.
func DriverOpener(open func(schema.ExecQuerier) (migrate.Driver, error)) Opener {
	return OpenerFunc(func(ctx context.Context, u *url.URL) (*Client, error) {
		v, ok := drivers.Load(u.Scheme)
		if !ok {
			return nil, fmt.Errorf("sql/sqlclient: unexpected missing opener %q", u.Scheme)
		}
		d := v.(*driver)
		ur := d.parser.ParseURL(u)
		db, err := sql.Open(d.name, ur.DSN)
		if err != nil {
			return nil, err
		}
		drv, err := open(db)
		if err != nil {
			if cerr := db.Close(); cerr != nil {
				err = fmt.Errorf("%w: %v", err, cerr)
			}
			return nil, err
		}
		return &Client{
			Name:   d.name,
			DB:     db,
			URL:    ur,
			Driver: drv,
		}, nil
	})
}

// Register registers a client Opener (i.e. creator) with the given name.
func Register(name string, opener Opener, opts ...RegisterOption) {
	if opener == nil {
		panic("sql/sqlclient: Register opener is nil")
	}
	opt := &registerOptions{
		// A dialect without a registered parser connects with the
		// url as-is.
		parser: URLParserFunc(func(u *url.URL) *URL {
			return &URL{URL: u, DSN: u.String()}
		}),
	}
	for i := range opts {
		opts[i](opt)
	}
	for _, f := range append(opt.flavours, name) {
		if _, ok := drivers.Load(f); ok {
			panic("sql/sqlclient: Register called twice for " + f)
		}
		drivers.Store(f, &driver{
			Opener: opener,
			name:   name,
			parser: opt.parser,
		})
	}
}
