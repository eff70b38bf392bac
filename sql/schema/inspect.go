// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// A NotExistError wraps another error to retain its original text
// but makes it possible to the migrator to catch it.
type NotExistError struct {
	Err error
}

func (e *NotExistError) Error() string { return e.Err.Error() }

// IsNotExistError reports an error is a NotExistError.
func IsNotExistError(err error) bool {
	if err == nil {
		return false
	}
	var e *NotExistError
	return errors.As(err, &e)
}

// ExecQuerier wraps the two standard sql.DB methods used by the
// migration engine. It allows the engine to run statements through
// either a database handle or an open transaction.
type ExecQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Inspector is the interface implemented by the dialect drivers for
// the read-only introspection the engine relies on for idempotency
// decisions.
type Inspector interface {
	// TableExists reports whether a table with the given
	// name exists in the connected database schema.
	TableExists(ctx context.Context, name string) (bool, error)

	// ColumnExists reports whether the given table has
	// a column with the given name.
	ColumnExists(ctx context.Context, table, column string) (bool, error)
}

// Locker is an interface that is optionally implemented by the dialect
// drivers for obtaining a database lock for the duration of a batch.
type Locker interface {
	// Lock acquires a named lock, using the given timeout. Negative value means
	// no timeout, and the zero value means a "try lock" mode. i.e. return
	// immediately if the lock is already taken. The returned unlock
	// function is used to release the lock.
	Lock(ctx context.Context, name string, timeout time.Duration) (UnlockFunc, error)
}

// UnlockFunc is returned by the Locker to explicitly
// release the named lock.
type UnlockFunc func() error

// ErrLocked is returned on Lock calls which have failed to obtain the lock.
var ErrLocked = errors.New("sql/schema: lock is held by other session")

// UnsupportedChangeError is returned by a dialect driver for a change
// the connected database cannot express, e.g. adding a foreign key to
// an existing SQLite table.
type UnsupportedChangeError struct {
	Change string // description of the change
	Reason string
}

func (e *UnsupportedChangeError) Error() string {
	return "unsupported change " + e.Change + ": " + e.Reason
}

// HistorySyncError is returned by a dialect driver when a change to a
// tracked table cannot be mirrored to its history table.
type HistorySyncError struct {
	Table  string
	Column string
	Reason string
}

func (e *HistorySyncError) Error() string {
	return "history table of " + strconv.Quote(e.Table) + " cannot follow change: " + e.Reason
}
