// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package sqlite

import (
	"context"
	"fmt"

	"github.com/stratadb/strata/sql/internal/sqlx"
)

const (
	// Queries to check existence of resources in the connected database.
	tableExistsQuery  = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	columnExistsQuery = "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
)

// TableExists implements the schema.Inspector interface.
func (d *Driver) TableExists(ctx context.Context, name string) (bool, error) {
	n, err := d.count(ctx, tableExistsQuery, name)
	if err != nil {
		return false, fmt.Errorf("sqlite: check table %q: %w", name, err)
	}
	return n > 0, nil
}

// ColumnExists implements the schema.Inspector interface.
func (d *Driver) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	n, err := d.count(ctx, columnExistsQuery, table, column)
	if err != nil {
		return false, fmt.Errorf("sqlite: check column %q.%q: %w", table, column, err)
	}
	return n > 0, nil
}

func (d *Driver) count(ctx context.Context, query string, args ...any) (int, error) {
	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	var n int
	if err := sqlx.ScanOne(rows, &n); err != nil {
		return 0, err
	}
	return n, nil
}
