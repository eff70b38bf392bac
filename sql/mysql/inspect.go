// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package mysql

import (
	"context"
	"fmt"

	"github.com/stratadb/strata/sql/internal/sqlx"
)

const (
	// Queries to check existence of resources in the connected schema.
	tableExistsQuery      = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	columnExistsQuery     = "SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?"
	indexExistsQuery      = "SELECT COUNT(*) FROM information_schema.statistics WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?"
	constraintExistsQuery = "SELECT COUNT(*) FROM information_schema.table_constraints WHERE constraint_schema = DATABASE() AND table_name = ? AND constraint_name = ?"
)

// TableExists implements the schema.Inspector interface.
func (d *Driver) TableExists(ctx context.Context, name string) (bool, error) {
	n, err := d.count(ctx, tableExistsQuery, name)
	if err != nil {
		return false, fmt.Errorf("mysql: check table %q: %w", name, err)
	}
	return n > 0, nil
}

// ColumnExists implements the schema.Inspector interface.
func (d *Driver) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	n, err := d.count(ctx, columnExistsQuery, table, column)
	if err != nil {
		return false, fmt.Errorf("mysql: check column %q.%q: %w", table, column, err)
	}
	return n > 0, nil
}

// indexExists reports if the named index or key is defined
// on the given table.
func (d *Driver) indexExists(ctx context.Context, table, index string) (bool, error) {
	n, err := d.count(ctx, indexExistsQuery, table, index)
	if err != nil {
		return false, fmt.Errorf("mysql: check index %q on %q: %w", index, table, err)
	}
	return n > 0, nil
}

// constraintExists reports if the named constraint is defined
// on the given table.
func (d *Driver) constraintExists(ctx context.Context, table, name string) (bool, error) {
	n, err := d.count(ctx, constraintExistsQuery, table, name)
	if err != nil {
		return false, fmt.Errorf("mysql: check constraint %q on %q: %w", name, table, err)
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
