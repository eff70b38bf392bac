// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package sqltest provides helpers for writing driver tests
// on top of sqlmock.
package sqltest

import (
	"bufio"
	"database/sql/driver"
	"regexp"
	"strings"

	"github.com/DATA-DOG/go-sqlmock"
)

// Rows converts psql/mysql-style table output to sqlmock rows.
// Values are kept as text, except empty cells and the NULL and
// nil keywords, which scan as nil. For example:
//
//	 table_name | column_name
//	------------+-------------
//	 users      | id
//	 users      | email
func Rows(table string) *sqlmock.Rows {
	var (
		rows *sqlmock.Rows
		nc   int
		sc   = bufio.NewScanner(strings.NewReader(table))
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// Skip empty lines and border/separator lines.
		if line == "" || strings.IndexAny(line, "+-") == 0 {
			continue
		}
		cells := strings.FieldsFunc(line, func(r rune) bool { return r == '|' })
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		if rows == nil {
			nc = len(cells)
			rows = sqlmock.NewRows(cells)
			continue
		}
		values := make([]driver.Value, nc)
		for i := 0; i < nc && i < len(cells); i++ {
			switch c := cells[i]; c {
			case "", "nil", "NULL":
			default:
				values[i] = c
			}
		}
		rows.AddRow(values...)
	}
	return rows
}

// Escape escapes all regular expression metacharacters in the
// given query and anchors it at the end.
func Escape(query string) string {
	lines := strings.Split(query, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	query = strings.Join(lines, " ")
	return strings.TrimSpace(regexp.QuoteMeta(query)) + "$"
}
