// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package mysqlversion provides information about MySQL and MariaDB
// versions.
package mysqlversion

import (
	"strings"

	"golang.org/x/mod/semver"
)

// V is a server version string as reported by SELECT VERSION().
type V string

// Maria reports if the version belongs to a MariaDB server.
func (v V) Maria() bool {
	return strings.Index(string(v), "MariaDB") > 0
}

// Compare returns an integer comparing the version to w according to
// semantic version precedence.
func (v V) Compare(w string) int {
	u := string(v)
	switch idx := strings.Index(u, "-"); {
	case v.Maria():
		u = u[:strings.Index(u, "MariaDB")-1]
	case idx > 0:
		// Remove server build information, if any.
		u = u[:idx]
	}
	return semver.Compare("v"+u, "v"+w)
}

// GTE reports if the version is >= w.
func (v V) GTE(w string) bool { return v.Compare(w) >= 0 }

// LT reports if the version is < w.
func (v V) LT(w string) bool { return v.Compare(w) == -1 }
