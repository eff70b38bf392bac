// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package migrate

import (
	"strings"

	"github.com/stratadb/strata/sql/schema"
)

// Resolve computes a safe execution order for the changes of one
// batch. Changes may reference objects created later in the file;
// the resolver reorders them so that providers run before consumers,
// extensions run before table creation, and removals run after the
// changes that still use the removed object. Ties are broken by
// source position, keeping the order deterministic.
//
// A CyclicDependencyError is returned if no such order exists.
func Resolve(changes []schema.Change) ([]schema.Change, error) {
	var (
		n     = len(changes)
		adj   = make([]map[int]bool, n)
		indeg = make([]int, n)
	)
	addEdge := func(u, v int) {
		if u == v || adj[u][v] {
			return
		}
		if adj[u] == nil {
			adj[u] = make(map[int]bool)
		}
		adj[u][v] = true
		indeg[v]++
	}
	for i, c := range changes {
		// Provider before consumer. A dependency without an
		// in-batch provider is assumed to exist in the database
		// already; the validator reports it otherwise.
		for _, r := range schema.DependsOn(c) {
			if j, ok := provider(changes, r, i); ok {
				addEdge(j, i)
			}
		}
		// Extensions may provide types and operators and
		// therefore precede all table creation.
		if _, ok := c.(*schema.CreateExtension); ok {
			for j, o := range changes {
				if _, ok := o.(*schema.AddTable); ok {
					addEdge(i, j)
				}
			}
		}
		// A removal runs after every earlier change that uses or
		// provides the removed object, and before a later change
		// that provides it again.
		for _, r := range schema.Destroys(c) {
			for j, o := range changes {
				switch {
				case j == i:
				case j < i && (uses(o, r) || provides(o, r)):
					addEdge(j, i)
				case j > i && provides(o, r):
					addEdge(i, j)
				}
			}
		}
	}
	// Kahn's algorithm. Among the ready changes the smallest source
	// position runs first.
	var (
		ordered = make([]schema.Change, 0, n)
		done    = make([]bool, n)
	)
	for len(ordered) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, &CyclicDependencyError{Cycle: describeCycle(changes, adj, done)}
		}
		done[next] = true
		ordered = append(ordered, changes[next])
		for v := range adj[next] {
			indeg[v]--
		}
	}
	return ordered, nil
}

// provider returns the position of the change providing the given
// resource for a consumer at position i. The nearest provider before
// the consumer wins; a forward provider is used otherwise. Providers
// separated from the consumer by a removal of the resource belong to
// a different lifetime of the name and are skipped.
func provider(changes []schema.Change, r schema.Resource, i int) (int, bool) {
	for j := i - 1; j >= 0; j-- {
		if provides(changes[j], r) && !destroyedBetween(changes, r, j, i) {
			return j, true
		}
	}
	for j := i + 1; j < len(changes); j++ {
		if provides(changes[j], r) && !destroyedBetween(changes, r, i, j) {
			return j, true
		}
	}
	return 0, false
}

func provides(c schema.Change, r schema.Resource) bool {
	for _, p := range schema.Provides(c) {
		if p == r {
			return true
		}
	}
	return false
}

// uses reports whether the change depends on the resource or, for a
// table resource, on one of its columns.
func uses(c schema.Change, r schema.Resource) bool {
	for _, d := range schema.DependsOn(c) {
		if d == r {
			return true
		}
		if r.Kind == schema.KindTable && d.Kind == schema.KindColumn && strings.HasPrefix(d.Name, r.Name+".") {
			return true
		}
	}
	return false
}

// destroyedBetween reports whether the resource is removed by a change
// in the open position range (lo, hi). Removing a table removes its
// columns with it.
func destroyedBetween(changes []schema.Change, r schema.Resource, lo, hi int) bool {
	for k := lo + 1; k < hi; k++ {
		for _, d := range schema.Destroys(changes[k]) {
			if d == r {
				return true
			}
			if d.Kind == schema.KindTable && r.Kind == schema.KindColumn && strings.HasPrefix(r.Name, d.Name+".") {
				return true
			}
		}
	}
	return false
}

// describeCycle extracts one dependency cycle from the unresolved
// remainder of the graph and describes its changes in source order of
// traversal.
func describeCycle(changes []schema.Change, adj []map[int]bool, done []bool) []string {
	left := make(map[int]bool)
	for i := range changes {
		if !done[i] {
			left[i] = true
		}
	}
	// Nodes without a way forward inside the remainder cannot lie on
	// a cycle. Strip them until the walk below always has one.
	for changed := true; changed; {
		changed = false
		for u := range left {
			out := false
			for v := range adj[u] {
				if left[v] {
					out = true
					break
				}
			}
			if !out {
				delete(left, u)
				changed = true
			}
		}
	}
	start := -1
	for u := range left {
		if start == -1 || u < start {
			start = u
		}
	}
	if start == -1 {
		return nil
	}
	var (
		path []int
		pos  = make(map[int]int)
	)
	for u := start; ; {
		if p, ok := pos[u]; ok {
			path = path[p:]
			cycle := make([]string, len(path))
			for i, v := range path {
				cycle[i] = schema.Describe(changes[v])
			}
			return cycle
		}
		pos[u] = len(path)
		path = append(path, u)
		next := -1
		for v := range adj[u] {
			if left[v] && (next == -1 || v < next) {
				next = v
			}
		}
		u = next
	}
}

// CyclicDependencyError is returned by Resolve when the commands of a
// batch depend on each other in a cycle.
type CyclicDependencyError struct {
	Cycle []string // descriptions of the changes forming the cycle
}

func (e *CyclicDependencyError) Error() string {
	return "sql/migrate: cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}
