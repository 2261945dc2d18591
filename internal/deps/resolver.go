// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package deps computes load/enable order for the declared dependency graph
// of all known plugins and detects cycles. The graph is rebuilt from the
// descriptors on every call; nothing is persisted.
package deps

import (
	"sort"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// Resolve performs a topological sort (Kahn's algorithm) over the declared
// dependencies of descriptors, returning a valid load order: a plugin always
// appears after everything it depends on. Dependencies on plugins not present
// in descriptors are ignored here; enable-time checks surface those.
//
// If a cycle exists, the returned error is CodeDependencyCircular and carries
// exactly the cycle members in its involved_plugins field.
func Resolve(descriptors []*plugin.Descriptor) ([]string, error) {
	present := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		present[d.ID] = true
	}

	// dependents[x] = plugins that declare a dependency on x.
	dependents := make(map[string][]string, len(descriptors))
	indegree := make(map[string]int, len(descriptors))
	for _, d := range descriptors {
		if _, ok := indegree[d.ID]; !ok {
			indegree[d.ID] = 0
		}
		for _, dep := range d.Dependencies {
			if !present[dep] {
				continue
			}
			dependents[dep] = append(dependents[dep], d.ID)
			indegree[d.ID]++
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Deterministic order for equal-rank nodes.
	sort.Strings(queue)

	order := make([]string, 0, len(indegree))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(indegree) {
		// Every unvisited node is part of (or downstream of) a cycle. Strip
		// the downstream nodes so the error names exactly the cycle members.
		remaining := make(map[string]bool)
		for id := range indegree {
			if indegree[id] > 0 {
				remaining[id] = true
			}
		}
		cycle := trimToCycle(descriptors, remaining)

		return nil, wardenerr.New(wardenerr.CodeDependencyCircular, "circular dependency detected",
			wardenerr.Field("involved_plugins", cycle))
	}

	return order, nil
}

// trimToCycle iteratively removes nodes whose in-graph dependencies are all
// outside the remaining set, leaving only true cycle members.
func trimToCycle(descriptors []*plugin.Descriptor, remaining map[string]bool) []string {
	depsOf := make(map[string][]string, len(descriptors))
	for _, d := range descriptors {
		depsOf[d.ID] = d.Dependencies
	}

	for changed := true; changed; {
		changed = false
		for id := range remaining {
			hasRemainingDep := false
			for _, dep := range depsOf[id] {
				if remaining[dep] {
					hasRemainingDep = true
					break
				}
			}
			if !hasRemainingDep {
				delete(remaining, id)
				changed = true
			}
		}
	}

	cycle := make([]string, 0, len(remaining))
	for id := range remaining {
		cycle = append(cycle, id)
	}
	sort.Strings(cycle)
	return cycle
}

// CycleMembers extracts the involved_plugins field from a circular-dependency
// error. Returns nil for any other error.
func CycleMembers(err error) []string {
	if !wardenerr.HasCode(err, wardenerr.CodeDependencyCircular) {
		return nil
	}
	members, _ := wardenerr.FieldsOf(err)["involved_plugins"].([]string)
	return members
}

// CheckEnabled verifies that every direct dependency of descriptor is present
// in enabled. Transitive dependencies are covered by induction: a dependency
// cannot be enabled without its own dependencies being enabled first.
//
// On failure the error is CodeDependencyMissing and carries exactly the
// missing direct dependency IDs in its missing_plugins field.
func CheckEnabled(descriptor *plugin.Descriptor, enabled func(id string) bool) error {
	var missing []string
	for _, dep := range descriptor.Dependencies {
		if !enabled(dep) {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return wardenerr.New(wardenerr.CodeDependencyMissing, "dependencies not enabled",
			wardenerr.FieldPlugin(descriptor.ID),
			wardenerr.Field("missing_plugins", missing))
	}

	return nil
}

// MissingMembers extracts the missing_plugins field from a missing-dependency
// error. Returns nil for any other error.
func MissingMembers(err error) []string {
	if !wardenerr.HasCode(err, wardenerr.CodeDependencyMissing) {
		return nil
	}
	missing, _ := wardenerr.FieldsOf(err)["missing_plugins"].([]string)
	return missing
}

// Dependents returns the IDs of descriptors that directly depend on id.
// The supervisor uses this to report now-inconsistent dependents when a
// dependency is disabled (no forced cascade).
func Dependents(descriptors []*plugin.Descriptor, id string) []string {
	var out []string
	for _, d := range descriptors {
		for _, dep := range d.Dependencies {
			if dep == id {
				out = append(out, d.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
