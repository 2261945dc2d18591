// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package deps_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/deps"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

func desc(id string, dependencies ...string) *plugin.Descriptor {
	return &plugin.Descriptor{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Category:     plugin.CategoryUtility,
		MinAPILevel:  1,
		EntryPoint:   "plugin.wasm",
		Dependencies: dependencies,
	}
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestResolve_Acyclic(t *testing.T) {
	order, err := deps.Resolve([]*plugin.Descriptor{
		desc("com.example.app", "com.example.lib", "com.example.net"),
		desc("com.example.net", "com.example.lib"),
		desc("com.example.lib"),
	})
	require.NoError(t, err)
	require.Len(t, order, 3)

	assert.Less(t, indexOf(order, "com.example.lib"), indexOf(order, "com.example.net"))
	assert.Less(t, indexOf(order, "com.example.net"), indexOf(order, "com.example.app"))
}

func TestResolve_EmptyAndIndependent(t *testing.T) {
	order, err := deps.Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, order)

	order, err = deps.Resolve([]*plugin.Descriptor{
		desc("com.example.b"),
		desc("com.example.a"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.a", "com.example.b"}, order)
}

func TestResolve_UnknownDependencyIgnored(t *testing.T) {
	// Load ordering tolerates absent dependencies; enable-time checks catch them.
	order, err := deps.Resolve([]*plugin.Descriptor{
		desc("com.example.app", "com.example.ghost"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.app"}, order)
}

func TestResolve_CycleReportsExactMembers(t *testing.T) {
	_, err := deps.Resolve([]*plugin.Descriptor{
		desc("com.example.a", "com.example.b"),
		desc("com.example.b", "com.example.c"),
		desc("com.example.c", "com.example.a"),
		// Downstream of the cycle but not a member.
		desc("com.example.leaf", "com.example.a"),
		// Entirely independent.
		desc("com.example.free"),
	})
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeDependencyCircular, wardenerr.CodeOf(err))
	assert.Equal(t, []string{"com.example.a", "com.example.b", "com.example.c"},
		deps.CycleMembers(err))
}

func TestResolve_SelfReferenceViaPair(t *testing.T) {
	_, err := deps.Resolve([]*plugin.Descriptor{
		desc("com.example.a", "com.example.b"),
		desc("com.example.b", "com.example.a"),
	})
	require.Error(t, err)
	assert.Equal(t, []string{"com.example.a", "com.example.b"}, deps.CycleMembers(err))
}

func TestCheckEnabled(t *testing.T) {
	d := desc("com.example.app", "com.example.lib", "com.example.net")

	enabled := map[string]bool{"com.example.lib": true}
	err := deps.CheckEnabled(d, func(id string) bool { return enabled[id] })
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeDependencyMissing, wardenerr.CodeOf(err))
	assert.Equal(t, []string{"com.example.net"}, deps.MissingMembers(err))

	enabled["com.example.net"] = true
	assert.NoError(t, deps.CheckEnabled(d, func(id string) bool { return enabled[id] }))
}

func TestCheckEnabled_NoDependencies(t *testing.T) {
	assert.NoError(t, deps.CheckEnabled(desc("com.example.solo"),
		func(string) bool { return false }))
}

func TestDependents(t *testing.T) {
	all := []*plugin.Descriptor{
		desc("com.example.app", "com.example.lib"),
		desc("com.example.tool", "com.example.lib"),
		desc("com.example.lib"),
	}

	assert.Equal(t, []string{"com.example.app", "com.example.tool"},
		deps.Dependents(all, "com.example.lib"))
	assert.Empty(t, deps.Dependents(all, "com.example.app"))
}

func TestCycleMembers_OtherError(t *testing.T) {
	assert.Nil(t, deps.CycleMembers(wardenerr.New(wardenerr.CodePluginNotFound, "x")))
	assert.Nil(t, deps.MissingMembers(nil))
}
