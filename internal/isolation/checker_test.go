// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package isolation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/isolation"
	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

func newChecker(t *testing.T) (*isolation.Checker, store.GrantStore, store.AuditStore) {
	t.Helper()
	grants := store.NewMemoryGrantStore()
	audit := store.NewMemoryAuditStore()
	return isolation.NewChecker(grants, audit), grants, audit
}

func grantPermission(t *testing.T, grants store.GrantStore, pluginID, perm string, granted bool) {
	t.Helper()
	require.NoError(t, grants.Put(context.Background(), &store.Grant{
		PluginID:   pluginID,
		Permission: perm,
		Granted:    granted,
		Dangerous:  plugin.Classify(perm) == plugin.ClassDangerous,
		DecidedAt:  time.Now(),
	}))
}

func TestChecker_NormalPermissionAllowedWithoutGrant(t *testing.T) {
	c, _, _ := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermStorage})

	assert.NoError(t, c.Check(context.Background(), "com.example.a", plugin.PermStorage))
}

func TestChecker_DangerousPermissionRequiresGrant(t *testing.T) {
	ctx := context.Background()
	c, grants, _ := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermCamera})

	err := c.Check(ctx, "com.example.a", plugin.PermCamera)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionRequired, wardenerr.CodeOf(err))

	grantPermission(t, grants, "com.example.a", plugin.PermCamera, true)
	assert.NoError(t, c.Check(ctx, "com.example.a", plugin.PermCamera))
}

func TestChecker_CheckDeclaredStopsAtDeclarationLayer(t *testing.T) {
	ctx := context.Background()
	c := isolation.NewChecker(nil, nil)
	c.RegisterPlugin("com.example.a", []string{plugin.PermCamera, plugin.PermStorage})

	// Declared dangerous permission passes without any grant store at all.
	assert.NoError(t, c.CheckDeclared(ctx, "com.example.a", plugin.PermCamera))
	assert.NoError(t, c.CheckDeclared(ctx, "com.example.a", plugin.PermStorage))

	// Everything up to the grant layer is still enforced.
	err := c.CheckDeclared(ctx, "com.example.a", plugin.PermNetwork)
	assert.Equal(t, wardenerr.CodePermissionDenied, wardenerr.CodeOf(err))
	err = c.CheckDeclared(ctx, "com.example.ghost", plugin.PermCamera)
	assert.Equal(t, wardenerr.CodePermissionDenied, wardenerr.CodeOf(err))
	err = c.CheckDeclared(ctx, "com.example.a", "MADE_UP")
	assert.Equal(t, wardenerr.CodePermissionUnknown, wardenerr.CodeOf(err))
}

func TestChecker_CheckDeclaredRejectsCritical(t *testing.T) {
	c := isolation.NewChecker(nil, nil)
	c.RegisterPlugin("com.example.a", []string{plugin.PermNativeExec})

	err := c.CheckDeclared(context.Background(), "com.example.a", plugin.PermNativeExec)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionForbidden, wardenerr.CodeOf(err))
}

func TestChecker_NilGrantStoreDeniesDangerous(t *testing.T) {
	c := isolation.NewChecker(nil, nil)
	c.RegisterPlugin("com.example.a", []string{plugin.PermCamera})

	err := c.Check(context.Background(), "com.example.a", plugin.PermCamera)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionDenied, wardenerr.CodeOf(err))
}

func TestChecker_RevokedGrantDenied(t *testing.T) {
	ctx := context.Background()
	c, grants, _ := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermNetwork})
	grantPermission(t, grants, "com.example.a", plugin.PermNetwork, false)

	err := c.Check(ctx, "com.example.a", plugin.PermNetwork)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionDenied, wardenerr.CodeOf(err))
	assert.True(t, wardenerr.IsDenied(err))
}

func TestChecker_CriticalNeverGrantable(t *testing.T) {
	ctx := context.Background()
	c, grants, _ := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermNativeExec})

	// Even a (bogus) affirmative grant row cannot unlock a critical permission.
	grantPermission(t, grants, "com.example.a", plugin.PermNativeExec, true)

	err := c.Check(ctx, "com.example.a", plugin.PermNativeExec)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionForbidden, wardenerr.CodeOf(err))
}

func TestChecker_UndeclaredDenied(t *testing.T) {
	c, _, _ := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermStorage})

	err := c.Check(context.Background(), "com.example.a", plugin.PermCamera)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionDenied, wardenerr.CodeOf(err))
}

func TestChecker_UnknownPermissionFailsClosed(t *testing.T) {
	c, _, _ := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermStorage})

	err := c.Check(context.Background(), "com.example.a", "TELEPATHY")
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionUnknown, wardenerr.CodeOf(err))
}

func TestChecker_UnregisteredPluginDenied(t *testing.T) {
	c, _, _ := newChecker(t)

	err := c.Check(context.Background(), "com.example.ghost", plugin.PermStorage)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePermissionDenied, wardenerr.CodeOf(err))
}

func TestChecker_UnregisterDropsDeclarations(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermStorage})
	require.NoError(t, c.Check(ctx, "com.example.a", plugin.PermStorage))

	c.UnregisterPlugin("com.example.a")
	assert.Error(t, c.Check(ctx, "com.example.a", plugin.PermStorage))
}

func TestChecker_AuditTrail(t *testing.T) {
	ctx := context.Background()
	c, grants, audit := newChecker(t)
	c.RegisterPlugin("com.example.a", []string{plugin.PermStorage, plugin.PermCamera})
	grantPermission(t, grants, "com.example.a", plugin.PermCamera, true)

	require.NoError(t, c.Check(ctx, "com.example.a", plugin.PermStorage))
	require.NoError(t, c.Check(ctx, "com.example.a", plugin.PermCamera))
	require.Error(t, c.Check(ctx, "com.example.a", plugin.PermNetwork))

	entries, err := audit.Query(ctx, store.AuditFilter{PluginID: "com.example.a", Action: "permission_check"})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	denied, err := audit.Query(ctx, store.AuditFilter{Result: "denied"})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Contains(t, denied[0].Detail, plugin.PermNetwork)
}

func TestChecker_MissingGrants(t *testing.T) {
	ctx := context.Background()
	c, grants, _ := newChecker(t)
	declared := []string{plugin.PermStorage, plugin.PermCamera, plugin.PermNetwork, plugin.PermBluetooth}

	grantPermission(t, grants, "com.example.a", plugin.PermCamera, true)
	grantPermission(t, grants, "com.example.a", plugin.PermNetwork, false)

	missing, err := c.MissingGrants(ctx, "com.example.a", declared)
	require.NoError(t, err)
	// Normal permissions never appear; denied and undecided dangerous ones do.
	assert.ElementsMatch(t, []string{plugin.PermNetwork, plugin.PermBluetooth}, missing)
}

func TestChecker_NilAuditStillEnforces(t *testing.T) {
	c := isolation.NewChecker(store.NewMemoryGrantStore(), nil)
	c.RegisterPlugin("com.example.a", []string{plugin.PermStorage})

	assert.NoError(t, c.Check(context.Background(), "com.example.a", plugin.PermStorage))
	assert.Error(t, c.Check(context.Background(), "com.example.a", plugin.PermCamera))
}
