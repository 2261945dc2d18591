// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/store/sqlite"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func newGrantStore(t *testing.T) *sqlite.GrantStore {
	t.Helper()
	s, err := sqlite.NewGrantStore(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGrantStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newGrantStore(t)

	decided := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.Put(ctx, &store.Grant{
		PluginID:   "com.example.a",
		Permission: "CAMERA",
		Granted:    true,
		Dangerous:  true,
		DecidedAt:  decided,
	}))

	g, err := s.Get(ctx, "com.example.a", "CAMERA")
	require.NoError(t, err)
	assert.True(t, g.Granted)
	assert.True(t, g.Dangerous)
	assert.Equal(t, decided.UnixMilli(), g.DecidedAt.UnixMilli())
}

func TestGrantStore_GetMissing(t *testing.T) {
	s := newGrantStore(t)
	_, err := s.Get(context.Background(), "com.example.a", "CAMERA")
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeStoreNotFound, wardenerr.CodeOf(err))
}

func TestGrantStore_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newGrantStore(t)

	require.NoError(t, s.Put(ctx, &store.Grant{
		PluginID: "com.example.a", Permission: "CAMERA", Granted: true, Dangerous: true, DecidedAt: time.Now()}))
	require.NoError(t, s.Put(ctx, &store.Grant{
		PluginID: "com.example.a", Permission: "CAMERA", Granted: false, Dangerous: true, DecidedAt: time.Now()}))

	g, err := s.Get(ctx, "com.example.a", "CAMERA")
	require.NoError(t, err)
	assert.False(t, g.Granted)
}

func TestGrantStore_GrantedAndRevokeAll(t *testing.T) {
	ctx := context.Background()
	s := newGrantStore(t)

	for _, perm := range []string{"CAMERA", "NETWORK"} {
		require.NoError(t, s.Put(ctx, &store.Grant{
			PluginID: "com.example.a", Permission: perm, Granted: true, Dangerous: true, DecidedAt: time.Now()}))
	}
	require.NoError(t, s.Put(ctx, &store.Grant{
		PluginID: "com.example.a", Permission: "BLUETOOTH", Granted: false, Dangerous: true, DecidedAt: time.Now()}))

	names, err := s.Granted(ctx, "com.example.a")
	require.NoError(t, err)
	assert.Equal(t, []string{"CAMERA", "NETWORK"}, names)

	require.NoError(t, s.RevokeAll(ctx, "com.example.a"))
	names, err = s.Granted(ctx, "com.example.a")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestAuditStore_AppendQueryCount(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.NewAuditStore(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	for i, result := range []string{"denied", "allowed", "denied"} {
		require.NoError(t, s.Append(ctx, &store.AuditEntry{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			PluginID:  "com.example.a",
			Action:    "permission_check",
			Detail:    "CAMERA",
			Result:    result,
		}))
	}

	entries, err := s.Query(ctx, store.AuditFilter{PluginID: "com.example.a", Result: "denied"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "c", entries[0].ID)

	count, err := s.CountViolations(ctx, "com.example.a", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOpen_SqliteBackend(t *testing.T) {
	grants, audit, err := store.Open("sqlite", filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	require.NotNil(t, grants)
	require.NotNil(t, audit)

	ctx := context.Background()
	require.NoError(t, grants.Put(ctx, &store.Grant{
		PluginID: "com.example.a", Permission: "CAMERA", Granted: true, DecidedAt: time.Now()}))
	require.NoError(t, audit.Append(ctx, &store.AuditEntry{
		ID: "x", Timestamp: time.Now(), PluginID: "com.example.a", Action: "permission_check", Result: "allowed"}))

	require.NoError(t, audit.Close())
	require.NoError(t, grants.Close())
}
