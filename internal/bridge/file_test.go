// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package bridge_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/bridge"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

func TestFileBridge_ReadWriteDeleteList(t *testing.T) {
	b := bridge.NewFileBridge(t.TempDir(), 1024)

	require.NoError(t, b.Write("com.example.a", "notes/a.txt", []byte("hello")))
	require.NoError(t, b.Write("com.example.a", "b.txt", []byte("world")))

	data, err := b.Read("com.example.a", "notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	names, err := b.List("com.example.a", ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "notes/a.txt"}, names)

	require.NoError(t, b.Delete("com.example.a", "b.txt"))
	_, err = b.Read("com.example.a", "b.txt")
	require.Error(t, err)
	assert.True(t, wardenerr.IsNotFound(err))

	// Deleting an absent file is a no-op.
	assert.NoError(t, b.Delete("com.example.a", "b.txt"))
}

func TestFileBridge_PluginsAreIsolated(t *testing.T) {
	b := bridge.NewFileBridge(t.TempDir(), 1024)

	require.NoError(t, b.Write("com.example.a", "secret.txt", []byte("a's data")))

	_, err := b.Read("com.example.b", "secret.txt")
	require.Error(t, err)
	assert.True(t, wardenerr.IsNotFound(err))
}

func TestFileBridge_TraversalRejected(t *testing.T) {
	b := bridge.NewFileBridge(t.TempDir(), 1024)

	tests := []string{
		"../other/secret.txt",
		"notes/../../escape.txt",
		"/etc/passwd",
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			err := b.Write("com.example.a", path, []byte("x"))
			require.Error(t, err)
			assert.Equal(t, wardenerr.CodeBridgePathInvalid, wardenerr.CodeOf(err))
		})
	}

	// Interior dot segments that stay inside the plugin directory are fine.
	assert.NoError(t, b.Write("com.example.a", "notes/../kept.txt", []byte("x")))
}

func TestFileBridge_QuotaEnforced(t *testing.T) {
	b := bridge.NewFileBridge(t.TempDir(), 100)

	require.NoError(t, b.Write("com.example.a", "a.bin", bytes.Repeat([]byte("x"), 60)))

	err := b.Write("com.example.a", "b.bin", bytes.Repeat([]byte("x"), 50))
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeBridgeQuotaExceeded, wardenerr.CodeOf(err))

	// Overwriting the existing file re-credits its current size.
	assert.NoError(t, b.Write("com.example.a", "a.bin", bytes.Repeat([]byte("x"), 100)))

	// Quotas are per plugin.
	assert.NoError(t, b.Write("com.example.b", "b.bin", bytes.Repeat([]byte("x"), 50)))

	used, err := b.Usage("com.example.a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)
}

func TestFileBridge_Purge(t *testing.T) {
	b := bridge.NewFileBridge(t.TempDir(), 1024)

	require.NoError(t, b.Write("com.example.a", "a.txt", []byte("data")))
	require.NoError(t, b.Purge("com.example.a"))

	used, err := b.Usage("com.example.a")
	require.NoError(t, err)
	assert.Zero(t, used)

	names, err := b.List("com.example.a", ".")
	require.NoError(t, err)
	assert.Empty(t, names)
}
