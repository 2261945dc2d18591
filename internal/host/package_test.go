// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package host_test

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/config"
	"github.com/warden-dev/warden/internal/host"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

const validManifest = `id: com.example.scanner
name: Port Scanner
version: 1.2.0
category: network
min_api_level: 1
entry_point: module.wasm
permissions:
  - NETWORK
  - STORAGE
`

func pluginsConfig() config.PluginsConfig {
	return config.PluginsConfig{
		Dir:               "plugins",
		MaxPackageBytes:   1024 * 1024,
		AllowedExtensions: []string{".zip", ".wpkg"},
	}
}

// writePackage builds a zip archive at dir/name from the given entries.
func writePackage(t *testing.T, dir, name string, entries map[string][]byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for entry, data := range entries {
		ew, err := w.Create(entry)
		require.NoError(t, err)
		_, err = ew.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func digestOf(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestOpenPackage_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, "scanner.zip", map[string][]byte{
		"plugin.yaml": []byte(validManifest),
		"module.wasm": []byte("\x00asm"),
		"assets/logo": []byte("png"),
	})

	pkg, err := host.OpenPackage(path, pluginsConfig(), filepath.Join(dir, "extracted"), "")
	require.NoError(t, err)

	assert.Equal(t, "com.example.scanner", pkg.Descriptor.ID)
	assert.Equal(t, digestOf(t, path), pkg.Hash)
	assert.FileExists(t, filepath.Join(pkg.Dir, "module.wasm"))
	assert.FileExists(t, filepath.Join(pkg.Dir, "assets", "logo"))
}

func TestOpenPackage_DigestEnforced(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, "scanner.zip", map[string][]byte{
		"plugin.yaml": []byte(validManifest),
		"module.wasm": []byte("\x00asm"),
	})

	_, err := host.OpenPackage(path, pluginsConfig(), filepath.Join(dir, "extracted"), digestOf(t, path))
	require.NoError(t, err)

	_, err = host.OpenPackage(path, pluginsConfig(), filepath.Join(dir, "extracted2"), "deadbeef")
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePluginPackageIntegrity, wardenerr.CodeOf(err))
}

func TestOpenPackage_RejectsBadExtension(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, "scanner.tar", map[string][]byte{
		"plugin.yaml": []byte(validManifest),
	})

	_, err := host.OpenPackage(path, pluginsConfig(), filepath.Join(dir, "extracted"), "")
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePluginPackageBadExtension, wardenerr.CodeOf(err))
}

func TestOpenPackage_RejectsOversized(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, "scanner.zip", map[string][]byte{
		"plugin.yaml": []byte(validManifest),
		"module.wasm": make([]byte, 4096),
	})

	cfg := pluginsConfig()
	cfg.MaxPackageBytes = 128
	_, err := host.OpenPackage(path, cfg, filepath.Join(dir, "extracted"), "")
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePluginPackageTooLarge, wardenerr.CodeOf(err))
}

func TestOpenPackage_MissingManifest(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, "scanner.zip", map[string][]byte{
		"module.wasm": []byte("\x00asm"),
	})

	_, err := host.OpenPackage(path, pluginsConfig(), filepath.Join(dir, "extracted"), "")
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePluginManifestInvalid, wardenerr.CodeOf(err))
}

func TestOpenPackage_MissingEntryPoint(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, "scanner.zip", map[string][]byte{
		"plugin.yaml": []byte(validManifest),
	})

	_, err := host.OpenPackage(path, pluginsConfig(), filepath.Join(dir, "extracted"), "")
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodePluginManifestInvalid, wardenerr.CodeOf(err))
}

func TestOpenPackage_RejectsEscapingEntry(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, "scanner.zip", map[string][]byte{
		"plugin.yaml":    []byte(validManifest),
		"module.wasm":    []byte("\x00asm"),
		"../escaped.txt": []byte("outside"),
	})

	_, err := host.OpenPackage(path, pluginsConfig(), filepath.Join(dir, "extracted"), "")
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escaped.txt"))
}
