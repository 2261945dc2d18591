// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package bridge implements the host-side capability bridges: the single
// entry point every sandboxed call lands on, plus the file, HTTP, storage
// and UI backends behind it. Caller identity is verified here again, on the
// host side of the process boundary.
package bridge

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// FileBridge gives each plugin a private directory under root with a byte
// quota. Paths are plugin-relative; anything escaping the plugin directory
// is rejected before touching the filesystem.
type FileBridge struct {
	root  string
	quota int64
}

// NewFileBridge creates a bridge rooted at root with a per-plugin quota.
func NewFileBridge(root string, quota int64) *FileBridge {
	return &FileBridge{root: root, quota: quota}
}

func (b *FileBridge) Read(pluginID, rel string) ([]byte, error) {
	path, err := b.resolve(pluginID, rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wardenerr.New(wardenerr.CodeStoreNotFound, "file not found",
				wardenerr.FieldPlugin(pluginID), wardenerr.Field("path", rel))
		}
		return nil, wardenerr.Wrapf(err, wardenerr.CodeBridgeIOFailure, "reading %s", rel)
	}
	return data, nil
}

// Write stores data, enforcing the quota against the plugin's current usage
// minus whatever the target file already occupies.
func (b *FileBridge) Write(pluginID, rel string, data []byte) error {
	path, err := b.resolve(pluginID, rel)
	if err != nil {
		return err
	}

	used, err := b.usage(pluginID)
	if err != nil {
		return err
	}
	if existing, statErr := os.Stat(path); statErr == nil {
		used -= existing.Size()
	}
	if used+int64(len(data)) > b.quota {
		return wardenerr.New(wardenerr.CodeBridgeQuotaExceeded,
			"file quota exceeded",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("used_bytes", used),
			wardenerr.Field("write_bytes", len(data)),
			wardenerr.Field("quota_bytes", b.quota))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeBridgeIOFailure, "creating directory for %s", rel)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeBridgeIOFailure, "writing %s", rel)
	}
	return nil
}

func (b *FileBridge) Delete(pluginID, rel string) error {
	path, err := b.resolve(pluginID, rel)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wardenerr.Wrapf(err, wardenerr.CodeBridgeIOFailure, "deleting %s", rel)
	}
	return nil
}

// List returns the plugin-relative paths of every file under rel, sorted.
func (b *FileBridge) List(pluginID, rel string) ([]string, error) {
	path, err := b.resolve(pluginID, rel)
	if err != nil {
		return nil, err
	}

	base := b.pluginDir(pluginID)
	var names []string
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		relPath, relErr := filepath.Rel(base, p)
		if relErr != nil {
			return relErr
		}
		names = append(names, filepath.ToSlash(relPath))
		return nil
	})
	if walkErr != nil {
		return nil, wardenerr.Wrapf(walkErr, wardenerr.CodeBridgeIOFailure, "listing %s", rel)
	}

	sort.Strings(names)
	return names, nil
}

// Usage reports the plugin's current byte consumption.
func (b *FileBridge) Usage(pluginID string) (int64, error) {
	return b.usage(pluginID)
}

// Purge removes the plugin's entire directory. Called on unload.
func (b *FileBridge) Purge(pluginID string) error {
	if err := os.RemoveAll(b.pluginDir(pluginID)); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeBridgeIOFailure, "purging files for %s", pluginID)
	}
	return nil
}

func (b *FileBridge) pluginDir(pluginID string) string {
	return filepath.Join(b.root, pluginID)
}

// resolve maps a plugin-relative path into the plugin directory, rejecting
// absolute paths and traversal.
func (b *FileBridge) resolve(pluginID, rel string) (string, error) {
	if pluginID == "" {
		return "", wardenerr.New(wardenerr.CodeSecurityInvalidInput, "file op requires plugin id")
	}
	if filepath.IsAbs(rel) {
		return "", wardenerr.New(wardenerr.CodeBridgePathInvalid, "absolute path rejected",
			wardenerr.FieldPlugin(pluginID), wardenerr.Field("path", rel))
	}

	dir := b.pluginDir(pluginID)
	path := filepath.Join(dir, filepath.Clean(rel))
	if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", wardenerr.New(wardenerr.CodeBridgePathInvalid, "path escapes plugin directory",
			wardenerr.FieldPlugin(pluginID), wardenerr.Field("path", rel))
	}
	return path, nil
}

func (b *FileBridge) usage(pluginID string) (int64, error) {
	var total int64
	err := filepath.WalkDir(b.pluginDir(pluginID), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, wardenerr.Wrapf(err, wardenerr.CodeBridgeIOFailure, "computing usage for %s", pluginID)
	}
	return total, nil
}
