// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package host

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/warden-dev/warden/internal/config"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// manifestName is the descriptor file every plugin package must carry at its
// root.
const manifestName = "plugin.yaml"

// Package is a validated, extracted plugin package.
type Package struct {
	Descriptor plugin.Descriptor
	Path       string
	Hash       string
	Dir        string
}

// OpenPackage validates the archive at path and extracts it under destRoot.
// Validation order: extension, size, digest, manifest, entries. The first
// failure wins; nothing is extracted until the manifest parses.
func OpenPackage(path string, cfg config.PluginsConfig, destRoot, expectedHash string) (*Package, error) {
	if err := checkExtension(path, cfg.AllowedExtensions); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "reading package %s", path)
	}
	if info.Size() > cfg.MaxPackageBytes {
		return nil, wardenerr.New(wardenerr.CodePluginPackageTooLarge,
			"package exceeds size limit",
			wardenerr.Field("package_bytes", info.Size()),
			wardenerr.Field("max_package_bytes", cfg.MaxPackageBytes))
	}

	hash, err := fileDigest(path)
	if err != nil {
		return nil, err
	}
	if expectedHash != "" && !strings.EqualFold(hash, expectedHash) {
		return nil, wardenerr.New(wardenerr.CodePluginPackageIntegrity,
			"package digest mismatch",
			wardenerr.Field("expected", expectedHash),
			wardenerr.Field("actual", hash))
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "opening package %s", path)
	}
	defer reader.Close()

	desc, err := readManifest(&reader.Reader)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(destRoot, desc.ID)
	if err := extract(&reader.Reader, dir, cfg.MaxPackageBytes); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(dir, desc.EntryPoint)); err != nil {
		_ = os.RemoveAll(dir)
		return nil, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"entry point %q not present in package", desc.EntryPoint)
	}

	return &Package{Descriptor: *desc, Path: path, Hash: hash, Dir: dir}, nil
}

func checkExtension(path string, allowed []string) error {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return nil
		}
	}
	return wardenerr.New(wardenerr.CodePluginPackageBadExtension,
		"package extension not allowed",
		wardenerr.Field("extension", ext),
		wardenerr.Field("allowed", allowed))
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "opening %s for digest", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readManifest(reader *zip.Reader) (*plugin.Descriptor, error) {
	for _, f := range reader.File {
		if f.Name != manifestName {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodePluginLoadFailure, "opening manifest")
		}
		defer rc.Close()

		raw, err := io.ReadAll(rc)
		if err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodePluginLoadFailure, "reading manifest")
		}
		return plugin.ParseDescriptor(raw)
	}

	return nil, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
		"package has no %s", manifestName)
}

// extract writes the archive entries under dir, rejecting entries that would
// land outside it and bounding the total uncompressed size.
func extract(reader *zip.Reader, dir string, maxBytes int64) error {
	var total int64
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}

		target := filepath.Join(dir, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return wardenerr.New(wardenerr.CodePluginManifestInvalid,
				"package entry escapes extraction directory",
				wardenerr.Field("entry", f.Name))
		}

		total += int64(f.UncompressedSize64)
		if total > maxBytes {
			return wardenerr.New(wardenerr.CodePluginPackageTooLarge,
				"uncompressed package exceeds size limit",
				wardenerr.Field("max_package_bytes", maxBytes))
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "creating directory for %s", f.Name)
	}

	rc, err := f.Open()
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "opening entry %s", f.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "creating %s", target)
	}
	defer out.Close()

	// The size bound was applied from header metadata; LimitReader backstops
	// a lying header.
	if _, err := io.Copy(out, io.LimitReader(rc, int64(f.UncompressedSize64))); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure, "extracting %s", f.Name)
	}
	return nil
}
