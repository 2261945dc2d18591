// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package plugin defines the public SDK surface shared between the host
// supervisor and plugin authors: the package descriptor (manifest) and the
// permission vocabulary. Everything here crosses the process boundary as
// plain serialized data; no live references ever do.
package plugin

import (
	"fmt"
	"regexp"
	"strings"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Category identifies the functional area a plugin belongs to.
type Category string

const (
	CategorySecurity Category = "security"
	CategoryNetwork  Category = "network"
	CategoryUtility  Category = "utility"
	CategoryUI       Category = "ui"
	CategoryHardware Category = "hardware"
)

// validCategories enumerates recognized plugin categories.
var validCategories = map[Category]bool{
	CategorySecurity: true,
	CategoryNetwork:  true,
	CategoryUtility:  true,
	CategoryUI:       true,
	CategoryHardware: true,
}

// pluginIDRe matches reverse-domain plugin IDs (e.g. "com.example.scanner").
var pluginIDRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// semverRe matches strict semver (no "v" prefix): MAJOR.MINOR.PATCH[-prerelease][+build].
// Leading zeros on numeric segments are disallowed per semver spec.
var semverRe = regexp.MustCompile(
	`^(?:0|[1-9]\d*)\.(?:0|[1-9]\d*)\.(?:0|[1-9]\d*)` +
		`(?:-(?:[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?` +
		`(?:\+(?:[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`,
)

// Descriptor is the immutable identity and packaging metadata of a plugin,
// parsed from the package manifest at import time. The host never mutates a
// Descriptor after a successful parse.
type Descriptor struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Version         string   `yaml:"version"`
	Author          string   `yaml:"author,omitempty"`
	Category        Category `yaml:"category"`
	MinAPILevel     int      `yaml:"min_api_level"`
	MaxAPILevel     int      `yaml:"max_api_level,omitempty"`
	MinHostVersion  string   `yaml:"min_host_version,omitempty"`
	EntryPoint      string   `yaml:"entry_point"`
	Permissions     []string `yaml:"permissions,omitempty"`
	Dependencies    []string `yaml:"dependencies,omitempty"`
	NativeLibraries []string `yaml:"native_libraries,omitempty"`
}

// ParseDescriptor parses YAML manifest data into a Descriptor and validates it.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest parse: %s", err)
	}

	if errs := d.Validate(); len(errs) > 0 {
		// Return the first validation error for simplicity.
		return nil, errs[0]
	}

	return &d, nil
}

// Validate checks that the Descriptor is well-formed. It returns all
// validation errors found rather than stopping at the first one.
func (d *Descriptor) Validate() []error {
	var errs []error

	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: id must not be empty"))
	} else if !pluginIDRe.MatchString(d.ID) {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: id must be reverse-domain form, got %q", d.ID))
	}

	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: name must not be empty"))
	}

	if strings.TrimSpace(d.Version) == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: version must not be empty"))
	} else if !semverRe.MatchString(d.Version) {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: version must be valid semver (MAJOR.MINOR.PATCH), got %q", d.Version))
	}

	if !validCategories[d.Category] {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: category must be one of [security, network, utility, ui, hardware], got %q", d.Category))
	}

	if d.MinAPILevel < 1 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: min_api_level must be >= 1, got %d", d.MinAPILevel))
	}
	if d.MaxAPILevel != 0 && d.MaxAPILevel < d.MinAPILevel {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: max_api_level %d is below min_api_level %d", d.MaxAPILevel, d.MinAPILevel))
	}

	if d.MinHostVersion != "" && !semverRe.MatchString(d.MinHostVersion) {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: min_host_version must be valid semver, got %q", d.MinHostVersion))
	}

	if strings.TrimSpace(d.EntryPoint) == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
			"manifest validation: entry_point must not be empty"))
	}

	for i, perm := range d.Permissions {
		if !IsKnownPermission(perm) {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
				"manifest validation: permissions[%d]: unknown permission %q", i, perm))
		}
	}

	seen := make(map[string]bool, len(d.Dependencies))
	for i, dep := range d.Dependencies {
		if err := validateDependencyID(dep, d.ID); err != nil {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
				"manifest validation: dependencies[%d]: %s", i, err))
		}
		if seen[dep] {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
				"manifest validation: dependencies[%d]: duplicate dependency %q", i, dep))
		}
		seen[dep] = true
	}

	return errs
}

// validateDependencyID checks that a declared dependency is a well-formed
// plugin ID and not the plugin itself.
func validateDependencyID(dep, self string) error {
	if !pluginIDRe.MatchString(dep) {
		return fmt.Errorf("dependency %q is not a valid plugin id", dep)
	}
	if dep == self {
		return fmt.Errorf("plugin must not depend on itself")
	}
	return nil
}
