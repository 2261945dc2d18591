// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package uistate carries declarative UI state from sandboxed plugins to the
// UI mediation process. The full tree is always the authoritative payload;
// diffs are computed for observability and payload accounting only.
package uistate

import (
	"fmt"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// maxTreeDepth bounds component nesting so a hostile plugin cannot push a
// pathological tree.
const maxTreeDepth = 32

// Component is one node in a declarative UI tree.
type Component struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
	Children   []*Component      `json:"children,omitempty"`
}

// Tree is the full UI state a plugin wants rendered.
type Tree struct {
	PluginID string     `json:"plugin_id"`
	Title    string     `json:"title"`
	Root     *Component `json:"root,omitempty"`

	// Data is the opaque bundle riding along with the tree. Renderers pass
	// it through untouched; the differ compares it as a whole.
	Data map[string]any `json:"data,omitempty"`
}

// Validate checks structural invariants and returns every violation found:
// component ids must be unique and non-empty, types non-empty, nesting
// bounded.
func (t *Tree) Validate() []error {
	var errs []error

	if t.PluginID == "" {
		errs = append(errs, wardenerr.New(wardenerr.CodeUIStateInvalid, "ui tree missing plugin id"))
	}

	seen := make(map[string]struct{})
	var walk func(c *Component, depth int)
	walk = func(c *Component, depth int) {
		if c == nil {
			return
		}
		if depth > maxTreeDepth {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeUIStateInvalid,
				"ui tree exceeds maximum depth %d", maxTreeDepth))
			return
		}
		if c.ID == "" {
			errs = append(errs, wardenerr.New(wardenerr.CodeUIStateInvalid, "component missing id"))
		} else if _, dup := seen[c.ID]; dup {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeUIStateInvalid,
				"duplicate component id %q", c.ID))
		} else {
			seen[c.ID] = struct{}{}
		}
		if c.Type == "" {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeUIStateInvalid,
				"component %q missing type", c.ID))
		}
		for _, child := range c.Children {
			walk(child, depth+1)
		}
	}
	walk(t.Root, 1)

	return errs
}

// components flattens the tree into an id-keyed map.
func (t *Tree) components() map[string]*Component {
	out := make(map[string]*Component)
	if t == nil {
		return out
	}

	var walk func(c *Component)
	walk = func(c *Component) {
		if c == nil {
			return
		}
		out[c.ID] = c
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(t.Root)

	return out
}

// equalShallow compares two components ignoring children; structural moves
// show up through the parent's child list instead.
func (c *Component) equalShallow(other *Component) bool {
	if c.Type != other.Type || len(c.Properties) != len(other.Properties) {
		return false
	}
	for k, v := range c.Properties {
		if other.Properties[k] != v {
			return false
		}
	}
	if len(c.Children) != len(other.Children) {
		return false
	}
	for i := range c.Children {
		if c.Children[i].ID != other.Children[i].ID {
			return false
		}
	}
	return true
}

func (c *Component) String() string {
	return fmt.Sprintf("%s(%s)", c.Type, c.ID)
}
