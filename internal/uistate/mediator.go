// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package uistate

import (
	"log/slog"
	"sync"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Renderer receives authoritative full-state pushes. The UI process client
// implements this; tests substitute a recorder.
type Renderer interface {
	Render(tree *Tree, diff *Diff) error
	Destroy(pluginID string) error
}

// Mediator owns the latest UI state per plugin and forwards validated pushes
// to the renderer. Pushes for different plugins proceed independently; pushes
// for the same plugin serialize on its entry.
type Mediator struct {
	mu       sync.Mutex
	renderer Renderer
	states   map[string]*pluginState
	logger   *slog.Logger
}

type pluginState struct {
	mu     sync.Mutex
	latest *Tree
}

// NewMediator creates a Mediator pushing to renderer.
func NewMediator(renderer Renderer, logger *slog.Logger) *Mediator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mediator{
		renderer: renderer,
		states:   make(map[string]*pluginState),
		logger:   logger,
	}
}

// Push validates tree, computes the diff against the previous push from the
// same plugin, and forwards the full tree to the renderer. The stored state
// only advances when the renderer accepts the push.
func (m *Mediator) Push(tree *Tree) (*Diff, error) {
	if tree == nil {
		return nil, wardenerr.New(wardenerr.CodeUIStateInvalid, "nil ui tree")
	}
	if errs := tree.Validate(); len(errs) > 0 {
		return nil, wardenerr.Wrap(wardenerr.Join(errs...), wardenerr.CodeUIStateInvalid,
			"validating ui tree", wardenerr.FieldPlugin(tree.PluginID))
	}

	state := m.state(tree.PluginID)
	state.mu.Lock()
	defer state.mu.Unlock()

	diff := Compute(state.latest, tree)

	if err := m.renderer.Render(tree, diff); err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeUIDispatchFailure,
			"rendering ui state", wardenerr.FieldPlugin(tree.PluginID))
	}

	state.latest = tree
	m.logger.Debug("ui state pushed",
		"plugin", tree.PluginID,
		"has_changes", diff.HasChanges(),
		"payload_reduction", diff.EstimatedPayloadReduction)

	return diff, nil
}

// Latest returns the last accepted tree for pluginID, or nil.
func (m *Mediator) Latest(pluginID string) *Tree {
	m.mu.Lock()
	state, ok := m.states[pluginID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.latest
}

// Destroy tears down the plugin's surface and forgets its state. Destroying
// a plugin with no surface is a no-op.
func (m *Mediator) Destroy(pluginID string) error {
	m.mu.Lock()
	state, ok := m.states[pluginID]
	if ok {
		delete(m.states, pluginID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.latest = nil

	if err := m.renderer.Destroy(pluginID); err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeUIDispatchFailure,
			"destroying ui surface", wardenerr.FieldPlugin(pluginID))
	}
	return nil
}

func (m *Mediator) state(pluginID string) *pluginState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[pluginID]
	if !ok {
		state = &pluginState{}
		m.states[pluginID] = state
	}
	return state
}
