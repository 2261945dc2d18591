// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package uistate_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

type recordingRenderer struct {
	mu        sync.Mutex
	renders   []*uistate.Tree
	destroyed []string
	renderErr error
}

func (r *recordingRenderer) Render(tree *uistate.Tree, diff *uistate.Diff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderErr != nil {
		return r.renderErr
	}
	r.renders = append(r.renders, tree)
	return nil
}

func (r *recordingRenderer) Destroy(pluginID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = append(r.destroyed, pluginID)
	return nil
}

func TestMediator_PushForwardsFullTree(t *testing.T) {
	renderer := &recordingRenderer{}
	m := uistate.NewMediator(renderer, nil)

	first := sampleTree()
	diff, err := m.Push(first)
	require.NoError(t, err)
	assert.True(t, diff.HasChanges())
	assert.Zero(t, diff.EstimatedPayloadReduction)

	// Second push of an identical tree still reaches the renderer: the full
	// state is authoritative even when nothing changed.
	diff, err = m.Push(sampleTree())
	require.NoError(t, err)
	assert.False(t, diff.HasChanges())
	assert.Len(t, renderer.renders, 2)

	assert.Equal(t, "Scan Results", m.Latest("com.example.scanner").Title)
}

func TestMediator_RejectsInvalidTree(t *testing.T) {
	m := uistate.NewMediator(&recordingRenderer{}, nil)

	tr := sampleTree()
	tr.Root.Children[0].ID = "root"

	_, err := m.Push(tr)
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeUIStateInvalid, wardenerr.CodeOf(err))
	assert.Nil(t, m.Latest(tr.PluginID))
}

func TestMediator_RenderFailureDoesNotAdvanceState(t *testing.T) {
	renderer := &recordingRenderer{renderErr: wardenerr.New(wardenerr.CodeUIUnavailable, "ui process down")}
	m := uistate.NewMediator(renderer, nil)

	_, err := m.Push(sampleTree())
	require.Error(t, err)
	assert.Equal(t, wardenerr.CodeUIDispatchFailure, wardenerr.CodeOf(err))
	assert.Nil(t, m.Latest("com.example.scanner"))

	// Recovery: the next push is again a first render.
	renderer.renderErr = nil
	diff, err := m.Push(sampleTree())
	require.NoError(t, err)
	assert.Zero(t, diff.EstimatedPayloadReduction)
}

func TestMediator_Destroy(t *testing.T) {
	renderer := &recordingRenderer{}
	m := uistate.NewMediator(renderer, nil)

	_, err := m.Push(sampleTree())
	require.NoError(t, err)

	require.NoError(t, m.Destroy("com.example.scanner"))
	assert.Equal(t, []string{"com.example.scanner"}, renderer.destroyed)
	assert.Nil(t, m.Latest("com.example.scanner"))

	// Destroying a plugin without a surface is a no-op.
	require.NoError(t, m.Destroy("com.example.ghost"))
	assert.Len(t, renderer.destroyed, 1)
}

func TestMediator_PluginsAreIndependent(t *testing.T) {
	renderer := &recordingRenderer{}
	m := uistate.NewMediator(renderer, nil)

	a := sampleTree()
	b := sampleTree()
	b.PluginID = "com.example.other"
	b.Title = "Other"

	_, err := m.Push(a)
	require.NoError(t, err)
	_, err = m.Push(b)
	require.NoError(t, err)

	assert.Equal(t, "Scan Results", m.Latest("com.example.scanner").Title)
	assert.Equal(t, "Other", m.Latest("com.example.other").Title)

	require.NoError(t, m.Destroy("com.example.other"))
	assert.NotNil(t, m.Latest("com.example.scanner"))
}
