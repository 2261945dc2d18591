// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Command warden-ui is the UI mediation process. It receives mediated tree
// pushes from the host and draws them as indented text on stdout. Touch
// events travel the other way through the host's control API, never through
// this process.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/uistate"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: ipc.HandshakeConfig(),
		Plugins: ipc.UIPluginMap(&consoleRenderer{
			out:    os.Stdout,
			logger: logger,
		}),
	})
}

// consoleRenderer draws one panel per plugin. Renders for the same plugin
// replace the previous panel; output order follows first render.
type consoleRenderer struct {
	out    *os.File
	logger *slog.Logger

	mu     sync.Mutex
	panels map[string]string
	order  []string
}

var _ ipc.UI = (*consoleRenderer)(nil)

func (r *consoleRenderer) Render(tree *uistate.Tree, diff *uistate.Diff) error {
	if tree == nil {
		return fmt.Errorf("render without tree")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== %s (%s) ===\n", tree.Title, tree.PluginID)
	drawComponent(&b, tree.Root, 0)

	r.mu.Lock()
	if r.panels == nil {
		r.panels = make(map[string]string)
	}
	if _, seen := r.panels[tree.PluginID]; !seen {
		r.order = append(r.order, tree.PluginID)
	}
	r.panels[tree.PluginID] = b.String()
	r.mu.Unlock()

	if diff != nil {
		r.logger.Debug("applied ui diff",
			"plugin", tree.PluginID,
			"added", len(diff.Added),
			"removed", len(diff.Removed),
			"changed", len(diff.Changed),
			"payload_reduction", diff.EstimatedPayloadReduction)
	}

	return r.redraw()
}

func (r *consoleRenderer) Destroy(pluginID string) error {
	r.mu.Lock()
	delete(r.panels, pluginID)
	for i, id := range r.order {
		if id == pluginID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info("ui surface destroyed", "plugin", pluginID)
	return r.redraw()
}

func (r *consoleRenderer) redraw() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, id := range r.order {
		b.WriteString(r.panels[id])
		b.WriteByte('\n')
	}

	// Clear screen and repaint from the top.
	if _, err := fmt.Fprintf(r.out, "\033[2J\033[H%s", b.String()); err != nil {
		return fmt.Errorf("writing ui output: %w", err)
	}
	return nil
}

func drawComponent(b *strings.Builder, c *uistate.Component, depth int) {
	if c == nil {
		return
	}

	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%s[%s] %s", indent, c.Type, c.ID)

	if len(c.Properties) > 0 {
		keys := make([]string, 0, len(c.Properties))
		for k := range c.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+c.Properties[k])
		}
		fmt.Fprintf(b, " {%s}", strings.Join(pairs, ", "))
	}
	b.WriteByte('\n')

	for _, child := range c.Children {
		drawComponent(b, child, depth+1)
	}
}
