// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package ipc

import (
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/warden-dev/warden/internal/uistate"
)

// UI is the call surface the host drives on the UI mediation process. The UI
// process renders full trees; it never talks to the sandbox directly.
type UI interface {
	Render(tree *uistate.Tree, diff *uistate.Diff) error
	Destroy(pluginID string) error
}

// UIPlugin is the go-plugin adapter for the UI surface.
type UIPlugin struct {
	Impl UI
}

func (p *UIPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &UIRPCServer{Impl: p.Impl}, nil
}

func (p *UIPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &UIRPCClient{client: c}, nil
}

// UIRPCClient is the host-side proxy.
type UIRPCClient struct {
	client *rpc.Client
}

var _ UI = (*UIRPCClient)(nil)

type renderRequest struct {
	Tree *uistate.Tree
	Diff *uistate.Diff
}

func (c *UIRPCClient) Render(tree *uistate.Tree, diff *uistate.Diff) error {
	var reply emptyReply
	if err := c.client.Call("Plugin.Render", renderRequest{Tree: tree, Diff: diff}, &reply); err != nil {
		return err
	}
	return decodeError(reply.Err)
}

func (c *UIRPCClient) Destroy(pluginID string) error {
	var reply emptyReply
	if err := c.client.Call("Plugin.Destroy", pluginID, &reply); err != nil {
		return err
	}
	return decodeError(reply.Err)
}

// UIRPCServer adapts a UI implementation to net/rpc.
type UIRPCServer struct {
	Impl UI
}

func (s *UIRPCServer) Render(req renderRequest, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.Render(req.Tree, req.Diff))
	return nil
}

func (s *UIRPCServer) Destroy(pluginID string, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.Destroy(pluginID))
	return nil
}
