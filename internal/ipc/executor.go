// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package ipc

import (
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/uistate"
	"github.com/warden-dev/warden/pkg/plugin"
)

// Executor is the call surface the host supervisor drives on the sandbox
// executor process. Implementations live in internal/sandbox; the host only
// ever sees the RPC client.
type Executor interface {
	LoadPlugin(req LoadRequest) (*LoadReply, error)
	EnablePlugin(pluginID string) error
	DisablePlugin(pluginID string) error
	UnloadPlugin(pluginID string) error
	LoadedPlugins() ([]string, error)
	PluginMetadata(pluginID string) (*plugin.Descriptor, error)
	Ping() error

	RenderUI(pluginID string) (*uistate.Tree, error)
	DispatchTouchEvent(pluginID string, event TouchEvent) error
	DestroyUI(pluginID string) error

	BrokerStats() (broker.Stats, error)

	// ConnectHostBridge hands the executor its callback channel into the
	// host's capability bridges. Called once per session, before any load.
	ConnectHostBridge(bridge HostBridge) error
}

// LoadRequest asks the executor to instantiate a validated plugin package.
type LoadRequest struct {
	Descriptor  plugin.Descriptor
	PackagePath string
}

// LoadReply reports what the loader admitted.
type LoadReply struct {
	SymbolCount int
}

// TouchEvent is one user interaction forwarded from the UI process to the
// owning plugin.
type TouchEvent struct {
	ComponentID string
	Action      string
	X           float64
	Y           float64
}

// ExecutorPlugin is the go-plugin adapter for the Executor surface.
type ExecutorPlugin struct {
	Impl Executor
}

func (p *ExecutorPlugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &ExecutorRPCServer{Impl: p.Impl, broker: b}, nil
}

func (p *ExecutorPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ExecutorRPCClient{client: c, broker: b}, nil
}

// ExecutorRPCClient is the host-side proxy.
type ExecutorRPCClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
}

var _ Executor = (*ExecutorRPCClient)(nil)

type loadPluginReply struct {
	Reply LoadReply
	Err   *wireError
}

func (c *ExecutorRPCClient) LoadPlugin(req LoadRequest) (*LoadReply, error) {
	var reply loadPluginReply
	if err := c.client.Call("Plugin.LoadPlugin", req, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, decodeError(reply.Err)
	}
	return &reply.Reply, nil
}

type emptyReply struct {
	Err *wireError
}

func (c *ExecutorRPCClient) callLifecycle(method, pluginID string) error {
	var reply emptyReply
	if err := c.client.Call(method, pluginID, &reply); err != nil {
		return err
	}
	return decodeError(reply.Err)
}

func (c *ExecutorRPCClient) EnablePlugin(pluginID string) error {
	return c.callLifecycle("Plugin.EnablePlugin", pluginID)
}

func (c *ExecutorRPCClient) DisablePlugin(pluginID string) error {
	return c.callLifecycle("Plugin.DisablePlugin", pluginID)
}

func (c *ExecutorRPCClient) UnloadPlugin(pluginID string) error {
	return c.callLifecycle("Plugin.UnloadPlugin", pluginID)
}

type loadedPluginsReply struct {
	IDs []string
	Err *wireError
}

func (c *ExecutorRPCClient) LoadedPlugins() ([]string, error) {
	var reply loadedPluginsReply
	if err := c.client.Call("Plugin.LoadedPlugins", struct{}{}, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, decodeError(reply.Err)
	}
	return reply.IDs, nil
}

type metadataReply struct {
	Descriptor plugin.Descriptor
	Err        *wireError
}

func (c *ExecutorRPCClient) PluginMetadata(pluginID string) (*plugin.Descriptor, error) {
	var reply metadataReply
	if err := c.client.Call("Plugin.PluginMetadata", pluginID, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, decodeError(reply.Err)
	}
	return &reply.Descriptor, nil
}

func (c *ExecutorRPCClient) Ping() error {
	var reply emptyReply
	if err := c.client.Call("Plugin.Ping", struct{}{}, &reply); err != nil {
		return err
	}
	return decodeError(reply.Err)
}

type renderUIReply struct {
	Tree *uistate.Tree
	Err  *wireError
}

func (c *ExecutorRPCClient) RenderUI(pluginID string) (*uistate.Tree, error) {
	var reply renderUIReply
	if err := c.client.Call("Plugin.RenderUI", pluginID, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, decodeError(reply.Err)
	}
	return reply.Tree, nil
}

type touchEventRequest struct {
	PluginID string
	Event    TouchEvent
}

func (c *ExecutorRPCClient) DispatchTouchEvent(pluginID string, event TouchEvent) error {
	var reply emptyReply
	req := touchEventRequest{PluginID: pluginID, Event: event}
	if err := c.client.Call("Plugin.DispatchTouchEvent", req, &reply); err != nil {
		return err
	}
	return decodeError(reply.Err)
}

func (c *ExecutorRPCClient) DestroyUI(pluginID string) error {
	return c.callLifecycle("Plugin.DestroyUI", pluginID)
}

type brokerStatsReply struct {
	Stats broker.Stats
	Err   *wireError
}

func (c *ExecutorRPCClient) BrokerStats() (broker.Stats, error) {
	var reply brokerStatsReply
	if err := c.client.Call("Plugin.BrokerStats", struct{}{}, &reply); err != nil {
		return broker.Stats{}, err
	}
	if reply.Err != nil {
		return broker.Stats{}, decodeError(reply.Err)
	}
	return reply.Stats, nil
}

type connectBridgeRequest struct {
	BrokerID uint32
}

// ConnectHostBridge serves bridge on a fresh mux stream and tells the
// executor to dial it.
func (c *ExecutorRPCClient) ConnectHostBridge(bridge HostBridge) error {
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, &HostBridgeRPCServer{Impl: bridge})

	var reply emptyReply
	if err := c.client.Call("Plugin.ConnectHostBridge", connectBridgeRequest{BrokerID: id}, &reply); err != nil {
		return err
	}
	return decodeError(reply.Err)
}

// ExecutorRPCServer adapts an Executor implementation to net/rpc.
type ExecutorRPCServer struct {
	Impl   Executor
	broker *goplugin.MuxBroker
}

func (s *ExecutorRPCServer) LoadPlugin(req LoadRequest, reply *loadPluginReply) error {
	result, err := s.Impl.LoadPlugin(req)
	if err != nil {
		reply.Err = encodeError(err)
		return nil
	}
	reply.Reply = *result
	return nil
}

func (s *ExecutorRPCServer) EnablePlugin(pluginID string, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.EnablePlugin(pluginID))
	return nil
}

func (s *ExecutorRPCServer) DisablePlugin(pluginID string, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.DisablePlugin(pluginID))
	return nil
}

func (s *ExecutorRPCServer) UnloadPlugin(pluginID string, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.UnloadPlugin(pluginID))
	return nil
}

func (s *ExecutorRPCServer) LoadedPlugins(_ struct{}, reply *loadedPluginsReply) error {
	ids, err := s.Impl.LoadedPlugins()
	if err != nil {
		reply.Err = encodeError(err)
		return nil
	}
	reply.IDs = ids
	return nil
}

func (s *ExecutorRPCServer) PluginMetadata(pluginID string, reply *metadataReply) error {
	desc, err := s.Impl.PluginMetadata(pluginID)
	if err != nil {
		reply.Err = encodeError(err)
		return nil
	}
	reply.Descriptor = *desc
	return nil
}

func (s *ExecutorRPCServer) Ping(_ struct{}, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.Ping())
	return nil
}

func (s *ExecutorRPCServer) RenderUI(pluginID string, reply *renderUIReply) error {
	tree, err := s.Impl.RenderUI(pluginID)
	if err != nil {
		reply.Err = encodeError(err)
		return nil
	}
	reply.Tree = tree
	return nil
}

func (s *ExecutorRPCServer) DispatchTouchEvent(req touchEventRequest, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.DispatchTouchEvent(req.PluginID, req.Event))
	return nil
}

func (s *ExecutorRPCServer) DestroyUI(pluginID string, reply *emptyReply) error {
	reply.Err = encodeError(s.Impl.DestroyUI(pluginID))
	return nil
}

func (s *ExecutorRPCServer) BrokerStats(_ struct{}, reply *brokerStatsReply) error {
	stats, err := s.Impl.BrokerStats()
	if err != nil {
		reply.Err = encodeError(err)
		return nil
	}
	reply.Stats = stats
	return nil
}

func (s *ExecutorRPCServer) ConnectHostBridge(req connectBridgeRequest, reply *emptyReply) error {
	conn, err := s.broker.Dial(req.BrokerID)
	if err != nil {
		reply.Err = encodeError(err)
		return nil
	}

	client := rpc.NewClient(conn)
	reply.Err = encodeError(s.Impl.ConnectHostBridge(NewHostBridgeClient(client)))
	return nil
}
