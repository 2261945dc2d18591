// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package ipc

import (
	"net/rpc"
)

// HostBridge is the callback surface the sandbox executor uses to reach the
// host's capability bridges. The host implementation verifies the caller
// identity against the session before any side effect.
type HostBridge interface {
	Invoke(call BridgeCall) (*BridgeResult, error)
}

// BridgeCall is one capability invocation originating inside a plugin.
type BridgeCall struct {
	// Caller is the plugin id the executor attributes the call to. The host
	// cross-checks it against the set of plugins this session loaded.
	Caller   string
	Function string
	Args     map[string]string
	Payload  []byte
}

// BridgeResult carries the bridge's answer back into the sandbox.
type BridgeResult struct {
	Payload []byte
	Meta    map[string]string
}

type bridgeInvokeReply struct {
	Result BridgeResult
	Err    *wireError
}

// HostBridgeRPCServer exposes a HostBridge over net/rpc. The host serves one
// per sandbox session on a MuxBroker stream.
type HostBridgeRPCServer struct {
	Impl HostBridge
}

func (s *HostBridgeRPCServer) Invoke(call BridgeCall, reply *bridgeInvokeReply) error {
	result, err := s.Impl.Invoke(call)
	if err != nil {
		reply.Err = encodeError(err)
		return nil
	}
	if result != nil {
		reply.Result = *result
	}
	return nil
}

// HostBridgeClient is the sandbox-side proxy onto the host bridge.
type HostBridgeClient struct {
	client *rpc.Client
}

var _ HostBridge = (*HostBridgeClient)(nil)

// NewHostBridgeClient wraps an established mux stream.
func NewHostBridgeClient(client *rpc.Client) *HostBridgeClient {
	return &HostBridgeClient{client: client}
}

func (c *HostBridgeClient) Invoke(call BridgeCall) (*BridgeResult, error) {
	var reply bridgeInvokeReply
	if err := c.client.Call("Plugin.Invoke", call, &reply); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, decodeError(reply.Err)
	}
	return &reply.Result, nil
}

// Close tears the callback stream down.
func (c *HostBridgeClient) Close() error {
	return c.client.Close()
}
