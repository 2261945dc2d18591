// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package ipc defines the wire contract between the host supervisor and the
// two subordinate processes (sandbox executor, UI mediator). Calls run over
// hashicorp/go-plugin's net/rpc protocol; host-bridge callbacks flow the
// other way over the session's MuxBroker.
package ipc

import (
	"os"
	"os/exec"
	"slices"

	goplugin "github.com/hashicorp/go-plugin"
)

const (
	protocolVersion = 1
	magicCookieKey  = "WARDEN_PLUGIN"
	magicCookieVal  = "d2FyZGVuLXNhbmRib3gtaXBj" // "warden-sandbox-ipc" base64
)

// Names in the go-plugin plugin map.
const (
	ExecutorPluginName = "executor"
	UIPluginName       = "ui"
)

// HandshakeConfig is shared by host and subordinate processes. A cookie
// mismatch aborts the session before any RPC.
func HandshakeConfig() goplugin.HandshakeConfig {
	return goplugin.HandshakeConfig{
		ProtocolVersion:  protocolVersion,
		MagicCookieKey:   magicCookieKey,
		MagicCookieValue: magicCookieVal,
	}
}

// SandboxPluginMap is the plugin map served by the sandbox executor process.
func SandboxPluginMap(impl Executor) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{
		ExecutorPluginName: &ExecutorPlugin{Impl: impl},
	}
}

// UIPluginMap is the plugin map served by the UI mediation process.
func UIPluginMap(impl UI) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{
		UIPluginName: &UIPlugin{Impl: impl},
	}
}

// SandboxClientConfig builds the host-side client config for spawning the
// sandbox executor. wrapperCmd optionally prefixes the binary with an OS
// sandboxing wrapper (bwrap, sandbox-exec).
func SandboxClientConfig(binaryPath string, wrapperCmd []string) *goplugin.ClientConfig {
	return &goplugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig(),
		Plugins:          SandboxPluginMap(nil),
		Cmd:              buildCommand(binaryPath, wrapperCmd),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	}
}

// UIClientConfig builds the host-side client config for the UI process. The
// UI process draws on its stdout, which go-plugin would otherwise discard, so
// it is streamed through to the host's stdout.
func UIClientConfig(binaryPath string) *goplugin.ClientConfig {
	return &goplugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig(),
		Plugins:          UIPluginMap(nil),
		Cmd:              buildCommand(binaryPath, nil),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		SyncStdout:       os.Stdout,
	}
}

func buildCommand(binaryPath string, wrapperCmd []string) *exec.Cmd {
	if len(wrapperCmd) == 0 {
		return exec.Command(binaryPath)
	}

	args := append(slices.Clone(wrapperCmd), binaryPath)
	return exec.Command(args[0], args[1:]...)
}
