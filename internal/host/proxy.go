// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package host

import (
	"context"
	"log/slog"
	"sync"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/config"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// Transport starts the sandbox executor process and hands back its client
// surface. The go-plugin implementation is the production one; tests
// substitute an in-process fake.
type Transport interface {
	Start(ctx context.Context) (ipc.Executor, error)
	Stop()
}

// goPluginTransport spawns the executor binary through go-plugin.
type goPluginTransport struct {
	cfg    config.SandboxConfig
	client *goplugin.Client
}

// NewGoPluginTransport creates the production transport.
func NewGoPluginTransport(cfg config.SandboxConfig) Transport {
	return &goPluginTransport{cfg: cfg}
}

func (t *goPluginTransport) Start(ctx context.Context) (ipc.Executor, error) {
	t.client = goplugin.NewClient(ipc.SandboxClientConfig(t.cfg.BinaryPath, nil))

	protocol, err := t.client.Client()
	if err != nil {
		t.Stop()
		return nil, wardenerr.Wrap(err, wardenerr.CodeSandboxStartFailure, "starting sandbox process")
	}

	raw, err := protocol.Dispense(ipc.ExecutorPluginName)
	if err != nil {
		t.Stop()
		return nil, wardenerr.Wrap(err, wardenerr.CodeSandboxStartFailure, "dispensing executor surface")
	}

	exec, ok := raw.(ipc.Executor)
	if !ok {
		t.Stop()
		return nil, wardenerr.New(wardenerr.CodeSandboxStartFailure, "executor surface has wrong type")
	}
	return exec, nil
}

func (t *goPluginTransport) Stop() {
	if t.client != nil {
		t.client.Kill()
		t.client = nil
	}
}

// Proxy is the supervisor's handle on the sandbox session. It enforces a
// per-call timeout, tracks availability, and runs the liveness ping loop.
// All plugin-bound calls in the host funnel through here.
type Proxy struct {
	transport Transport
	cfg       config.SandboxConfig
	logger    *slog.Logger

	mu        sync.RWMutex
	exec      ipc.Executor
	available bool

	onFailure func(err error)

	pingOnce sync.Once
	pingStop chan struct{}
}

// NewProxy creates a disconnected proxy. Call Connect before use.
func NewProxy(transport Transport, cfg config.SandboxConfig, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		pingStop:  make(chan struct{}),
	}
}

// SetFailureHandler installs the supervisor hook invoked once per transition
// to unavailable. Must be called before Connect.
func (p *Proxy) SetFailureHandler(fn func(err error)) {
	p.onFailure = fn
}

// Connect starts the sandbox session and the ping loop.
func (p *Proxy) Connect(ctx context.Context) error {
	exec, err := p.transport.Start(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.exec = exec
	p.available = true
	p.mu.Unlock()

	p.pingOnce.Do(func() { go p.pingLoop() })
	return nil
}

// Reconnect makes one attempt to replace a dead session. Plugins loaded in
// the previous session are gone; the supervisor re-registers nothing here.
func (p *Proxy) Reconnect(ctx context.Context) error {
	p.transport.Stop()

	p.mu.Lock()
	p.exec = nil
	p.available = false
	p.mu.Unlock()

	return p.Connect(ctx)
}

// Close stops the ping loop and the sandbox process.
func (p *Proxy) Close() {
	select {
	case <-p.pingStop:
	default:
		close(p.pingStop)
	}
	p.transport.Stop()

	p.mu.Lock()
	p.exec = nil
	p.available = false
	p.mu.Unlock()
}

// Available reports whether the session is believed healthy.
func (p *Proxy) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

func (p *Proxy) LoadPlugin(req ipc.LoadRequest) (*ipc.LoadReply, error) {
	var reply *ipc.LoadReply
	err := p.do(p.cfg.LoadTimeout, "LoadPlugin", func(exec ipc.Executor) error {
		var err error
		reply, err = exec.LoadPlugin(req)
		return err
	})
	return reply, err
}

func (p *Proxy) EnablePlugin(pluginID string) error {
	return p.do(p.cfg.EnableTimeout, "EnablePlugin", func(exec ipc.Executor) error {
		return exec.EnablePlugin(pluginID)
	})
}

func (p *Proxy) DisablePlugin(pluginID string) error {
	return p.do(p.cfg.DisableTimeout, "DisablePlugin", func(exec ipc.Executor) error {
		return exec.DisablePlugin(pluginID)
	})
}

func (p *Proxy) UnloadPlugin(pluginID string) error {
	return p.do(p.cfg.UnloadTimeout, "UnloadPlugin", func(exec ipc.Executor) error {
		return exec.UnloadPlugin(pluginID)
	})
}

func (p *Proxy) LoadedPlugins() ([]string, error) {
	var ids []string
	err := p.do(p.cfg.PingTimeout, "LoadedPlugins", func(exec ipc.Executor) error {
		var err error
		ids, err = exec.LoadedPlugins()
		return err
	})
	return ids, err
}

func (p *Proxy) PluginMetadata(pluginID string) (*plugin.Descriptor, error) {
	var desc *plugin.Descriptor
	err := p.do(p.cfg.PingTimeout, "PluginMetadata", func(exec ipc.Executor) error {
		var err error
		desc, err = exec.PluginMetadata(pluginID)
		return err
	})
	return desc, err
}

func (p *Proxy) Ping() error {
	return p.do(p.cfg.PingTimeout, "Ping", func(exec ipc.Executor) error {
		return exec.Ping()
	})
}

func (p *Proxy) RenderUI(pluginID string) (*uistate.Tree, error) {
	var tree *uistate.Tree
	err := p.do(p.cfg.EnableTimeout, "RenderUI", func(exec ipc.Executor) error {
		var err error
		tree, err = exec.RenderUI(pluginID)
		return err
	})
	return tree, err
}

func (p *Proxy) DispatchTouchEvent(pluginID string, event ipc.TouchEvent) error {
	return p.do(p.cfg.EnableTimeout, "DispatchTouchEvent", func(exec ipc.Executor) error {
		return exec.DispatchTouchEvent(pluginID, event)
	})
}

func (p *Proxy) DestroyUI(pluginID string) error {
	return p.do(p.cfg.DisableTimeout, "DestroyUI", func(exec ipc.Executor) error {
		return exec.DestroyUI(pluginID)
	})
}

func (p *Proxy) BrokerStats() (broker.Stats, error) {
	var stats broker.Stats
	err := p.do(p.cfg.PingTimeout, "BrokerStats", func(exec ipc.Executor) error {
		var err error
		stats, err = exec.BrokerStats()
		return err
	})
	return stats, err
}

func (p *Proxy) ConnectHostBridge(bridge ipc.HostBridge) error {
	return p.do(p.cfg.LoadTimeout, "ConnectHostBridge", func(exec ipc.Executor) error {
		return exec.ConnectHostBridge(bridge)
	})
}

// do runs one call against the current session under a deadline. A deadline
// miss or a transport-level failure flips the session to unavailable; typed
// errors from the far side pass through untouched.
func (p *Proxy) do(timeout time.Duration, op string, fn func(exec ipc.Executor) error) error {
	p.mu.RLock()
	exec := p.exec
	available := p.available
	p.mu.RUnlock()

	if !available || exec == nil {
		return wardenerr.New(wardenerr.CodeSandboxUnavailable,
			"sandbox session is down", wardenerr.FieldMethod(op))
	}

	done := make(chan error, 1)
	go func() { done <- fn(exec) }()

	select {
	case err := <-done:
		if err != nil && wardenerr.CodeOf(err) == "" {
			// Untyped means the RPC layer itself failed, not plugin logic.
			p.markUnavailable(err)
			return wardenerr.Wrapf(err, wardenerr.CodeSandboxUnavailable, "%s transport failure", op)
		}
		return err
	case <-time.After(timeout):
		err := wardenerr.New(wardenerr.CodeSandboxCallTimeout,
			"sandbox call deadline exceeded",
			wardenerr.FieldMethod(op),
			wardenerr.Field("timeout_ms", timeout.Milliseconds()))
		p.logger.Warn("sandbox call timed out", "op", op, "timeout", timeout)
		return err
	}
}

func (p *Proxy) markUnavailable(cause error) {
	p.mu.Lock()
	wasAvailable := p.available
	p.available = false
	p.mu.Unlock()

	if wasAvailable {
		p.logger.Error("sandbox session lost", "error", cause)
		if p.onFailure != nil {
			// Detached: the failing call may still hold supervisor locks the
			// handler needs.
			go p.onFailure(cause)
		}
	}
}

func (p *Proxy) pingLoop() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !p.Available() {
				continue
			}
			if err := p.Ping(); err != nil {
				if wardenerr.HasCode(err, wardenerr.CodeSandboxCallTimeout) {
					p.markUnavailable(err)
				}
			}
		case <-p.pingStop:
			return
		}
	}
}
