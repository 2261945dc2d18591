// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/isolation"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// Instance is one live plugin inside the executor. The WASM runtime provides
// the production implementation; tests substitute fakes.
type Instance interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Unload(ctx context.Context) error
	HandleMessage(ctx context.Context, msg *broker.Message) (*broker.Response, error)
	RenderUI(ctx context.Context) (*uistate.Tree, error)
	HandleTouch(ctx context.Context, event ipc.TouchEvent) error
	DestroyUI(ctx context.Context) error
}

// InstanceFactory builds an Instance from a validated load request. It
// returns the number of import symbols the loader admitted.
type InstanceFactory func(ctx context.Context, req ipc.LoadRequest) (Instance, int, error)

// Executor hosts plugin instances. One entry per plugin; operations on the
// same plugin serialize on the entry lock while different plugins proceed
// concurrently.
type Executor struct {
	factory InstanceFactory
	broker  *broker.Broker
	checker *isolation.Checker
	gate    *isolation.HostFuncGate
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	bridgeMu sync.RWMutex
	bridge   ipc.HostBridge
}

type entry struct {
	mu   sync.Mutex
	desc plugin.Descriptor
	inst Instance

	// uiMu guards lastTree separately: ui.push arrives from inside plugin
	// code that already holds the entry lock.
	uiMu     sync.Mutex
	lastTree *uistate.Tree

	// pendingMu guards the in-flight delivery a guest reads back through the
	// sdk imports while its hook runs.
	pendingMu    sync.Mutex
	pendingMsg   *broker.Message
	pendingTouch *ipc.TouchEvent
}

func (ent *entry) stashMessage(msg *broker.Message) {
	ent.pendingMu.Lock()
	ent.pendingMsg = msg
	ent.pendingMu.Unlock()
}

func (ent *entry) stashTouch(event *ipc.TouchEvent) {
	ent.pendingMu.Lock()
	ent.pendingTouch = event
	ent.pendingMu.Unlock()
}

var _ ipc.Executor = (*Executor)(nil)

// NewExecutor wires the executor. The checker screens every host function
// invocation at the declaration layer; grant state lives in the host process
// and the bridge dispatcher there makes the authoritative decision.
func NewExecutor(factory InstanceFactory, msgBroker *broker.Broker, checker *isolation.Checker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		factory: factory,
		broker:  msgBroker,
		checker: checker,
		gate:    isolation.NewDeclarationGate(checker),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// LoadPlugin instantiates the plugin and opens its broker route. Loading an
// already loaded plugin is a conflict, not an upsert.
func (e *Executor) LoadPlugin(req ipc.LoadRequest) (*ipc.LoadReply, error) {
	if errs := req.Descriptor.Validate(); len(errs) > 0 {
		return nil, wardenerr.Wrap(wardenerr.Join(errs...), wardenerr.CodePluginManifestInvalid,
			"validating descriptor", wardenerr.FieldPlugin(req.Descriptor.ID))
	}
	pluginID := req.Descriptor.ID

	e.mu.Lock()
	if _, exists := e.entries[pluginID]; exists {
		e.mu.Unlock()
		return nil, wardenerr.New(wardenerr.CodePluginAlreadyLoaded,
			"plugin already loaded", wardenerr.FieldPlugin(pluginID))
	}
	ent := &entry{desc: req.Descriptor}
	ent.mu.Lock()
	e.entries[pluginID] = ent
	e.mu.Unlock()
	defer ent.mu.Unlock()

	ctx := context.Background()
	inst, symbolCount, err := e.factory(ctx, req)
	if err != nil {
		e.mu.Lock()
		delete(e.entries, pluginID)
		e.mu.Unlock()
		return nil, err
	}
	ent.inst = inst

	e.checker.RegisterPlugin(pluginID, req.Descriptor.Permissions)
	e.broker.Register(pluginID)
	if err := e.broker.SetHandler(pluginID, func(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
		// Guests pull the envelope through sdk.message_envelope while the
		// hook runs.
		ent.stashMessage(msg)
		defer ent.stashMessage(nil)

		var resp *broker.Response
		err := e.guard(pluginID, "message", func() error {
			var err error
			resp, err = inst.HandleMessage(ctx, msg)
			return err
		})
		return resp, err
	}); err != nil {
		return nil, err
	}

	e.logger.Info("plugin loaded", "plugin", pluginID, "symbols", symbolCount)
	return &ipc.LoadReply{SymbolCount: symbolCount}, nil
}

func (e *Executor) EnablePlugin(pluginID string) error {
	return e.withEntry(pluginID, "enable", func(ctx context.Context, ent *entry) error {
		return ent.inst.Enable(ctx)
	})
}

func (e *Executor) DisablePlugin(pluginID string) error {
	return e.withEntry(pluginID, "disable", func(ctx context.Context, ent *entry) error {
		return ent.inst.Disable(ctx)
	})
}

// UnloadPlugin tears the instance down and releases every per-plugin
// resource: broker route, permission registration, rate limit buckets.
func (e *Executor) UnloadPlugin(pluginID string) error {
	err := e.withEntry(pluginID, "unload", func(ctx context.Context, ent *entry) error {
		return ent.inst.Unload(ctx)
	})
	if err != nil && !wardenerr.IsNotFound(err) {
		e.logger.Warn("plugin unload hook failed, releasing resources anyway",
			"plugin", pluginID, "error", err)
	}

	e.mu.Lock()
	delete(e.entries, pluginID)
	e.mu.Unlock()

	e.broker.Unregister(pluginID)
	e.checker.UnregisterPlugin(pluginID)

	return err
}

func (e *Executor) LoadedPlugins() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *Executor) PluginMetadata(pluginID string) (*plugin.Descriptor, error) {
	e.mu.RLock()
	ent, ok := e.entries[pluginID]
	e.mu.RUnlock()

	if !ok {
		return nil, wardenerr.New(wardenerr.CodePluginNotFound,
			"plugin not loaded", wardenerr.FieldPlugin(pluginID))
	}

	desc := ent.desc
	return &desc, nil
}

// Ping is the liveness probe. Reaching this code at all is the answer.
func (e *Executor) Ping() error { return nil }

func (e *Executor) RenderUI(pluginID string) (*uistate.Tree, error) {
	var tree *uistate.Tree
	err := e.withEntry(pluginID, "render_ui", func(ctx context.Context, ent *entry) error {
		var err error
		tree, err = ent.inst.RenderUI(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tree == nil {
		// WASM plugins publish through ui.push during the render call rather
		// than returning a tree.
		tree = e.cachedTree(pluginID)
	}
	if tree == nil {
		return nil, wardenerr.New(wardenerr.CodeUIStateInvalid,
			"plugin produced no ui state", wardenerr.FieldPlugin(pluginID))
	}
	tree.PluginID = pluginID
	if errs := tree.Validate(); len(errs) > 0 {
		return nil, wardenerr.Wrap(wardenerr.Join(errs...), wardenerr.CodeUIStateInvalid,
			"validating plugin ui state", wardenerr.FieldPlugin(pluginID))
	}
	return tree, nil
}

func (e *Executor) DispatchTouchEvent(pluginID string, event ipc.TouchEvent) error {
	return e.withEntry(pluginID, "touch", func(ctx context.Context, ent *entry) error {
		// Guests pull the event through sdk.touch_event while the hook runs.
		ent.stashTouch(&event)
		defer ent.stashTouch(nil)
		return ent.inst.HandleTouch(ctx, event)
	})
}

func (e *Executor) DestroyUI(pluginID string) error {
	return e.withEntry(pluginID, "destroy_ui", func(ctx context.Context, ent *entry) error {
		return ent.inst.DestroyUI(ctx)
	})
}

func (e *Executor) BrokerStats() (broker.Stats, error) {
	return e.broker.Stats(), nil
}

func (e *Executor) ConnectHostBridge(bridge ipc.HostBridge) error {
	e.bridgeMu.Lock()
	defer e.bridgeMu.Unlock()
	e.bridge = bridge
	return nil
}

// InvokeHostFunc is the single exit path from plugin code to the host. The
// executor stamps the caller identity itself; plugin-supplied caller fields
// never reach the bridge.
func (e *Executor) InvokeHostFunc(ctx context.Context, pluginID, fn string, args map[string]string, payload []byte) (*ipc.BridgeResult, error) {
	e.mu.RLock()
	_, loaded := e.entries[pluginID]
	e.mu.RUnlock()
	if !loaded {
		return nil, wardenerr.New(wardenerr.CodePluginNotFound,
			"host function call from unloaded plugin", wardenerr.FieldPlugin(pluginID))
	}

	if err := e.gate.Allow(ctx, pluginID, fn); err != nil {
		return nil, err
	}

	if fn == "ui.push" {
		if err := e.cacheTree(pluginID, payload); err != nil {
			return nil, err
		}
	}

	e.bridgeMu.RLock()
	bridge := e.bridge
	e.bridgeMu.RUnlock()
	if bridge == nil {
		return nil, wardenerr.New(wardenerr.CodeSandboxUnavailable, "host bridge not connected")
	}

	if fn == "message.send" {
		// Delivery never leaves this process, but the host must still
		// authorize the send: grant state lives there, not here.
		if _, err := bridge.Invoke(ipc.BridgeCall{Caller: pluginID, Function: fn}); err != nil {
			return nil, err
		}
		return e.sendMessage(ctx, pluginID, payload)
	}

	return bridge.Invoke(ipc.BridgeCall{
		Caller:   pluginID,
		Function: fn,
		Args:     args,
		Payload:  payload,
	})
}

// Guest data kinds served through the sdk read-back imports.
const (
	GuestDataMessage = "message"
	GuestDataTouch   = "touch"
)

// GuestData returns the JSON encoding of the delivery currently in flight for
// pluginID, or nil when nothing is being delivered. Valid only for the
// duration of the owning hook call.
func (e *Executor) GuestData(pluginID, kind string) []byte {
	e.mu.RLock()
	ent, ok := e.entries[pluginID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	ent.pendingMu.Lock()
	defer ent.pendingMu.Unlock()

	var v any
	switch kind {
	case GuestDataMessage:
		if ent.pendingMsg == nil {
			return nil
		}
		v = ent.pendingMsg
	case GuestDataTouch:
		if ent.pendingTouch == nil {
			return nil
		}
		v = ent.pendingTouch
	default:
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("encoding guest data", "plugin", pluginID, "kind", kind, "error", err)
		return nil
	}
	return data
}

// sendMessage decodes a message.send payload and routes it through the
// broker. The sender field is always the stamped caller, whatever the
// payload claims.
func (e *Executor) sendMessage(ctx context.Context, pluginID string, payload []byte) (*ipc.BridgeResult, error) {
	var msg broker.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecurityInvalidInput,
			"decoding message.send payload from %s", pluginID)
	}
	msg.Sender = pluginID

	resp, err := e.broker.Send(ctx, &msg)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(resp)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeSandboxRuntime, "encoding broker response")
	}
	return &ipc.BridgeResult{Payload: encoded}, nil
}

// cacheTree decodes a ui.push payload and remembers it as the plugin's
// latest state so RenderUI can answer without a second round trip.
func (e *Executor) cacheTree(pluginID string, payload []byte) error {
	var tree uistate.Tree
	if err := json.Unmarshal(payload, &tree); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeUIStateInvalid,
			"decoding ui.push payload from %s", pluginID)
	}
	tree.PluginID = pluginID
	if errs := tree.Validate(); len(errs) > 0 {
		return wardenerr.Wrap(wardenerr.Join(errs...), wardenerr.CodeUIStateInvalid,
			"validating pushed ui state", wardenerr.FieldPlugin(pluginID))
	}

	e.mu.RLock()
	ent, ok := e.entries[pluginID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	ent.uiMu.Lock()
	ent.lastTree = &tree
	ent.uiMu.Unlock()
	return nil
}

func (e *Executor) cachedTree(pluginID string) *uistate.Tree {
	e.mu.RLock()
	ent, ok := e.entries[pluginID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	ent.uiMu.Lock()
	defer ent.uiMu.Unlock()
	return ent.lastTree
}

// withEntry runs op under the plugin's entry lock with panic protection.
func (e *Executor) withEntry(pluginID, op string, fn func(ctx context.Context, ent *entry) error) error {
	e.mu.RLock()
	ent, ok := e.entries[pluginID]
	e.mu.RUnlock()

	if !ok {
		return wardenerr.New(wardenerr.CodePluginNotFound,
			"plugin not loaded", wardenerr.FieldPlugin(pluginID))
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	return e.guard(pluginID, op, func() error {
		return fn(context.Background(), ent)
	})
}

// guard converts plugin panics into typed failures so a misbehaving plugin
// never takes the executor process down with it.
func (e *Executor) guard(pluginID, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("plugin panicked", "plugin", pluginID, "op", op, "panic", rec)
			err = wardenerr.Errorf(wardenerr.CodeSandboxRuntime,
				"plugin %s panicked during %s: %v", pluginID, op, rec)
		}
	}()
	return fn()
}
