// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package sandbox is the executor process: it instantiates plugin modules in
// a restricted WASM runtime, wraps every entry into plugin code behind a
// protective recover, and routes inter-plugin messages through the broker.
package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/warden-dev/warden/internal/isolation"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Runtime wraps a wazero runtime with the symbol filter applied at load and
// an execution timeout applied to every call into plugin code.
type Runtime struct {
	runtime     wazero.Runtime
	filter      *isolation.SymbolFilter
	execTimeout time.Duration
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithExecTimeout bounds every call into plugin code. Zero disables the
// bound.
func WithExecTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		r.execTimeout = d
	}
}

// NewRuntime creates the restricted runtime. WithCloseOnContextDone makes
// context cancellation interrupt in-flight plugin execution, which is what
// turns the exec timeout into a hard stop.
func NewRuntime(filter *isolation.SymbolFilter, opts ...RuntimeOption) *Runtime {
	r := &Runtime{filter: filter}
	for _, o := range opts {
		o(r)
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r.runtime = wazero.NewRuntimeWithConfig(context.Background(), cfg)

	return r
}

// LoadModule compiles wasmBytes, screens every imported symbol through the
// filter, and only then instantiates. A single denied import aborts the load
// before any plugin code runs.
func (r *Runtime) LoadModule(ctx context.Context, pluginID string, wasmBytes []byte) (*Module, error) {
	if strings.TrimSpace(pluginID) == "" {
		return nil, wardenerr.New(wardenerr.CodeSecurityInvalidInput, "module load requires plugin id")
	}

	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSandboxStartFailure,
			"compiling module for %s", pluginID)
	}

	if err := r.filter.AdmitAll(pluginID, importedSymbols(compiled)); err != nil {
		_ = compiled.Close(ctx)
		r.filter.Forget(pluginID)
		return nil, err
	}

	instance, err := r.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(pluginID))
	if err != nil {
		_ = compiled.Close(ctx)
		r.filter.Forget(pluginID)
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSandboxStartFailure,
			"instantiating module for %s", pluginID)
	}

	return &Module{
		pluginID:    pluginID,
		instance:    instance,
		symbolCount: r.filter.Count(pluginID),
		execTimeout: r.execTimeout,
	}, nil
}

// InstantiateSDK registers the sdk host module with this runtime so plugin
// modules can import it. Must run before the first LoadModule.
func (r *Runtime) InstantiateSDK(ctx context.Context, calls HostCalls, logger *slog.Logger) error {
	return InstantiateSDK(ctx, r.runtime, calls, logger)
}

// Forget releases the symbol admissions recorded for pluginID. Called when
// the plugin's module is torn down so the filter's bookkeeping does not
// accumulate across load and unload cycles.
func (r *Runtime) Forget(pluginID string) {
	r.filter.Forget(pluginID)
}

// Close shuts the runtime down, releasing all modules.
func (r *Runtime) Close() error {
	return r.runtime.Close(context.Background())
}

// importedSymbols flattens a compiled module's imports into filterable
// "module.name" symbols.
func importedSymbols(compiled wazero.CompiledModule) []string {
	imports := compiled.ImportedFunctions()
	symbols := make([]string, 0, len(imports))
	for _, fn := range imports {
		module, name, ok := fn.Import()
		if !ok {
			continue
		}
		symbols = append(symbols, module+"."+name)
	}
	return symbols
}

// Module is one instantiated plugin module.
type Module struct {
	pluginID    string
	instance    api.Module
	symbolCount int
	execTimeout time.Duration
}

// PluginID returns the owning plugin.
func (m *Module) PluginID() string { return m.pluginID }

// SymbolCount reports how many distinct imports the filter admitted.
func (m *Module) SymbolCount() int { return m.symbolCount }

// Close releases the module instance.
func (m *Module) Close(ctx context.Context) error {
	return m.instance.Close(ctx)
}

// Call invokes an exported function under the runtime's exec timeout.
func (m *Module) Call(ctx context.Context, fnName string, params ...uint64) ([]uint64, error) {
	if m.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.execTimeout)
		defer cancel()
	}

	fn := m.instance.ExportedFunction(fnName)
	if fn == nil {
		return nil, wardenerr.Errorf(wardenerr.CodeSandboxRuntime,
			"function %q not exported by plugin %s", fnName, m.pluginID)
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wardenerr.Wrapf(err, wardenerr.CodeSandboxCallTimeout,
				"calling %q in plugin %s", fnName, m.pluginID)
		}
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSandboxRuntime,
			"calling %q in plugin %s", fnName, m.pluginID)
	}

	return results, nil
}
