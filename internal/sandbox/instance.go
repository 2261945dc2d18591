// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sandbox

import (
	"context"
	"os"
	"path/filepath"

	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Guest ABI: the lifecycle exports a plugin module may provide. Only
// warden_enable is mandatory; the rest are optional hooks.
const (
	exportEnable    = "warden_enable"
	exportDisable   = "warden_disable"
	exportUnload    = "warden_unload"
	exportOnMessage = "warden_on_message"
	exportRender    = "warden_render"
	exportOnTouch   = "warden_on_touch"
	exportDestroyUI = "warden_destroy_ui"
)

// wasmInstance adapts a loaded Module to the Instance interface. It keeps the
// owning Runtime so unload can release the module's symbol admissions.
type wasmInstance struct {
	module  *Module
	runtime *Runtime
}

var _ Instance = (*wasmInstance)(nil)

// NewWASMFactory returns an InstanceFactory that loads the module bytes from
// the package's entry point and instantiates them in runtime.
func NewWASMFactory(runtime *Runtime) InstanceFactory {
	return func(ctx context.Context, req ipc.LoadRequest) (Instance, int, error) {
		modulePath := filepath.Join(req.PackagePath, req.Descriptor.EntryPoint)
		wasmBytes, err := os.ReadFile(modulePath)
		if err != nil {
			return nil, 0, wardenerr.Wrapf(err, wardenerr.CodePluginLoadFailure,
				"reading module %s", modulePath)
		}

		module, err := runtime.LoadModule(ctx, req.Descriptor.ID, wasmBytes)
		if err != nil {
			return nil, 0, err
		}

		return &wasmInstance{module: module, runtime: runtime}, module.SymbolCount(), nil
	}
}

func (w *wasmInstance) Enable(ctx context.Context) error {
	if _, err := w.module.Call(ctx, exportEnable); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodePluginEnableFailure,
			"enable hook for %s", w.module.PluginID())
	}
	return nil
}

func (w *wasmInstance) Disable(ctx context.Context) error {
	return w.optionalHook(ctx, exportDisable, wardenerr.CodePluginDisableFailure)
}

// Unload runs the guest's unload hook, then releases the module and its
// symbol admissions. The module is torn down even when the hook fails; a
// misbehaving plugin does not get to pin executor resources on its way out.
func (w *wasmInstance) Unload(ctx context.Context) error {
	hookErr := w.optionalHook(ctx, exportUnload, wardenerr.CodePluginUnloadFailure)
	closeErr := w.module.Close(ctx)
	w.runtime.Forget(w.module.PluginID())
	if hookErr != nil {
		return hookErr
	}
	return closeErr
}

// HandleMessage signals the guest that a message arrived. The guest pulls the
// envelope through sdk.message_envelope while the hook runs; the broker
// response carries success or failure based on the hook's status.
func (w *wasmInstance) HandleMessage(ctx context.Context, msg *broker.Message) (*broker.Response, error) {
	if !w.exports(exportOnMessage) {
		return &broker.Response{Success: false, Error: "plugin has no message hook"}, nil
	}

	results, err := w.module.Call(ctx, exportOnMessage)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 && results[0] != 0 {
		return &broker.Response{Success: false, Error: "message hook reported failure"}, nil
	}
	return &broker.Response{Success: true}, nil
}

// RenderUI triggers the guest's render hook. The guest publishes its tree
// through sdk.ui_push during the call; the executor serves it from cache.
func (w *wasmInstance) RenderUI(ctx context.Context) (*uistate.Tree, error) {
	if !w.exports(exportRender) {
		return nil, wardenerr.Errorf(wardenerr.CodeUIStateInvalid,
			"plugin %s has no render hook", w.module.PluginID())
	}
	if _, err := w.module.Call(ctx, exportRender); err != nil {
		return nil, err
	}
	return nil, nil
}

// HandleTouch signals the guest about a user interaction. The guest pulls the
// event through sdk.touch_event while the hook runs.
func (w *wasmInstance) HandleTouch(ctx context.Context, event ipc.TouchEvent) error {
	if !w.exports(exportOnTouch) {
		return nil
	}
	_, err := w.module.Call(ctx, exportOnTouch)
	return err
}

func (w *wasmInstance) DestroyUI(ctx context.Context) error {
	return w.optionalHook(ctx, exportDestroyUI, wardenerr.CodeUIDispatchFailure)
}

func (w *wasmInstance) optionalHook(ctx context.Context, name string, code wardenerr.Code) error {
	if !w.exports(name) {
		return nil
	}
	if _, err := w.module.Call(ctx, name); err != nil {
		return wardenerr.Wrapf(err, code, "%s hook for %s", name, w.module.PluginID())
	}
	return nil
}

func (w *wasmInstance) exports(name string) bool {
	return w.module.instance.ExportedFunction(name) != nil
}
