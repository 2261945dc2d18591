// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package sandbox

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/warden-dev/warden/internal/ipc"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Guest-visible status codes returned by every sdk export.
const (
	statusOK          uint32 = 0
	statusDenied      uint32 = 1
	statusRateLimited uint32 = 2
	statusFailure     uint32 = 3
)

// HostCalls is what the sdk host module needs from the executor: a single
// gated exit path plus read-back access to the delivery currently in flight.
// The executor attributes calls by module name, so guests cannot claim
// another plugin's identity.
type HostCalls interface {
	InvokeHostFunc(ctx context.Context, pluginID, fn string, args map[string]string, payload []byte) (*ipc.BridgeResult, error)
	GuestData(pluginID, kind string) []byte
}

// InstantiateSDK builds the "sdk" host module inside runtime. Every forward
// export reads its payload out of guest memory, forwards through calls, and
// maps the outcome to a status code the guest can branch on. The read-back
// exports (message_envelope, touch_event) copy the in-flight delivery into a
// guest buffer instead: they return the JSON length, writing only when the
// buffer holds it, so a guest sizes with a zero-capacity call first.
func InstantiateSDK(ctx context.Context, runtime wazero.Runtime, calls HostCalls, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	forward := func(fn string) func(ctx context.Context, m api.Module, ptr, size uint32) uint32 {
		return func(ctx context.Context, m api.Module, ptr, size uint32) uint32 {
			payload, ok := m.Memory().Read(ptr, size)
			if !ok {
				logger.Warn("sdk call with out-of-range payload",
					"plugin", m.Name(), "function", fn, "ptr", ptr, "size", size)
				return statusFailure
			}

			// Copy before the guest can touch the memory again.
			owned := make([]byte, len(payload))
			copy(owned, payload)

			_, err := calls.InvokeHostFunc(ctx, m.Name(), fn, nil, owned)
			return statusFromError(err)
		}
	}

	readBack := func(kind string) func(ctx context.Context, m api.Module, ptr, capacity uint32) uint32 {
		return func(ctx context.Context, m api.Module, ptr, capacity uint32) uint32 {
			data := calls.GuestData(m.Name(), kind)
			if len(data) == 0 {
				return 0
			}
			if uint32(len(data)) > capacity {
				return uint32(len(data))
			}
			if !m.Memory().Write(ptr, data) {
				logger.Warn("sdk read-back into out-of-range buffer",
					"plugin", m.Name(), "kind", kind, "ptr", ptr, "capacity", capacity)
				return 0
			}
			return uint32(len(data))
		}
	}

	_, err := runtime.NewHostModuleBuilder("sdk").
		NewFunctionBuilder().WithFunc(forward("log.write")).Export("log_write").
		NewFunctionBuilder().WithFunc(forward("storage.get")).Export("storage_get").
		NewFunctionBuilder().WithFunc(forward("storage.put")).Export("storage_put").
		NewFunctionBuilder().WithFunc(forward("storage.delete")).Export("storage_delete").
		NewFunctionBuilder().WithFunc(forward("system.info")).Export("system_info").
		NewFunctionBuilder().WithFunc(forward("http.get")).Export("http_get").
		NewFunctionBuilder().WithFunc(forward("fs.read")).Export("fs_read").
		NewFunctionBuilder().WithFunc(forward("fs.write")).Export("fs_write").
		NewFunctionBuilder().WithFunc(forward("fs.delete")).Export("fs_delete").
		NewFunctionBuilder().WithFunc(forward("fs.list")).Export("fs_list").
		NewFunctionBuilder().WithFunc(forward("message.send")).Export("message_send").
		NewFunctionBuilder().WithFunc(readBack(GuestDataMessage)).Export("message_envelope").
		NewFunctionBuilder().WithFunc(readBack(GuestDataTouch)).Export("touch_event").
		NewFunctionBuilder().WithFunc(forward("ui.push")).Export("ui_push").
		NewFunctionBuilder().WithFunc(forward("ui.destroy")).Export("ui_destroy").
		Instantiate(ctx)
	if err != nil {
		return wardenerr.Wrap(err, wardenerr.CodeSandboxStartFailure, "instantiating sdk host module")
	}

	return nil
}

func statusFromError(err error) uint32 {
	switch {
	case err == nil:
		return statusOK
	case wardenerr.IsDenied(err):
		return statusDenied
	case wardenerr.IsRateLimited(err):
		return statusRateLimited
	default:
		return statusFailure
	}
}
