// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/isolation"
	"github.com/warden-dev/warden/internal/ratelimit"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Rate limit bucket names for bridge traffic.
const (
	methodFileOp  = "FileOp"
	methodHTTPGet = "HTTPGet"
	methodUIPush  = "PushUIState"
	methodSend    = "SendMessage"
)

// kvRequest is the storage.* payload.
type kvRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// fileRequest is the fs.* payload.
type fileRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data,omitempty"`
}

// httpRequest is the http.get payload.
type httpRequest struct {
	URL string `json:"url"`
}

// logRequest is the log.write payload.
type logRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// systemInfo is the system.info reply.
type systemInfo struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	HostVersion string `json:"host_version"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Dispatcher is the host end of the sandbox callback channel. Every call is
// attributed by the executor; the dispatcher re-verifies that attribution
// against the plugins this session actually loaded, then runs the permission
// gate against host-owned grant state before doing anything. The executor's
// own declaration screen is advisory; this check is the decision.
type Dispatcher struct {
	limiter     *ratelimit.Limiter
	gate        *isolation.HostFuncGate
	files       *FileBridge
	http        *HTTPBridge
	kv          store.KVStore
	ui          *uistate.Mediator
	logger      *slog.Logger
	hostVersion string

	mu      sync.RWMutex
	callers map[string]struct{}
}

var _ ipc.HostBridge = (*Dispatcher)(nil)

// NewDispatcher wires the bridge backends. limiter may be nil (tests); a nil
// gate fails closed and denies every call.
func NewDispatcher(limiter *ratelimit.Limiter, gate *isolation.HostFuncGate, files *FileBridge, httpBridge *HTTPBridge, kv store.KVStore, ui *uistate.Mediator, hostVersion string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		limiter:     limiter,
		gate:        gate,
		files:       files,
		http:        httpBridge,
		kv:          kv,
		ui:          ui,
		logger:      logger,
		hostVersion: hostVersion,
		callers:     make(map[string]struct{}),
	}
}

// RegisterCaller marks pluginID as a legitimate call source. The supervisor
// calls this when a plugin loads.
func (d *Dispatcher) RegisterCaller(pluginID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callers[pluginID] = struct{}{}
}

// UnregisterCaller revokes the attribution on unload.
func (d *Dispatcher) UnregisterCaller(pluginID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.callers, pluginID)
}

// Invoke routes one sandbox call to its backend.
func (d *Dispatcher) Invoke(call ipc.BridgeCall) (*ipc.BridgeResult, error) {
	d.mu.RLock()
	_, known := d.callers[call.Caller]
	d.mu.RUnlock()
	if !known {
		d.logger.Warn("bridge call with unverifiable caller",
			"caller", call.Caller, "function", call.Function)
		return nil, wardenerr.New(wardenerr.CodeBridgeSpoofedCaller,
			"caller is not a loaded plugin",
			wardenerr.FieldPlugin(call.Caller),
			wardenerr.Field("function", call.Function))
	}

	ctx := context.Background()
	if err := d.permit(ctx, call); err != nil {
		return nil, err
	}
	if err := d.allow(call); err != nil {
		return nil, err
	}

	switch call.Function {
	case "log.write":
		return d.writeLog(call)
	case "system.info":
		return d.systemInfo()
	case "storage.get", "storage.put", "storage.delete":
		return d.storage(ctx, call)
	case "fs.read", "fs.write", "fs.delete", "fs.list":
		return d.file(call)
	case "http.get":
		return d.httpGet(ctx, call)
	case "ui.push":
		return d.uiPush(call)
	case "ui.destroy":
		return nil, d.ui.Destroy(call.Caller)
	case "message.send":
		// Delivery stays inside the executor process; this call exists so the
		// grant and rate checks above run against host state before it happens.
		return &ipc.BridgeResult{}, nil
	default:
		return nil, wardenerr.New(wardenerr.CodeSecurityHostFuncDenied,
			"function has no host backend",
			wardenerr.FieldPlugin(call.Caller),
			wardenerr.Field("function", call.Function))
	}
}

// permit runs the permission gate before any backend or side effect. No gate
// means no calls.
func (d *Dispatcher) permit(ctx context.Context, call ipc.BridgeCall) error {
	if d.gate == nil {
		return wardenerr.New(wardenerr.CodeSecurityHostFuncDenied,
			"bridge has no permission gate",
			wardenerr.FieldPlugin(call.Caller),
			wardenerr.Field("function", call.Function))
	}
	return d.gate.Allow(ctx, call.Caller, call.Function)
}

func (d *Dispatcher) allow(call ipc.BridgeCall) error {
	if d.limiter == nil {
		return nil
	}

	var method string
	switch call.Function {
	case "fs.read", "fs.write", "fs.delete", "fs.list":
		method = methodFileOp
	case "http.get":
		method = methodHTTPGet
	case "ui.push":
		method = methodUIPush
	case "message.send":
		method = methodSend
	default:
		return nil
	}
	return d.limiter.Allow(call.Caller, method)
}

func (d *Dispatcher) writeLog(call ipc.BridgeCall) (*ipc.BridgeResult, error) {
	var req logRequest
	if err := json.Unmarshal(call.Payload, &req); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecurityInvalidInput,
			"decoding log.write payload from %s", call.Caller)
	}

	logger := d.logger.With("plugin", call.Caller)
	switch req.Level {
	case "debug":
		logger.Debug(req.Message)
	case "warn":
		logger.Warn(req.Message)
	case "error":
		logger.Error(req.Message)
	default:
		logger.Info(req.Message)
	}
	return &ipc.BridgeResult{}, nil
}

func (d *Dispatcher) systemInfo() (*ipc.BridgeResult, error) {
	payload, err := json.Marshal(systemInfo{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		HostVersion: d.hostVersion,
		TimestampMS: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeServerInternalFailure, "encoding system info")
	}
	return &ipc.BridgeResult{Payload: payload}, nil
}

func (d *Dispatcher) storage(ctx context.Context, call ipc.BridgeCall) (*ipc.BridgeResult, error) {
	var req kvRequest
	if err := json.Unmarshal(call.Payload, &req); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecurityInvalidInput,
			"decoding storage payload from %s", call.Caller)
	}

	switch call.Function {
	case "storage.get":
		value, err := d.kv.Get(ctx, call.Caller, req.Key)
		if err != nil {
			return nil, err
		}
		return &ipc.BridgeResult{Payload: value}, nil
	case "storage.put":
		return &ipc.BridgeResult{}, d.kv.Put(ctx, call.Caller, req.Key, req.Value)
	default:
		return &ipc.BridgeResult{}, d.kv.Delete(ctx, call.Caller, req.Key)
	}
}

func (d *Dispatcher) file(call ipc.BridgeCall) (*ipc.BridgeResult, error) {
	var req fileRequest
	if err := json.Unmarshal(call.Payload, &req); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecurityInvalidInput,
			"decoding fs payload from %s", call.Caller)
	}

	switch call.Function {
	case "fs.read":
		data, err := d.files.Read(call.Caller, req.Path)
		if err != nil {
			return nil, err
		}
		return &ipc.BridgeResult{Payload: data}, nil
	case "fs.write":
		return &ipc.BridgeResult{}, d.files.Write(call.Caller, req.Path, req.Data)
	case "fs.delete":
		return &ipc.BridgeResult{}, d.files.Delete(call.Caller, req.Path)
	default:
		names, err := d.files.List(call.Caller, req.Path)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(names)
		if err != nil {
			return nil, wardenerr.Wrap(err, wardenerr.CodeServerInternalFailure, "encoding file list")
		}
		return &ipc.BridgeResult{Payload: payload}, nil
	}
}

func (d *Dispatcher) httpGet(ctx context.Context, call ipc.BridgeCall) (*ipc.BridgeResult, error) {
	var req httpRequest
	if err := json.Unmarshal(call.Payload, &req); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeSecurityInvalidInput,
			"decoding http payload from %s", call.Caller)
	}

	result, err := d.http.Get(ctx, call.Caller, req.URL)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeServerInternalFailure, "encoding fetch result")
	}
	return &ipc.BridgeResult{Payload: payload}, nil
}

func (d *Dispatcher) uiPush(call ipc.BridgeCall) (*ipc.BridgeResult, error) {
	var tree uistate.Tree
	if err := json.Unmarshal(call.Payload, &tree); err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeUIStateInvalid,
			"decoding ui.push payload from %s", call.Caller)
	}
	// Identity is the verified caller, not whatever the payload says.
	tree.PluginID = call.Caller

	diff, err := d.ui.Push(&tree)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(diff)
	if err != nil {
		return nil, wardenerr.Wrap(err, wardenerr.CodeServerInternalFailure, "encoding ui diff")
	}
	return &ipc.BridgeResult{Payload: payload}, nil
}
