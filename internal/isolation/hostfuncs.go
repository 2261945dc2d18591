// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package isolation

import (
	"context"
	"sort"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// hostFuncPermissions is the fixed SDK surface exposed to sandboxed plugins.
// Each host function maps to the permission it exercises. Anything not in
// this table does not exist as far as plugins are concerned.
var hostFuncPermissions = map[string]string{
	"storage.get":    plugin.PermStorage,
	"storage.put":    plugin.PermStorage,
	"storage.delete": plugin.PermStorage,

	"log.write": plugin.PermLogger,

	"system.info": plugin.PermSystemInfo,

	"http.get": plugin.PermNetwork,

	"fs.read":   plugin.PermFileSystem,
	"fs.write":  plugin.PermFileSystem,
	"fs.delete": plugin.PermFileSystem,
	"fs.list":   plugin.PermFileSystem,

	"camera.capture": plugin.PermCamera,

	"bluetooth.scan": plugin.PermBluetooth,

	"printer.submit": plugin.PermPrinter,

	"message.send": plugin.PermMessaging,

	"ui.push":    plugin.PermUIRender,
	"ui.destroy": plugin.PermUIRender,
}

// HostFuncGate admits or rejects calls onto the host function surface. The
// table is closed: an unlisted function name is rejected without consulting
// the permission checker.
type HostFuncGate struct {
	checker      *Checker
	declaredOnly bool
}

// NewHostFuncGate creates a gate that resolves permissions through checker,
// grant lookup included. The host supervisor runs this gate; it is the
// authoritative decision.
func NewHostFuncGate(checker *Checker) *HostFuncGate {
	return &HostFuncGate{checker: checker}
}

// NewDeclarationGate creates a gate that stops at the declaration layer:
// undeclared and critical permissions are rejected, grant state is never
// consulted. The sandbox executor runs this gate as a cheap first screen; the
// host gate still decides.
func NewDeclarationGate(checker *Checker) *HostFuncGate {
	return &HostFuncGate{checker: checker, declaredOnly: true}
}

// Allow returns nil when pluginID may invoke the named host function.
func (g *HostFuncGate) Allow(ctx context.Context, pluginID, fn string) error {
	permission, ok := hostFuncPermissions[fn]
	if !ok {
		return wardenerr.New(wardenerr.CodeSecurityHostFuncDenied,
			"host function not in SDK surface",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("function", fn))
	}

	check := g.checker.Check
	if g.declaredOnly {
		check = g.checker.CheckDeclared
	}
	if err := check(ctx, pluginID, permission); err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeSecurityHostFuncDenied,
			"host function %q requires %s", fn, permission)
	}

	return nil
}

// HostFunctions returns the full SDK surface, sorted by name.
func HostFunctions() []string {
	names := make([]string, 0, len(hostFuncPermissions))
	for name := range hostFuncPermissions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredPermission returns the permission a host function exercises.
func RequiredPermission(fn string) (string, bool) {
	permission, ok := hostFuncPermissions[fn]
	return permission, ok
}
