// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package host is the supervisor process: it owns the plugin lifecycle state
// machine, the sandbox session, grant decisions and the control API's
// backing operations. No plugin code ever runs in this process.
package host

import (
	"time"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// State is the lifecycle state of a managed plugin.
type State int

const (
	StateDiscovered State = iota
	StateLoaded
	StateEnabled
	StateDisabled
	StateUnloaded
	StateError
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateUnloaded:
		return "unloaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions defines allowed state transitions as an adjacency list.
// ERROR is reachable from every live state; the only way out of it is
// unload.
var validTransitions = map[State]map[State]bool{
	StateDiscovered: {
		StateLoaded: true,
		StateError:  true,
	},
	StateLoaded: {
		StateEnabled:  true,
		StateUnloaded: true,
		StateError:    true,
	},
	StateEnabled: {
		StateDisabled: true,
		StateError:    true,
	},
	StateDisabled: {
		StateEnabled:  true,
		StateUnloaded: true,
		StateError:    true,
	},
	StateError: {
		StateUnloaded: true,
	},
	StateUnloaded: {},
}

// ValidTransition reports whether from -> to is an allowed transition.
func ValidTransition(from, to State) bool {
	allowed, exists := validTransitions[from][to]
	return exists && allowed
}

// Record is the supervisor's bookkeeping for one managed plugin. Mutation
// happens only under the owning entry's lock in the Supervisor.
type Record struct {
	Descriptor  plugin.Descriptor `json:"descriptor"`
	State       State             `json:"state"`
	PackagePath string            `json:"package_path"`
	PackageHash string            `json:"package_hash"`
	SymbolCount int               `json:"symbol_count"`
	LoadedAt    time.Time         `json:"loaded_at"`
	EnabledAt   time.Time         `json:"enabled_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// transition moves the record to next or fails with the transition error.
func (r *Record) transition(next State) error {
	if !ValidTransition(r.State, next) {
		return wardenerr.Errorf(wardenerr.CodePluginTransitionInvalid,
			"invalid state transition for %s: %s -> %s", r.Descriptor.ID, r.State, next)
	}
	r.State = next
	return nil
}

// markError force-moves the record to ERROR, recording why. Used when the
// sandbox fails underneath us; it bypasses the adjacency check because every
// live state may degrade.
func (r *Record) markError(err error) {
	if r.State != StateUnloaded {
		r.State = StateError
	}
	if err != nil {
		r.LastError = err.Error()
	}
}
