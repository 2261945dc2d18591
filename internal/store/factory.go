// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package store

import (
	"sync"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Backend constructs the grant and audit stores for one storage backend.
type Backend func(path string) (GrantStore, AuditStore, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
)

// RegisterBackend makes a storage backend available to Open. Called from
// backend package init functions (blank import selects the backend).
func RegisterBackend(name string, factory Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// Open constructs the stores for the named backend.
func Open(backend, path string) (GrantStore, AuditStore, error) {
	if backend == "memory" {
		return NewMemoryGrantStore(), NewMemoryAuditStore(), nil
	}

	backendsMu.RLock()
	factory, ok := backends[backend]
	backendsMu.RUnlock()

	if !ok {
		return nil, nil, wardenerr.Errorf(wardenerr.CodeStoreInvalidInput,
			"unknown storage backend %q", backend)
	}

	return factory(path)
}
