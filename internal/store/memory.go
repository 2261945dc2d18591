// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

type grantKey struct {
	pluginID   string
	permission string
}

// MemoryGrantStore is the in-memory GrantStore used by tests and the
// "memory" storage backend.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[grantKey]*Grant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[grantKey]*Grant)}
}

func (s *MemoryGrantStore) Put(ctx context.Context, grant *Grant) error {
	if grant.PluginID == "" || grant.Permission == "" {
		return wardenerr.New(wardenerr.CodeStoreInvalidInput, "grant requires plugin id and permission")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *grant
	s.grants[grantKey{grant.PluginID, grant.Permission}] = &copied
	return nil
}

func (s *MemoryGrantStore) Get(ctx context.Context, pluginID, permission string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[grantKey{pluginID, permission}]
	if !ok {
		return nil, wardenerr.New(wardenerr.CodeStoreNotFound, "no grant decision recorded",
			wardenerr.FieldPlugin(pluginID), wardenerr.Field("permission", permission))
	}

	copied := *g
	return &copied, nil
}

func (s *MemoryGrantStore) Granted(ctx context.Context, pluginID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for key, g := range s.grants {
		if key.pluginID == pluginID && g.Granted {
			names = append(names, key.permission)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryGrantStore) Revoke(ctx context.Context, pluginID, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants, grantKey{pluginID, permission})
	return nil
}

func (s *MemoryGrantStore) RevokeAll(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.grants {
		if key.pluginID == pluginID {
			delete(s.grants, key)
		}
	}
	return nil
}

func (s *MemoryGrantStore) Close() error { return nil }

// MemoryAuditStore is the in-memory AuditStore.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.PluginID == "" || entry.Action == "" {
		return wardenerr.New(wardenerr.CodeStoreInvalidInput, "audit entry requires plugin id and action")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	s.entries = append(s.entries, &copied)
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !matchesFilter(e, filter) {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryAuditStore) CountViolations(ctx context.Context, pluginID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, e := range s.entries {
		if e.PluginID == pluginID && e.Result == "denied" && !e.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryAuditStore) Close() error { return nil }

// MemoryKVStore is the in-memory KVStore.
type MemoryKVStore struct {
	mu   sync.RWMutex
	data map[grantKey][]byte // reuses the (plugin, key) composite shape
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{data: make(map[grantKey][]byte)}
}

func (s *MemoryKVStore) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[grantKey{pluginID, key}]
	if !ok {
		return nil, wardenerr.New(wardenerr.CodeStoreNotFound, "key not found",
			wardenerr.FieldPlugin(pluginID), wardenerr.Field("key", key))
	}

	copied := make([]byte, len(v))
	copy(copied, v)
	return copied, nil
}

func (s *MemoryKVStore) Put(ctx context.Context, pluginID, key string, value []byte) error {
	if pluginID == "" || key == "" {
		return wardenerr.New(wardenerr.CodeStoreInvalidInput, "kv put requires plugin id and key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]byte, len(value))
	copy(copied, value)
	s.data[grantKey{pluginID, key}] = copied
	return nil
}

func (s *MemoryKVStore) Delete(ctx context.Context, pluginID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, grantKey{pluginID, key})
	return nil
}

func (s *MemoryKVStore) Keys(ctx context.Context, pluginID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if k.pluginID == pluginID {
			keys = append(keys, k.permission)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryKVStore) DeleteAll(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.data {
		if k.pluginID == pluginID {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *MemoryKVStore) Close() error { return nil }

func matchesFilter(e *AuditEntry, f AuditFilter) bool {
	if f.PluginID != "" && e.PluginID != f.PluginID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
