// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package store defines the persistence interfaces for trust-sensitive host
// state: permission grants (survive restarts) and the security audit log.
// Runtime records, rate buckets and broker state are never persisted.
package store

import (
	"context"
	"time"
)

// GrantStore persists user permission-consent decisions per plugin.
// Keys are (pluginID, permission); values record whether consent was given.
type GrantStore interface {
	// Put records a consent decision, overwriting any prior decision.
	Put(ctx context.Context, grant *Grant) error
	// Get returns the decision for (pluginID, permission), or
	// CodeStoreNotFound when no decision was ever recorded.
	Get(ctx context.Context, pluginID, permission string) (*Grant, error)
	// Granted lists the permission names with granted=true for pluginID.
	Granted(ctx context.Context, pluginID string) ([]string, error)
	// Revoke deletes a single decision. Deleting an absent key is a no-op.
	Revoke(ctx context.Context, pluginID, permission string) error
	// RevokeAll deletes every decision for pluginID. Called on unload.
	RevokeAll(ctx context.Context, pluginID string) error
	Close() error
}

// AuditStore records security-relevant decisions: permission checks, symbol
// filter rejections, rate-limit trips. Append-only.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	// Query returns entries matching filter, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	// CountViolations counts denied decisions for a plugin since the given
	// time. The supervisor's violation-threshold policy reads this.
	CountViolations(ctx context.Context, pluginID string, since time.Time) (int64, error)
	Close() error
}

// KVStore is the namespaced key/value storage behind the STORAGE bridge.
// Every plugin sees only its own namespace.
type KVStore interface {
	Get(ctx context.Context, pluginID, key string) ([]byte, error)
	Put(ctx context.Context, pluginID, key string, value []byte) error
	Delete(ctx context.Context, pluginID, key string) error
	// Keys lists the plugin's keys, sorted.
	Keys(ctx context.Context, pluginID string) ([]string, error)
	// DeleteAll clears the plugin's namespace. Called on unload.
	DeleteAll(ctx context.Context, pluginID string) error
	Close() error
}

// Grant is one (plugin, permission) consent decision.
type Grant struct {
	PluginID   string
	Permission string
	Granted    bool
	Dangerous  bool
	DecidedAt  time.Time
}

// AuditEntry records a single security decision.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	PluginID  string
	Action    string // e.g. "permission_check", "symbol_filter", "rate_limit"
	Detail    string
	Result    string // "allowed" or "denied"
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	PluginID string
	Action   string
	Result   string
	From     time.Time
	To       time.Time
	Limit    int
}
