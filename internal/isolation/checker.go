// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package isolation implements the three sandbox-side enforcement layers:
// the permission pre-checker consulted before every capability bridge side
// effect, the symbol filter applied at module load, and the host-function
// gate covering the fixed SDK surface.
package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// AuditLogEscalationThreshold is the number of consecutive audit store append
// failures after which the log level escalates from Warn to Error.
const AuditLogEscalationThreshold = 3

// Checker decides whether a plugin may exercise a permission right now. The
// decision combines the manifest declaration, the permission class, and the
// persisted grant table. Every decision is written to the audit log.
type Checker struct {
	mu       sync.RWMutex
	grants   store.GrantStore
	audit    store.AuditStore
	declared map[string]map[string]struct{}

	auditIDCounter uint64
	auditFailCount atomic.Int64
}

// NewChecker creates a Checker backed by the given grant and audit stores.
// If audit is nil, audit logging is silently disabled (checks still enforced).
// If grants is nil, Check denies every dangerous permission; processes without
// grant state use CheckDeclared instead.
func NewChecker(grants store.GrantStore, audit store.AuditStore) *Checker {
	if audit == nil {
		slog.Warn("permission checker created with nil audit store; audit logging disabled")
	}

	return &Checker{
		grants:   grants,
		audit:    audit,
		declared: make(map[string]map[string]struct{}),
	}
}

// RegisterPlugin records the permissions a plugin's manifest declares. A
// permission not declared here is denied regardless of grants.
func (c *Checker) RegisterPlugin(pluginID string, permissions []string) {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		set[p] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared[pluginID] = set
}

// UnregisterPlugin drops a plugin's declared permission set.
func (c *Checker) UnregisterPlugin(pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.declared, pluginID)
}

// Check enforces the permission policy for one capability invocation. It
// returns nil only when the permission is declared, classified, and (for
// dangerous permissions) backed by a persisted user grant.
func (c *Checker) Check(ctx context.Context, pluginID, permission string) error {
	if pluginID == "" || permission == "" {
		return wardenerr.New(wardenerr.CodeSecurityInvalidInput,
			"permission check requires plugin id and permission name")
	}

	if !plugin.IsKnownPermission(permission) {
		return c.deny(ctx, pluginID, permission, "unknown_permission", wardenerr.CodePermissionUnknown)
	}

	c.mu.RLock()
	declared, registered := c.declared[pluginID]
	_, isDeclared := declared[permission]
	c.mu.RUnlock()

	if !registered {
		return c.deny(ctx, pluginID, permission, "plugin_not_registered", wardenerr.CodePermissionDenied)
	}
	if !isDeclared {
		return c.deny(ctx, pluginID, permission, "undeclared", wardenerr.CodePermissionDenied)
	}

	switch plugin.Classify(permission) {
	case plugin.ClassCritical:
		return c.deny(ctx, pluginID, permission, "critical_class", wardenerr.CodePermissionForbidden)
	case plugin.ClassNormal:
		c.auditDecision(ctx, pluginID, permission, "allowed", "normal_class")
		return nil
	}

	if c.grants == nil {
		return c.deny(ctx, pluginID, permission, "no_grant_store", wardenerr.CodePermissionDenied)
	}

	grant, err := c.grants.Get(ctx, pluginID, permission)
	if err != nil {
		if wardenerr.IsNotFound(err) {
			return c.deny(ctx, pluginID, permission, "no_grant", wardenerr.CodePermissionRequired)
		}
		return wardenerr.Wrapf(err, wardenerr.CodeStoreFailure,
			"reading grant for %q/%q", pluginID, permission)
	}
	if !grant.Granted {
		return c.deny(ctx, pluginID, permission, "grant_revoked", wardenerr.CodePermissionDenied)
	}

	c.auditDecision(ctx, pluginID, permission, "allowed", "granted")
	return nil
}

// CheckDeclared enforces every layer of the permission policy except the
// grant lookup: unknown, unregistered, undeclared and critical-class
// permissions are denied; declared dangerous permissions pass. The sandbox
// executor runs this layer in-process, leaving grant state and the final
// decision to the host.
func (c *Checker) CheckDeclared(ctx context.Context, pluginID, permission string) error {
	if pluginID == "" || permission == "" {
		return wardenerr.New(wardenerr.CodeSecurityInvalidInput,
			"permission check requires plugin id and permission name")
	}

	if !plugin.IsKnownPermission(permission) {
		return c.deny(ctx, pluginID, permission, "unknown_permission", wardenerr.CodePermissionUnknown)
	}

	c.mu.RLock()
	declared, registered := c.declared[pluginID]
	_, isDeclared := declared[permission]
	c.mu.RUnlock()

	if !registered {
		return c.deny(ctx, pluginID, permission, "plugin_not_registered", wardenerr.CodePermissionDenied)
	}
	if !isDeclared {
		return c.deny(ctx, pluginID, permission, "undeclared", wardenerr.CodePermissionDenied)
	}
	if plugin.Classify(permission) == plugin.ClassCritical {
		return c.deny(ctx, pluginID, permission, "critical_class", wardenerr.CodePermissionForbidden)
	}

	return nil
}

// MissingGrants returns the dangerous permissions in declared that have no
// affirmative persisted grant. The host supervisor consults this before the
// LOADED to ENABLED transition.
func (c *Checker) MissingGrants(ctx context.Context, pluginID string, declared []string) ([]string, error) {
	var missing []string
	for _, perm := range plugin.DangerousPermissions(declared) {
		grant, err := c.grants.Get(ctx, pluginID, perm)
		if err != nil {
			if wardenerr.IsNotFound(err) {
				missing = append(missing, perm)
				continue
			}
			return nil, wardenerr.Wrapf(err, wardenerr.CodeStoreFailure,
				"reading grant for %q/%q", pluginID, perm)
		}
		if !grant.Granted {
			missing = append(missing, perm)
		}
	}
	return missing, nil
}

func (c *Checker) deny(ctx context.Context, pluginID, permission, reason string, code wardenerr.Code) error {
	c.auditDecision(ctx, pluginID, permission, "denied", reason)

	return wardenerr.New(code,
		fmt.Sprintf("permission %q denied for plugin %q: %s", permission, pluginID, reason),
		wardenerr.FieldPlugin(pluginID),
		wardenerr.Field("permission", permission),
		wardenerr.Field("reason", reason))
}

// auditDecision is best-effort: the policy outcome stands whether or not the
// audit row lands, so failures log instead of propagating.
func (c *Checker) auditDecision(ctx context.Context, pluginID, permission, result, reason string) {
	if c.audit == nil {
		return
	}

	err := c.audit.Append(ctx, &store.AuditEntry{
		ID:        c.nextAuditID(),
		Timestamp: time.Now().UTC(),
		PluginID:  pluginID,
		Action:    "permission_check",
		Detail:    permission + ":" + reason,
		Result:    result,
	})
	if err == nil {
		c.auditFailCount.Store(0)
		return
	}

	consecutive := c.auditFailCount.Add(1)
	if consecutive >= AuditLogEscalationThreshold {
		slog.Error("audit log failure on permission decision (persistent)",
			"plugin", pluginID, "permission", permission,
			"error", err, "consecutive_failures", consecutive)
	} else {
		slog.Warn("audit log failure on permission decision",
			"plugin", pluginID, "permission", permission,
			"error", err, "consecutive_failures", consecutive)
	}
}

func (c *Checker) nextAuditID() string {
	seq := atomic.AddUint64(&c.auditIDCounter, 1)
	return fmt.Sprintf("aud-%d-%d", time.Now().UTC().UnixNano(), seq)
}
