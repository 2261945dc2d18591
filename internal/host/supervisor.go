// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package host

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/config"
	"github.com/warden-dev/warden/internal/deps"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/isolation"
	"github.com/warden-dev/warden/internal/ratelimit"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// HostAPILevel is the plugin API level this host implements. Manifests
// declaring min_api_level above it, or max_api_level below it, are rejected
// at load.
const HostAPILevel = 3

// CallerRegistry is the subset of the capability bridge dispatcher the
// supervisor drives: callers become invocable on load and stop being
// invocable on unload.
type CallerRegistry interface {
	RegisterCaller(pluginID string)
	UnregisterCaller(pluginID string)
}

// Supervisor owns the lifecycle of every managed plugin. It is the only
// writer of lifecycle state; the control API and CLI read through it.
type Supervisor struct {
	cfg         *config.Config
	proxy       *Proxy
	checker     *isolation.Checker
	limiter     *ratelimit.Limiter
	grants      store.GrantStore
	audit       store.AuditStore
	kv          store.KVStore
	callers     CallerRegistry
	bridge      ipc.HostBridge
	logger      *slog.Logger
	hostVersion *goversion.Version

	mu      sync.RWMutex
	records map[string]*managed
}

// managed pairs a record with its own lock so lifecycle operations on
// different plugins never serialize against each other.
type managed struct {
	mu  sync.Mutex
	rec Record
}

// SupervisorDeps carries the collaborators a Supervisor needs. All fields
// except Logger are required.
type SupervisorDeps struct {
	Config  *config.Config
	Proxy   *Proxy
	Checker *isolation.Checker
	Limiter *ratelimit.Limiter
	Grants  store.GrantStore
	Audit   store.AuditStore
	KV      store.KVStore
	Callers CallerRegistry
	Bridge  ipc.HostBridge
	Logger  *slog.Logger
}

// NewSupervisor creates a Supervisor. hostVersion must be valid semver; it is
// compared against manifest min_host_version constraints.
func NewSupervisor(d SupervisorDeps, hostVersion string) (*Supervisor, error) {
	v, err := goversion.NewSemver(hostVersion)
	if err != nil {
		return nil, wardenerr.Wrapf(err, wardenerr.CodeConfigInvalidValue,
			"host version %q is not valid semver", hostVersion)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:         d.Config,
		proxy:       d.Proxy,
		checker:     d.Checker,
		limiter:     d.Limiter,
		grants:      d.Grants,
		audit:       d.Audit,
		kv:          d.KV,
		callers:     d.Callers,
		bridge:      d.Bridge,
		logger:      logger,
		hostVersion: v,
		records:     make(map[string]*managed),
	}
	s.proxy.SetFailureHandler(s.onSandboxFailure)
	return s, nil
}

// Start connects the sandbox session and attaches the capability bridge.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.proxy.Connect(ctx); err != nil {
		return err
	}
	if s.bridge != nil {
		if err := s.proxy.ConnectHostBridge(s.bridge); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the sandbox session down. Loaded plugins are not unloaded
// first; their state is process-local and dies with the session.
func (s *Supervisor) Stop() {
	s.proxy.Close()
}

// Load validates, extracts and loads the package at path into the sandbox.
// expectedHash, when non-empty, is the required SHA-256 of the archive.
func (s *Supervisor) Load(ctx context.Context, path, expectedHash string) (*Record, error) {
	pkg, err := OpenPackage(path, s.cfg.Plugins, s.cfg.Plugins.Dir, expectedHash)
	if err != nil {
		return nil, err
	}
	desc := pkg.Descriptor

	if err := s.checkCompatibility(&desc); err != nil {
		return nil, err
	}
	if err := s.limiter.Allow(desc.ID, "LoadPlugin"); err != nil {
		return nil, err
	}

	m, err := s.claim(desc.ID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rec = Record{
		Descriptor:  desc,
		State:       StateDiscovered,
		PackagePath: path,
		PackageHash: pkg.Hash,
	}

	reply, err := s.proxy.LoadPlugin(ipc.LoadRequest{Descriptor: desc, PackagePath: pkg.Dir})
	if err != nil {
		// The record stays, in ERROR, until an explicit unload. No silent
		// retries.
		m.rec.markError(err)
		return nil, err
	}

	if err := m.rec.transition(StateLoaded); err != nil {
		return nil, err
	}
	m.rec.SymbolCount = reply.SymbolCount
	m.rec.LoadedAt = time.Now().UTC()

	// The bridge dispatcher resolves grant checks against this registration,
	// so it must exist before the plugin's first capability call.
	s.checker.RegisterPlugin(desc.ID, desc.Permissions)
	s.callers.RegisterCaller(desc.ID)
	s.logger.Info("plugin loaded",
		"plugin", desc.ID, "version", desc.Version, "symbols", reply.SymbolCount)

	rec := m.rec
	return &rec, nil
}

// Enable moves a plugin to ENABLED. All gates run before the sandbox is
// touched: state, critical permissions, dependencies, grants, rate limit.
func (s *Supervisor) Enable(ctx context.Context, pluginID string) error {
	m, err := s.lookup(pluginID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ValidTransition(m.rec.State, StateEnabled) {
		return wardenerr.Errorf(wardenerr.CodePluginTransitionInvalid,
			"cannot enable %s from state %s", pluginID, m.rec.State)
	}

	desc := &m.rec.Descriptor
	if critical := plugin.CriticalPermissions(desc.Permissions); len(critical) > 0 {
		return wardenerr.New(wardenerr.CodePermissionForbidden,
			"plugin declares critical permissions",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("permissions", critical))
	}

	if err := deps.CheckEnabled(desc, s.enabled); err != nil {
		return err
	}

	missing, err := s.checker.MissingGrants(ctx, pluginID, desc.Permissions)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return wardenerr.New(wardenerr.CodePermissionRequired,
			"dangerous permissions lack user grants",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("missing_permissions", missing))
	}

	if err := s.limiter.Allow(pluginID, "EnablePlugin"); err != nil {
		return err
	}

	if err := s.proxy.EnablePlugin(pluginID); err != nil {
		if wardenerr.IsTimeout(err) || wardenerr.IsUnavailable(err) {
			m.rec.markError(err)
		}
		return err
	}

	if err := m.rec.transition(StateEnabled); err != nil {
		return err
	}
	m.rec.EnabledAt = time.Now().UTC()
	m.rec.LastError = ""

	s.logger.Info("plugin enabled", "plugin", pluginID)
	return nil
}

// Disable moves a plugin to DISABLED. Already-disabled plugins are a no-op.
// Enabled dependents are reported, not cascaded: they keep running against a
// disabled dependency and own the consequences.
func (s *Supervisor) Disable(ctx context.Context, pluginID string) error {
	m, err := s.lookup(pluginID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec.State == StateDisabled {
		return nil
	}
	if !ValidTransition(m.rec.State, StateDisabled) {
		return wardenerr.Errorf(wardenerr.CodePluginTransitionInvalid,
			"cannot disable %s from state %s", pluginID, m.rec.State)
	}

	if err := s.limiter.Allow(pluginID, "DisablePlugin"); err != nil {
		return err
	}

	if err := s.proxy.DisablePlugin(pluginID); err != nil {
		if wardenerr.IsTimeout(err) || wardenerr.IsUnavailable(err) {
			m.rec.markError(err)
		}
		return err
	}

	if err := m.rec.transition(StateDisabled); err != nil {
		return err
	}

	if dependents := s.enabledDependents(pluginID); len(dependents) > 0 {
		s.logger.Warn("disabled plugin has enabled dependents",
			"plugin", pluginID, "dependents", dependents)
	}

	s.logger.Info("plugin disabled", "plugin", pluginID)
	return nil
}

// Unload removes a plugin from the sandbox and clears everything the host
// holds for it: rate buckets, bridge caller registration, grants, storage.
// Unloading an unknown or already-unloaded plugin is a no-op.
func (s *Supervisor) Unload(ctx context.Context, pluginID string) error {
	s.mu.RLock()
	m, ok := s.records[pluginID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec.State == StateUnloaded {
		return nil
	}
	if !ValidTransition(m.rec.State, StateUnloaded) {
		return wardenerr.Errorf(wardenerr.CodePluginTransitionInvalid,
			"cannot unload %s from state %s; disable it first", pluginID, m.rec.State)
	}

	if err := s.limiter.Allow(pluginID, "UnloadPlugin"); err != nil {
		return err
	}

	// A dead sandbox already took the plugin with it, and a plugin whose load
	// failed never reached the sandbox at all; cleanup proceeds either way.
	if err := s.proxy.UnloadPlugin(pluginID); err != nil {
		if !wardenerr.IsUnavailable(err) && !wardenerr.IsNotFound(err) {
			return err
		}
		s.logger.Warn("sandbox has no live instance to unload; cleaning up host state",
			"plugin", pluginID, "error", err)
	}

	if err := m.rec.transition(StateUnloaded); err != nil {
		return err
	}

	s.limiter.Forget(pluginID)
	s.callers.UnregisterCaller(pluginID)
	s.checker.UnregisterPlugin(pluginID)
	if err := s.grants.RevokeAll(ctx, pluginID); err != nil {
		s.logger.Error("revoking grants on unload failed", "plugin", pluginID, "error", err)
	}
	if s.kv != nil {
		if err := s.kv.DeleteAll(ctx, pluginID); err != nil {
			s.logger.Error("clearing storage on unload failed", "plugin", pluginID, "error", err)
		}
	}
	s.release(pluginID)

	s.logger.Info("plugin unloaded", "plugin", pluginID)
	return nil
}

// Grant records user consent for a dangerous permission. Normal permissions
// need no grant; critical permissions can never receive one.
func (s *Supervisor) Grant(ctx context.Context, pluginID, permission string) error {
	if _, err := s.lookup(pluginID); err != nil {
		return err
	}

	switch {
	case !plugin.IsKnownPermission(permission):
		return wardenerr.Errorf(wardenerr.CodePermissionUnknown,
			"unknown permission %q", permission)
	case plugin.Classify(permission) == plugin.ClassCritical:
		return wardenerr.New(wardenerr.CodePermissionForbidden,
			"critical permissions cannot be granted",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("permission", permission))
	case plugin.Classify(permission) == plugin.ClassNormal:
		return wardenerr.Errorf(wardenerr.CodeSecurityInvalidInput,
			"permission %q is granted implicitly and takes no explicit grant", permission)
	}

	return s.grants.Put(ctx, &store.Grant{
		PluginID:   pluginID,
		Permission: permission,
		Granted:    true,
		Dangerous:  true,
		DecidedAt:  time.Now().UTC(),
	})
}

// Revoke withdraws consent for a dangerous permission. The revocation takes
// effect on the plugin's next capability invocation; nothing is interrupted.
func (s *Supervisor) Revoke(ctx context.Context, pluginID, permission string) error {
	if !plugin.IsKnownPermission(permission) {
		return wardenerr.Errorf(wardenerr.CodePermissionUnknown,
			"unknown permission %q", permission)
	}

	return s.grants.Put(ctx, &store.Grant{
		PluginID:   pluginID,
		Permission: permission,
		Granted:    false,
		Dangerous:  plugin.Classify(permission) == plugin.ClassDangerous,
		DecidedAt:  time.Now().UTC(),
	})
}

// Granted lists the permissions currently granted to a plugin.
func (s *Supervisor) Granted(ctx context.Context, pluginID string) ([]string, error) {
	return s.grants.Granted(ctx, pluginID)
}

// Status returns a copy of the record for pluginID.
func (s *Supervisor) Status(pluginID string) (*Record, error) {
	m, err := s.lookup(pluginID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.rec
	return &rec, nil
}

// List returns copies of all records, sorted by plugin ID.
func (s *Supervisor) List() []*Record {
	s.mu.RLock()
	entries := make([]*managed, 0, len(s.records))
	for _, m := range s.records {
		entries = append(entries, m)
	}
	s.mu.RUnlock()

	out := make([]*Record, 0, len(entries))
	for _, m := range entries {
		m.mu.Lock()
		rec := m.rec
		m.mu.Unlock()
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// LoadOrder computes a dependency-respecting order over all managed plugins.
func (s *Supervisor) LoadOrder() ([]string, error) {
	return deps.Resolve(s.descriptors())
}

// Audit queries the security audit log.
func (s *Supervisor) Audit(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	return s.audit.Query(ctx, filter)
}

// Violations counts denied security decisions for a plugin since a point in
// time.
func (s *Supervisor) Violations(ctx context.Context, pluginID string, since time.Time) (int64, error) {
	return s.audit.CountViolations(ctx, pluginID, since)
}

// SandboxAvailable reports sandbox session health.
func (s *Supervisor) SandboxAvailable() bool {
	return s.proxy.Available()
}

// BrokerStats reports the in-sandbox message broker counters.
func (s *Supervisor) BrokerStats() (broker.Stats, error) {
	return s.proxy.BrokerStats()
}

// RenderUI fetches the plugin's current UI tree from the sandbox.
func (s *Supervisor) RenderUI(pluginID string) (*uistate.Tree, error) {
	if err := s.requireEnabled(pluginID); err != nil {
		return nil, err
	}
	return s.proxy.RenderUI(pluginID)
}

// DispatchTouch forwards one user interaction to the owning plugin.
func (s *Supervisor) DispatchTouch(pluginID string, event ipc.TouchEvent) error {
	if err := s.requireEnabled(pluginID); err != nil {
		return err
	}
	return s.proxy.DispatchTouchEvent(pluginID, event)
}

func (s *Supervisor) requireEnabled(pluginID string) error {
	m, err := s.lookup(pluginID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	state := m.rec.State
	m.mu.Unlock()

	if state != StateEnabled {
		return wardenerr.New(wardenerr.CodeUIDispatchFailure,
			"plugin is not enabled",
			wardenerr.FieldPlugin(pluginID),
			wardenerr.Field("state", state.String()))
	}
	return nil
}

func (s *Supervisor) checkCompatibility(desc *plugin.Descriptor) error {
	if desc.MinAPILevel > HostAPILevel {
		return wardenerr.New(wardenerr.CodePluginIncompatible,
			"plugin requires a newer host API level",
			wardenerr.FieldPlugin(desc.ID),
			wardenerr.Field("min_api_level", desc.MinAPILevel),
			wardenerr.Field("host_api_level", HostAPILevel))
	}
	if desc.MaxAPILevel != 0 && desc.MaxAPILevel < HostAPILevel {
		return wardenerr.New(wardenerr.CodePluginIncompatible,
			"plugin does not support this host API level",
			wardenerr.FieldPlugin(desc.ID),
			wardenerr.Field("max_api_level", desc.MaxAPILevel),
			wardenerr.Field("host_api_level", HostAPILevel))
	}
	if desc.MinHostVersion != "" {
		min, err := goversion.NewSemver(desc.MinHostVersion)
		if err != nil {
			return wardenerr.Errorf(wardenerr.CodePluginManifestInvalid,
				"min_host_version %q is not valid semver", desc.MinHostVersion)
		}
		if s.hostVersion.LessThan(min) {
			return wardenerr.New(wardenerr.CodePluginIncompatible,
				"plugin requires a newer host version",
				wardenerr.FieldPlugin(desc.ID),
				wardenerr.Field("min_host_version", desc.MinHostVersion),
				wardenerr.Field("host_version", s.hostVersion.String()))
		}
	}
	return nil
}

// claim reserves the record slot for pluginID. Any record present in the map
// is live, including failed loads parked in ERROR, so presence alone means
// conflict.
func (s *Supervisor) claim(pluginID string) (*managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[pluginID]; ok {
		return nil, wardenerr.New(wardenerr.CodePluginAlreadyLoaded,
			"plugin is already loaded", wardenerr.FieldPlugin(pluginID))
	}

	m := &managed{}
	s.records[pluginID] = m
	return m, nil
}

// release drops the record slot on unload; a subsequent Load may claim the
// ID again.
func (s *Supervisor) release(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, pluginID)
}

func (s *Supervisor) lookup(pluginID string) (*managed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.records[pluginID]
	if !ok {
		return nil, wardenerr.New(wardenerr.CodePluginNotFound,
			"no such plugin", wardenerr.FieldPlugin(pluginID))
	}
	return m, nil
}

// enabled reports whether pluginID is currently ENABLED. Dependency gate
// callback.
func (s *Supervisor) enabled(pluginID string) bool {
	s.mu.RLock()
	m, ok := s.records[pluginID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.State == StateEnabled
}

func (s *Supervisor) descriptors() []*plugin.Descriptor {
	s.mu.RLock()
	entries := make([]*managed, 0, len(s.records))
	for _, m := range s.records {
		entries = append(entries, m)
	}
	s.mu.RUnlock()

	out := make([]*plugin.Descriptor, 0, len(entries))
	for _, m := range entries {
		m.mu.Lock()
		d := m.rec.Descriptor
		m.mu.Unlock()
		out = append(out, &d)
	}
	return out
}

func (s *Supervisor) enabledDependents(pluginID string) []string {
	var out []string
	for _, id := range deps.Dependents(s.descriptors(), pluginID) {
		if s.enabled(id) {
			out = append(out, id)
		}
	}
	return out
}

// onSandboxFailure runs when the session drops: every live plugin degrades
// to ERROR, then one reconnect attempt is made. Recovered sessions come back
// empty; plugins must be unloaded and loaded again.
func (s *Supervisor) onSandboxFailure(cause error) {
	s.mu.RLock()
	entries := make([]*managed, 0, len(s.records))
	for _, m := range s.records {
		entries = append(entries, m)
	}
	s.mu.RUnlock()

	for _, m := range entries {
		m.mu.Lock()
		if m.rec.State != StateUnloaded {
			m.rec.markError(cause)
		}
		m.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Sandbox.LoadTimeout)
	defer cancel()

	if err := s.proxy.Reconnect(ctx); err != nil {
		s.logger.Error("sandbox reconnect failed; manual restart required", "error", err)
		return
	}
	if s.bridge != nil {
		if err := s.proxy.ConnectHostBridge(s.bridge); err != nil {
			s.logger.Error("reattaching capability bridge failed", "error", err)
			return
		}
	}
	s.logger.Info("sandbox session recovered; previously loaded plugins remain in error state")
}
