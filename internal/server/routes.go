// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/host"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// SupervisorAPI is the slice of the host supervisor the control API serves.
type SupervisorAPI interface {
	Load(ctx context.Context, path, expectedHash string) (*host.Record, error)
	Enable(ctx context.Context, pluginID string) error
	Disable(ctx context.Context, pluginID string) error
	Unload(ctx context.Context, pluginID string) error
	Grant(ctx context.Context, pluginID, permission string) error
	Revoke(ctx context.Context, pluginID, permission string) error
	Granted(ctx context.Context, pluginID string) ([]string, error)
	Status(pluginID string) (*host.Record, error)
	List() []*host.Record
	LoadOrder() ([]string, error)
	Audit(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error)
	SandboxAvailable() bool
	BrokerStats() (broker.Stats, error)
	RenderUI(pluginID string) (*uistate.Tree, error)
	DispatchTouch(pluginID string, event ipc.TouchEvent) error
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-plugins",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins",
		Summary:     "List managed plugins",
		Tags:        []string{"plugins"},
	}, s.handleListPlugins)

	huma.Register(s.api, huma.Operation{
		OperationID: "load-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins",
		Summary:     "Load a plugin package",
		Tags:        []string{"plugins"},
	}, s.handleLoadPlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-plugin",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins/{id}",
		Summary:     "Get plugin status",
		Tags:        []string{"plugins"},
	}, s.handleGetPlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "unload-plugin",
		Method:      http.MethodDelete,
		Path:        "/api/v1/plugins/{id}",
		Summary:     "Unload a plugin",
		Tags:        []string{"plugins"},
	}, s.handleUnloadPlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "enable-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{id}/enable",
		Summary:     "Enable a plugin",
		Tags:        []string{"plugins"},
	}, s.handleEnablePlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "disable-plugin",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{id}/disable",
		Summary:     "Disable a plugin",
		Tags:        []string{"plugins"},
	}, s.handleDisablePlugin)

	huma.Register(s.api, huma.Operation{
		OperationID: "plugin-load-order",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins-order",
		Summary:     "Dependency-respecting load order",
		Tags:        []string{"plugins"},
	}, s.handleLoadOrder)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-grants",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins/{id}/grants",
		Summary:     "List granted permissions",
		Tags:        []string{"grants"},
	}, s.handleListGrants)

	huma.Register(s.api, huma.Operation{
		OperationID: "grant-permission",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{id}/grants",
		Summary:     "Grant a dangerous permission",
		Tags:        []string{"grants"},
	}, s.handleGrant)

	huma.Register(s.api, huma.Operation{
		OperationID: "revoke-permission",
		Method:      http.MethodDelete,
		Path:        "/api/v1/plugins/{id}/grants/{permission}",
		Summary:     "Revoke a permission",
		Tags:        []string{"grants"},
	}, s.handleRevoke)

	huma.Register(s.api, huma.Operation{
		OperationID: "render-ui",
		Method:      http.MethodGet,
		Path:        "/api/v1/plugins/{id}/ui",
		Summary:     "Fetch the plugin's current UI tree",
		Tags:        []string{"ui"},
	}, s.handleRenderUI)

	huma.Register(s.api, huma.Operation{
		OperationID: "dispatch-touch",
		Method:      http.MethodPost,
		Path:        "/api/v1/plugins/{id}/touch",
		Summary:     "Dispatch a touch event to a plugin",
		Tags:        []string{"ui"},
	}, s.handleTouch)

	huma.Register(s.api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit",
		Summary:     "Query the security audit log",
		Tags:        []string{"audit"},
	}, s.handleAudit)

	huma.Register(s.api, huma.Operation{
		OperationID: "host-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Host and sandbox status",
		Tags:        []string{"system"},
	}, s.handleStatus)
}

// --- Request/Response types for huma ---

// PluginSummary is the wire form of one lifecycle record.
type PluginSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	State       string    `json:"state"`
	SymbolCount int       `json:"symbol_count"`
	LoadedAt    time.Time `json:"loaded_at"`
	EnabledAt   time.Time `json:"enabled_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

func summarize(rec *host.Record) PluginSummary {
	return PluginSummary{
		ID:          rec.Descriptor.ID,
		Name:        rec.Descriptor.Name,
		Version:     rec.Descriptor.Version,
		State:       rec.State.String(),
		SymbolCount: rec.SymbolCount,
		LoadedAt:    rec.LoadedAt,
		EnabledAt:   rec.EnabledAt,
		LastError:   rec.LastError,
	}
}

type listPluginsOutput struct {
	Body struct {
		Plugins []PluginSummary `json:"plugins"`
	}
}

type loadPluginInput struct {
	Body struct {
		Path   string `json:"path" minLength:"1" doc:"Filesystem path of the plugin package"`
		SHA256 string `json:"sha256,omitempty" doc:"Expected archive digest; empty skips the check"`
	}
}
type loadPluginOutput struct {
	Body PluginSummary
}

type pluginIDInput struct {
	ID string `path:"id"`
}
type pluginStateOutput struct {
	Body PluginSummary
}

type actionOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

type loadOrderOutput struct {
	Body struct {
		Order []string `json:"order"`
	}
}

type listGrantsOutput struct {
	Body struct {
		Granted []string `json:"granted"`
	}
}

type grantInput struct {
	ID   string `path:"id"`
	Body struct {
		Permission string `json:"permission" minLength:"1" doc:"Permission name, e.g. NETWORK"`
	}
}

type revokeInput struct {
	ID         string `path:"id"`
	Permission string `path:"permission"`
}

type renderUIOutput struct {
	Body uistate.Tree
}

type touchInput struct {
	ID   string `path:"id"`
	Body struct {
		ComponentID string  `json:"component_id" minLength:"1"`
		Action      string  `json:"action" minLength:"1" doc:"tap, long_press or swipe"`
		X           float64 `json:"x"`
		Y           float64 `json:"y"`
	}
}

type auditInput struct {
	Plugin string `query:"plugin"`
	Action string `query:"action"`
	Result string `query:"result"`
	Limit  int    `query:"limit" minimum:"0" maximum:"1000"`
}

// AuditRow is the wire form of one audit entry.
type AuditRow struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	PluginID  string    `json:"plugin_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	Result    string    `json:"result"`
}

type auditOutput struct {
	Body struct {
		Entries []AuditRow `json:"entries"`
	}
}

type statusOutput struct {
	Body struct {
		SandboxAvailable bool           `json:"sandbox_available"`
		Plugins          map[string]int `json:"plugins" doc:"Plugin count per lifecycle state"`
		Broker           *broker.Stats  `json:"broker,omitempty"`
	}
}

// --- Handlers ---

func (s *Server) handleListPlugins(_ context.Context, _ *struct{}) (*listPluginsOutput, error) {
	out := &listPluginsOutput{}
	out.Body.Plugins = make([]PluginSummary, 0)
	for _, rec := range s.sup.List() {
		out.Body.Plugins = append(out.Body.Plugins, summarize(rec))
	}
	return out, nil
}

func (s *Server) handleLoadPlugin(ctx context.Context, input *loadPluginInput) (*loadPluginOutput, error) {
	rec, err := s.sup.Load(ctx, input.Body.Path, input.Body.SHA256)
	if err != nil {
		return nil, apiError(err, "loading plugin package")
	}
	return &loadPluginOutput{Body: summarize(rec)}, nil
}

func (s *Server) handleGetPlugin(_ context.Context, input *pluginIDInput) (*pluginStateOutput, error) {
	rec, err := s.sup.Status(input.ID)
	if err != nil {
		return nil, apiError(err, fmt.Sprintf("plugin %q", input.ID))
	}
	return &pluginStateOutput{Body: summarize(rec)}, nil
}

func (s *Server) handleUnloadPlugin(ctx context.Context, input *pluginIDInput) (*actionOutput, error) {
	if err := s.sup.Unload(ctx, input.ID); err != nil {
		return nil, apiError(err, fmt.Sprintf("unloading %q", input.ID))
	}
	out := &actionOutput{}
	out.Body.Status = "unloaded"
	return out, nil
}

func (s *Server) handleEnablePlugin(ctx context.Context, input *pluginIDInput) (*actionOutput, error) {
	if err := s.sup.Enable(ctx, input.ID); err != nil {
		return nil, apiError(err, fmt.Sprintf("enabling %q", input.ID))
	}
	out := &actionOutput{}
	out.Body.Status = "enabled"
	return out, nil
}

func (s *Server) handleDisablePlugin(ctx context.Context, input *pluginIDInput) (*actionOutput, error) {
	if err := s.sup.Disable(ctx, input.ID); err != nil {
		return nil, apiError(err, fmt.Sprintf("disabling %q", input.ID))
	}
	out := &actionOutput{}
	out.Body.Status = "disabled"
	return out, nil
}

func (s *Server) handleLoadOrder(_ context.Context, _ *struct{}) (*loadOrderOutput, error) {
	order, err := s.sup.LoadOrder()
	if err != nil {
		return nil, apiError(err, "computing load order")
	}
	out := &loadOrderOutput{}
	out.Body.Order = order
	return out, nil
}

func (s *Server) handleListGrants(ctx context.Context, input *pluginIDInput) (*listGrantsOutput, error) {
	granted, err := s.sup.Granted(ctx, input.ID)
	if err != nil {
		return nil, apiError(err, fmt.Sprintf("listing grants for %q", input.ID))
	}
	out := &listGrantsOutput{}
	out.Body.Granted = granted
	if out.Body.Granted == nil {
		out.Body.Granted = []string{}
	}
	return out, nil
}

func (s *Server) handleGrant(ctx context.Context, input *grantInput) (*actionOutput, error) {
	if err := s.sup.Grant(ctx, input.ID, input.Body.Permission); err != nil {
		return nil, apiError(err, fmt.Sprintf("granting %s to %q", input.Body.Permission, input.ID))
	}
	out := &actionOutput{}
	out.Body.Status = "granted"
	return out, nil
}

func (s *Server) handleRevoke(ctx context.Context, input *revokeInput) (*actionOutput, error) {
	if err := s.sup.Revoke(ctx, input.ID, input.Permission); err != nil {
		return nil, apiError(err, fmt.Sprintf("revoking %s from %q", input.Permission, input.ID))
	}
	out := &actionOutput{}
	out.Body.Status = "revoked"
	return out, nil
}

func (s *Server) handleRenderUI(_ context.Context, input *pluginIDInput) (*renderUIOutput, error) {
	tree, err := s.sup.RenderUI(input.ID)
	if err != nil {
		return nil, apiError(err, fmt.Sprintf("rendering UI of %q", input.ID))
	}
	if tree == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("plugin %q has no UI state", input.ID))
	}
	return &renderUIOutput{Body: *tree}, nil
}

func (s *Server) handleTouch(_ context.Context, input *touchInput) (*actionOutput, error) {
	err := s.sup.DispatchTouch(input.ID, ipc.TouchEvent{
		ComponentID: input.Body.ComponentID,
		Action:      input.Body.Action,
		X:           input.Body.X,
		Y:           input.Body.Y,
	})
	if err != nil {
		return nil, apiError(err, fmt.Sprintf("dispatching touch to %q", input.ID))
	}
	out := &actionOutput{}
	out.Body.Status = "dispatched"
	return out, nil
}

func (s *Server) handleAudit(ctx context.Context, input *auditInput) (*auditOutput, error) {
	limit := input.Limit
	if limit == 0 {
		limit = 100
	}
	entries, err := s.sup.Audit(ctx, store.AuditFilter{
		PluginID: input.Plugin,
		Action:   input.Action,
		Result:   input.Result,
		Limit:    limit,
	})
	if err != nil {
		return nil, apiError(err, "querying audit log")
	}

	out := &auditOutput{}
	out.Body.Entries = make([]AuditRow, 0, len(entries))
	for _, e := range entries {
		out.Body.Entries = append(out.Body.Entries, AuditRow{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			PluginID:  e.PluginID,
			Action:    e.Action,
			Detail:    e.Detail,
			Result:    e.Result,
		})
	}
	return out, nil
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*statusOutput, error) {
	out := &statusOutput{}
	out.Body.SandboxAvailable = s.sup.SandboxAvailable()
	out.Body.Plugins = make(map[string]int)
	for _, rec := range s.sup.List() {
		out.Body.Plugins[rec.State.String()]++
	}
	if stats, err := s.sup.BrokerStats(); err == nil {
		out.Body.Broker = &stats
	}
	return out, nil
}

// apiError maps the error code taxonomy onto HTTP status codes.
func apiError(err error, msg string) error {
	switch code := wardenerr.CodeOf(err); {
	case code == wardenerr.CodePluginNotFound || wardenerr.IsNotFound(err):
		return huma.Error404NotFound(fmt.Sprintf("%s: %s", msg, err))
	case code == wardenerr.CodePluginAlreadyLoaded || code == wardenerr.CodePluginTransitionInvalid ||
		code == wardenerr.CodeUIDispatchFailure:
		return huma.Error409Conflict(fmt.Sprintf("%s: %s", msg, err))
	case code == wardenerr.CodePermissionRequired || code == wardenerr.CodePermissionForbidden || wardenerr.IsDenied(err):
		return huma.Error403Forbidden(fmt.Sprintf("%s: %s", msg, err))
	case wardenerr.IsRateLimited(err):
		return huma.Error429TooManyRequests(fmt.Sprintf("%s: %s", msg, err))
	case wardenerr.IsInvalidInput(err) || code == wardenerr.CodePluginIncompatible ||
		code == wardenerr.CodePluginPackageTooLarge || code == wardenerr.CodePluginPackageBadExtension ||
		code == wardenerr.CodePluginPackageIntegrity:
		return huma.Error422UnprocessableEntity(fmt.Sprintf("%s: %s", msg, err))
	case wardenerr.IsUnavailable(err):
		return huma.Error503ServiceUnavailable(fmt.Sprintf("%s: %s", msg, err))
	case wardenerr.IsTimeout(err):
		return huma.Error504GatewayTimeout(fmt.Sprintf("%s: %s", msg, err))
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
