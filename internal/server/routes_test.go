// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/host"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/server"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
	"github.com/warden-dev/warden/pkg/plugin"
)

// mockSupervisor serves two fixed plugins: an enabled scanner and a loaded
// logger, both touch-tolerant.
type mockSupervisor struct {
	granted map[string][]string
}

func newMockSupervisor() *mockSupervisor {
	return &mockSupervisor{granted: map[string][]string{
		"com.example.scanner": {"NETWORK"},
	}}
}

func (m *mockSupervisor) record(id string) *host.Record {
	switch id {
	case "com.example.scanner":
		return &host.Record{
			Descriptor: plugin.Descriptor{ID: id, Name: "Scanner", Version: "1.2.0"},
			State:      host.StateEnabled,
			LoadedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		}
	case "com.example.logger":
		return &host.Record{
			Descriptor: plugin.Descriptor{ID: id, Name: "Logger", Version: "0.3.1"},
			State:      host.StateLoaded,
			LoadedAt:   time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		}
	default:
		return nil
	}
}

func (m *mockSupervisor) Load(_ context.Context, path, _ string) (*host.Record, error) {
	if strings.HasSuffix(path, ".tar") {
		return nil, wardenerr.New(wardenerr.CodePluginPackageBadExtension, "bad extension")
	}
	return m.record("com.example.scanner"), nil
}

func (m *mockSupervisor) Enable(_ context.Context, id string) error {
	switch id {
	case "com.example.scanner":
		return wardenerr.New(wardenerr.CodePluginTransitionInvalid, "already enabled")
	case "com.example.logger":
		return wardenerr.New(wardenerr.CodePermissionRequired, "grants missing",
			wardenerr.Field("missing_permissions", []string{"NETWORK"}))
	default:
		return wardenerr.New(wardenerr.CodePluginNotFound, "no such plugin")
	}
}

func (m *mockSupervisor) Disable(_ context.Context, id string) error {
	if m.record(id) == nil {
		return wardenerr.New(wardenerr.CodePluginNotFound, "no such plugin")
	}
	return nil
}

func (m *mockSupervisor) Unload(_ context.Context, _ string) error { return nil }

func (m *mockSupervisor) Grant(_ context.Context, id, permission string) error {
	if permission == "HOST_INTERNAL" {
		return wardenerr.New(wardenerr.CodePermissionForbidden, "critical permission")
	}
	m.granted[id] = append(m.granted[id], permission)
	return nil
}

func (m *mockSupervisor) Revoke(_ context.Context, _, _ string) error { return nil }

func (m *mockSupervisor) Granted(_ context.Context, id string) ([]string, error) {
	return m.granted[id], nil
}

func (m *mockSupervisor) Status(id string) (*host.Record, error) {
	rec := m.record(id)
	if rec == nil {
		return nil, wardenerr.New(wardenerr.CodePluginNotFound, "no such plugin")
	}
	return rec, nil
}

func (m *mockSupervisor) List() []*host.Record {
	return []*host.Record{m.record("com.example.logger"), m.record("com.example.scanner")}
}

func (m *mockSupervisor) LoadOrder() ([]string, error) {
	return []string{"com.example.logger", "com.example.scanner"}, nil
}

func (m *mockSupervisor) Audit(_ context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	entries := []*store.AuditEntry{
		{ID: "aud-1", PluginID: "com.example.scanner", Action: "permission_check", Result: "denied"},
		{ID: "aud-2", PluginID: "com.example.scanner", Action: "permission_check", Result: "allowed"},
	}
	if filter.Result == "" {
		return entries, nil
	}
	var out []*store.AuditEntry
	for _, e := range entries {
		if e.Result == filter.Result {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockSupervisor) SandboxAvailable() bool { return true }

func (m *mockSupervisor) BrokerStats() (broker.Stats, error) {
	return broker.Stats{Sent: 12, Delivered: 11}, nil
}

func (m *mockSupervisor) RenderUI(id string) (*uistate.Tree, error) {
	if id != "com.example.scanner" {
		return nil, wardenerr.New(wardenerr.CodeUIDispatchFailure, "plugin is not enabled")
	}
	return &uistate.Tree{
		PluginID: id,
		Title:    "Scan Results",
		Root:     &uistate.Component{ID: "root", Type: "container"},
	}, nil
}

func (m *mockSupervisor) DispatchTouch(id string, _ ipc.TouchEvent) error {
	if id != "com.example.scanner" {
		return wardenerr.New(wardenerr.CodeUIDispatchFailure, "plugin is not enabled")
	}
	return nil
}

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, newMockSupervisor())
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *server.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestRoutes_Health(t *testing.T) {
	w := do(t, newTestServer(t), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestRoutes_ListPlugins(t *testing.T) {
	w := do(t, newTestServer(t), http.MethodGet, "/api/v1/plugins", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Plugins []server.PluginSummary `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Plugins, 2)
	assert.Equal(t, "com.example.logger", resp.Plugins[0].ID)
	assert.Equal(t, "loaded", resp.Plugins[0].State)
	assert.Equal(t, "enabled", resp.Plugins[1].State)
}

func TestRoutes_GetPlugin(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/plugins/com.example.scanner", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Scanner")

	w = do(t, srv, http.MethodGet, "/api/v1/plugins/com.example.ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_LoadPlugin(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/plugins", `{"path":"/pkgs/scanner.zip"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodPost, "/api/v1/plugins", `{"path":"/pkgs/scanner.tar"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRoutes_EnableErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	// Already enabled: state conflict.
	w := do(t, srv, http.MethodPost, "/api/v1/plugins/com.example.scanner/enable", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Missing grants: forbidden.
	w = do(t, srv, http.MethodPost, "/api/v1/plugins/com.example.logger/enable", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, srv, http.MethodPost, "/api/v1/plugins/com.example.ghost/enable", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_Grants(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/plugins/com.example.scanner/grants", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "NETWORK")

	w = do(t, srv, http.MethodPost, "/api/v1/plugins/com.example.scanner/grants",
		`{"permission":"CAMERA"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodPost, "/api/v1/plugins/com.example.scanner/grants",
		`{"permission":"HOST_INTERNAL"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, srv, http.MethodDelete, "/api/v1/plugins/com.example.scanner/grants/CAMERA", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_RenderUI(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/plugins/com.example.scanner/ui", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Scan Results")

	// Not enabled: conflict.
	w = do(t, srv, http.MethodGet, "/api/v1/plugins/com.example.logger/ui", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRoutes_Touch(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/api/v1/plugins/com.example.scanner/touch",
		`{"component_id":"row-3","action":"tap","x":0.4,"y":0.7}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_Audit(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/audit?result=denied", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []server.AuditRow `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "denied", resp.Entries[0].Result)
}

func TestRoutes_Status(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SandboxAvailable bool           `json:"sandbox_available"`
		Plugins          map[string]int `json:"plugins"`
		Broker           *broker.Stats  `json:"broker"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.SandboxAvailable)
	assert.Equal(t, 1, resp.Plugins["enabled"])
	assert.Equal(t, 1, resp.Plugins["loaded"])
	require.NotNil(t, resp.Broker)
	assert.Equal(t, uint64(12), resp.Broker.Sent)
}

func TestRoutes_LoadOrder(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/plugins-order", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "com.example.logger")
}
