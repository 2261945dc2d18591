// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"log/slog"
	"path/filepath"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/warden-dev/warden/internal/bridge"
	"github.com/warden-dev/warden/internal/config"
	"github.com/warden-dev/warden/internal/host"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/isolation"
	"github.com/warden-dev/warden/internal/ratelimit"
	"github.com/warden-dev/warden/internal/server"
	"github.com/warden-dev/warden/internal/store"
	"github.com/warden-dev/warden/internal/store/sqlite"
	"github.com/warden-dev/warden/internal/uistate"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Per-plugin scratch space quota under the file bridge.
const fileQuotaBytes = 64 << 20

// hostComponents is everything the start command runs and tears down.
type hostComponents struct {
	sup     *host.Supervisor
	srv     *server.Server
	cleanup func()
}

// buildHost wires stores, enforcement, bridges, the sandbox proxy and the
// control API into a runnable host.
func buildHost(cfg *config.Config, logger *slog.Logger) (*hostComponents, error) {
	grants, audit, err := store.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	kv, err := openKV(cfg.Storage)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit)
	checker := isolation.NewChecker(grants, audit)

	renderer, stopUI := buildRenderer(cfg, logger)
	mediator := uistate.NewMediator(renderer, logger)

	files := bridge.NewFileBridge(filepath.Join(cfg.Plugins.Dir, "data"), fileQuotaBytes)
	httpBridge := bridge.NewHTTPBridge(30*time.Second, 4<<20)
	gate := isolation.NewHostFuncGate(checker)
	dispatcher := bridge.NewDispatcher(limiter, gate, files, httpBridge, kv, mediator, version, logger)

	transport := host.NewGoPluginTransport(cfg.Sandbox)
	proxy := host.NewProxy(transport, cfg.Sandbox, logger)

	sup, err := host.NewSupervisor(host.SupervisorDeps{
		Config:  cfg,
		Proxy:   proxy,
		Checker: checker,
		Limiter: limiter,
		Grants:  grants,
		Audit:   audit,
		KV:      kv,
		Callers: dispatcher,
		Bridge:  dispatcher,
		Logger:  logger,
	}, version)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.Config{ListenAddr: cfg.Server.Listen}, sup)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		stopUI()
		limiter.Close()
		if err := kv.Close(); err != nil {
			logger.Warn("closing kv store", "error", err)
		}
		if err := audit.Close(); err != nil {
			logger.Warn("closing audit store", "error", err)
		}
		if err := grants.Close(); err != nil {
			logger.Warn("closing grant store", "error", err)
		}
	}

	return &hostComponents{sup: sup, srv: srv, cleanup: cleanup}, nil
}

func openKV(cfg config.StorageConfig) (store.KVStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryKVStore(), nil
	case "sqlite":
		return sqlite.NewKVStore(cfg.Path)
	default:
		return nil, wardenerr.Errorf(wardenerr.CodeStoreInvalidInput,
			"unknown storage backend %q", cfg.Backend)
	}
}

// buildRenderer starts the UI mediation process when one is configured,
// falling back to a log-only renderer so headless hosts still run.
func buildRenderer(cfg *config.Config, logger *slog.Logger) (uistate.Renderer, func()) {
	if cfg.UI.BinaryPath == "" {
		return logRenderer{logger: logger}, func() {}
	}

	client := goplugin.NewClient(ipc.UIClientConfig(cfg.UI.BinaryPath))

	protocol, err := client.Client()
	if err != nil {
		logger.Warn("starting UI process failed; falling back to log renderer", "error", err)
		client.Kill()
		return logRenderer{logger: logger}, func() {}
	}

	raw, err := protocol.Dispense(ipc.UIPluginName)
	if err != nil {
		logger.Warn("dispensing UI surface failed; falling back to log renderer", "error", err)
		client.Kill()
		return logRenderer{logger: logger}, func() {}
	}

	ui, ok := raw.(ipc.UI)
	if !ok {
		logger.Warn("UI surface has wrong type; falling back to log renderer")
		client.Kill()
		return logRenderer{logger: logger}, func() {}
	}

	return ui, client.Kill
}

// logRenderer records UI pushes instead of drawing them.
type logRenderer struct {
	logger *slog.Logger
}

func (r logRenderer) Render(tree *uistate.Tree, diff *uistate.Diff) error {
	r.logger.Info("ui state pushed",
		"plugin", tree.PluginID,
		"title", tree.Title,
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"changed", len(diff.Changed))
	return nil
}

func (r logRenderer) Destroy(pluginID string) error {
	r.logger.Info("ui state destroyed", "plugin", pluginID)
	return nil
}
