// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Command warden-sandbox is the plugin executor process. The host spawns it
// over go-plugin and drives it through the Executor interface; plugin code
// never runs in the host process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/warden-dev/warden/internal/broker"
	"github.com/warden-dev/warden/internal/config"
	"github.com/warden-dev/warden/internal/ipc"
	"github.com/warden-dev/warden/internal/isolation"
	"github.com/warden-dev/warden/internal/ratelimit"
	"github.com/warden-dev/warden/internal/sandbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// go-plugin forwards stderr to the host process log.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// The host passes its config file through the environment so both
	// processes enforce the same policy.
	cfg, err := config.Load(os.Getenv("WARDEN_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading sandbox config: %w", err)
	}

	// Grant and audit state is host property; this process never opens the
	// stores. The checker here screens only what the manifest declares, and
	// the host's bridge dispatcher makes the grant decision.
	checker := isolation.NewChecker(nil, nil)
	limiter := ratelimit.New(cfg.RateLimit)
	defer limiter.Close()

	msgBroker := broker.New(cfg.Broker, limiter, logger)
	defer msgBroker.Close()

	filter := isolation.NewSymbolFilter(cfg.Sandbox.MaxSymbols)

	// Plugin code shares the broker's handler bound for every entry, so a
	// spinning plugin is cut off instead of wedging the executor.
	runtime := sandbox.NewRuntime(filter, sandbox.WithExecTimeout(cfg.Broker.HandlerTimeout))
	defer func() {
		if err := runtime.Close(); err != nil {
			logger.Warn("closing wasm runtime", "error", err)
		}
	}()

	executor := sandbox.NewExecutor(sandbox.NewWASMFactory(runtime), msgBroker, checker, logger)

	if err := runtime.InstantiateSDK(context.Background(), executor, logger); err != nil {
		return fmt.Errorf("registering sdk host module: %w", err)
	}

	logger.Info("sandbox executor starting", "max_symbols", cfg.Sandbox.MaxSymbols)

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: ipc.HandshakeConfig(),
		Plugins:         ipc.SandboxPluginMap(executor),
	})

	return nil
}
