// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/warden-dev/warden/internal/config"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the warden host",
		Long:  "Load configuration, start the sandbox session and serve the control API until interrupted.",
		RunE:  runStart,
	}

	cmd.Flags().String("listen", "", "override control API listen address (host:port)")

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfgPath != "" {
		// Subordinate processes load the same file through this variable.
		if err := os.Setenv("WARDEN_CONFIG", cfgPath); err != nil {
			return fmt.Errorf("exporting config path: %w", err)
		}
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	components, err := buildHost(cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring host: %w", err)
	}
	defer components.cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := components.sup.Start(ctx); err != nil {
		return fmt.Errorf("starting sandbox session: %w", err)
	}
	defer components.sup.Stop()

	logger.Info("warden host started",
		"listen", cfg.Server.Listen,
		"sandbox", cfg.Sandbox.BinaryPath,
		"storage", cfg.Storage.Backend)

	return components.srv.Start(ctx)
}
