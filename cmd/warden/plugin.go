// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// pluginRow mirrors the control API's plugin summary shape.
type pluginRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	State       string `json:"state"`
	SymbolCount int    `json:"symbol_count"`
	LastError   string `json:"last_error"`
}

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage plugins",
		Long:  "Load, enable, disable, unload and inspect plugins on a running host.",
	}

	cmd.AddCommand(
		newPluginListCmd(),
		newPluginLoadCmd(),
		newPluginEnableCmd(),
		newPluginDisableCmd(),
		newPluginUnloadCmd(),
		newPluginInspectCmd(),
		newPluginUICmd(),
	)

	return cmd
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Plugins []pluginRow `json:"plugins"`
			}
			if err := clientFor(cmd).getJSON("/api/v1/plugins", &resp); err != nil {
				return err
			}

			if len(resp.Plugins) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No plugins loaded")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTATE\tSYMBOLS")
			for _, p := range resp.Plugins {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Name, p.Version, p.State, p.SymbolCount)
			}
			return w.Flush()
		},
	}
}

func newPluginLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load [package-path]",
		Short: "Load a plugin package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sha, _ := cmd.Flags().GetString("sha256")

			var loaded pluginRow
			err := clientFor(cmd).postJSON("/api/v1/plugins", map[string]string{
				"path":   args[0],
				"sha256": sha,
			}, &loaded)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s %s (%d symbols)\n",
				loaded.ID, loaded.Version, loaded.SymbolCount)
			return err
		},
	}

	cmd.Flags().String("sha256", "", "expected archive digest")

	return cmd
}

func newPluginEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable [id]",
		Short: "Enable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			if err := clientFor(cmd).postJSON("/api/v1/plugins/"+id+"/enable", struct{}{}, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Enabled %q\n", args[0])
			return err
		},
	}
}

func newPluginDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable [id]",
		Short: "Disable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			if err := clientFor(cmd).postJSON("/api/v1/plugins/"+id+"/disable", struct{}{}, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Disabled %q\n", args[0])
			return err
		},
	}
}

func newPluginUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload [id]",
		Short: "Unload a plugin and clear its host state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			if err := clientFor(cmd).deleteJSON("/api/v1/plugins/" + id); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Unloaded %q\n", args[0])
			return err
		},
	}
}

func newPluginInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [id]",
		Short: "Show plugin status details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p pluginRow
			id := url.PathEscape(args[0])
			if err := clientFor(cmd).getJSON("/api/v1/plugins/"+id, &p); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:      %s\n", p.ID)
			fmt.Fprintf(out, "Name:    %s\n", p.Name)
			fmt.Fprintf(out, "Version: %s\n", p.Version)
			fmt.Fprintf(out, "State:   %s\n", p.State)
			fmt.Fprintf(out, "Symbols: %d\n", p.SymbolCount)
			if p.LastError != "" {
				fmt.Fprintf(out, "Error:   %s\n", p.LastError)
			}
			return nil
		},
	}
}

func newPluginUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ui [id]",
		Short: "Fetch the plugin's current UI tree as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tree map[string]any
			id := url.PathEscape(args[0])
			if err := clientFor(cmd).getJSON("/api/v1/plugins/"+id+"/ui", &tree); err != nil {
				return err
			}
			return printJSON(cmd, tree)
		},
	}
}
