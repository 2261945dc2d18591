// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root warden command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Warden plugin sandbox host",
		Long:          "Warden hosts security toolkit plugins in an isolated sandbox process with permission gating, rate limiting and audited capability access.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("server", "127.0.0.1:18920", "control API address of a running host")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newPluginCmd(),
		newGrantCmd(),
		newVersionCmd(),
	)

	return root
}
