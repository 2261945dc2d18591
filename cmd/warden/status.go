// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host and sandbox status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status struct {
				SandboxAvailable bool           `json:"sandbox_available"`
				Plugins          map[string]int `json:"plugins"`
				Broker           *struct {
					Sent            uint64 `json:"sent"`
					Delivered       uint64 `json:"delivered"`
					HandlerFailures uint64 `json:"handler_failures"`
					HandlerTimeouts uint64 `json:"handler_timeouts"`
					Rejected        uint64 `json:"rejected"`
				} `json:"broker"`
			}
			if err := clientFor(cmd).getJSON("/api/v1/status", &status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sandbox: %s\n", map[bool]string{true: "available", false: "UNAVAILABLE"}[status.SandboxAvailable])

			states := make([]string, 0, len(status.Plugins))
			for state := range status.Plugins {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Fprintf(out, "Plugins %s: %d\n", state, status.Plugins[state])
			}

			if status.Broker != nil {
				fmt.Fprintf(out, "Broker: sent=%d delivered=%d failures=%d timeouts=%d rejected=%d\n",
					status.Broker.Sent, status.Broker.Delivered, status.Broker.HandlerFailures,
					status.Broker.HandlerTimeouts, status.Broker.Rejected)
			}
			return nil
		},
	}
}
