// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Manage permission grants",
		Long:  "Grant, revoke and list dangerous permission consents per plugin.",
	}

	cmd.AddCommand(
		newGrantListCmd(),
		newGrantAddCmd(),
		newGrantRevokeCmd(),
		newAuditCmd(),
	)

	return cmd
}

func newGrantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [plugin-id]",
		Short: "List granted permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Granted []string `json:"granted"`
			}
			id := url.PathEscape(args[0])
			if err := clientFor(cmd).getJSON("/api/v1/plugins/"+id+"/grants", &resp); err != nil {
				return err
			}

			if len(resp.Granted) == 0 {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "No grants for %q\n", args[0])
				return err
			}
			for _, p := range resp.Granted {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newGrantAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [plugin-id] [permission]",
		Short: "Grant a dangerous permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			err := clientFor(cmd).postJSON("/api/v1/plugins/"+id+"/grants",
				map[string]string{"permission": args[1]}, nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %q\n", args[1], args[0])
			return err
		},
	}
}

func newGrantRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [plugin-id] [permission]",
		Short: "Revoke a permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			if err := clientFor(cmd).deleteJSON("/api/v1/plugins/" + id + "/grants/" + url.PathEscape(args[1])); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s from %q\n", args[1], args[0])
			return err
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the security audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if plugin, _ := cmd.Flags().GetString("plugin"); plugin != "" {
				q.Set("plugin", plugin)
			}
			if result, _ := cmd.Flags().GetString("result"); result != "" {
				q.Set("result", result)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}

			path := "/api/v1/audit"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp struct {
				Entries []map[string]any `json:"entries"`
			}
			if err := clientFor(cmd).getJSON(path, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp.Entries)
		},
	}

	cmd.Flags().String("plugin", "", "filter by plugin id")
	cmd.Flags().String("result", "", "filter by result (allowed, denied)")
	cmd.Flags().Int("limit", 100, "maximum entries")

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
