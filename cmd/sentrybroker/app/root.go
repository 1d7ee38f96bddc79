// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line interface for sentrybroker.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "sentrybroker",
	DisableAutoGenTag: true,
	Short:             "OAuth 2.0 authorization server brokering Sentry access for MCP clients",
	Long: `sentrybroker is an OAuth 2.0 authorization server that sits between MCP
clients and Sentry. It holds the upstream Sentry token pair on behalf of each
user, encrypted at rest and bound to the downstream tokens it issues, and
coordinates upstream refreshes across replicas so Sentry's rotating refresh
tokens are never invalidated by a race.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}
