package main

import (
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd is the base command for the oauth-proxy CLI.
var rootCmd = &cobra.Command{
	Use:   "oauth-proxy",
	Short: "OAuth 2.1 authorization proxy for MCP and LLM endpoints",
	Long: `oauth-proxy mediates OAuth 2.1 authorization for upstream protocol
servers. Each configured endpoint gets its own dynamic client registration,
PKCE-secured authorization code flow, and token issuance, backed by a
memory or Valkey store.

Start a proxy:
  oauth-proxy serve --config config.yaml

Generate an encryption key for token storage:
  oauth-proxy genkey`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")
}
