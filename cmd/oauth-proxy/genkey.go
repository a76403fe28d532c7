package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelgate/oauth-proxy/security"
)

// genkeyCmd prints a fresh AES-256 key for the encryption_key setting.
var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a base64 AES-256 key for token encryption at rest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := security.GenerateKey()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genkeyCmd)
}
