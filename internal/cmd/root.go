// Package cmd hosts the driftbox CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "driftbox",
	Short: "Self-hosted file transfer engine",
	Long: `driftbox connects workspaces to cloud and local storage providers and
moves files between them through resumable transfer sessions.

Examples:
  driftbox serve               # Run the API server
  driftbox doctor              # Check configuration and environment
  driftbox config init         # Write a starter config file`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./driftbox.yaml)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
