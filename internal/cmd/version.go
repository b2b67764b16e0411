package cmd

import "github.com/driftbox/driftbox/internal/server"

func init() {
	rootCmd.Version = server.Version
}
