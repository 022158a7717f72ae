package main

import (
	"time"

	"github.com/spf13/cobra"
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds daemon connection flags for client commands.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ConfigFlags holds flags for the config set command. Empty string means
// "leave unchanged"; the daemon merges only the provided fields.
type ConfigFlags struct {
	MinMemory string
	MaxMemory string
	Version   string
	JavaPath  string
	Overrides []string
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://localhost:6767/api", "daemon API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
}
