package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	configFlags := &ConfigFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(apiFlags),
		createStopCommand(apiFlags),
		createRestartCommand(apiFlags),
		createStatusCommand(apiFlags),
		createCommandCommand(apiFlags),
		createConsoleCommand(apiFlags),
		createConfigCommand(apiFlags, configFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Game-server worker supervision daemon",
		Long: `Warden installs, supervises and relays the console of a single
game-server worker process.

Examples:
  warden serve --config warden.toml      # Start daemon
  warden start                           # Bring the worker online
  warden command "say hello"             # Forward a console command
  warden config set --version 1.21.4     # Switch worker version (reinstalls)`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
