package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tessara/warden"
)

// createServeCommand starts the daemon in the foreground.
func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the warden daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := warden.LoadDaemonConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			if err := warden.RegisterMetricsDefault(); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}
			d, err := warden.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
}

func createStartCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Bring the worker online (installs the artifact if missing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return NewAPIClient(flags.APIUrl, flags.APITimeout).Start()
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createStopCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return NewAPIClient(flags.APIUrl, flags.APITimeout).Stop()
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createRestartCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the worker and start it again after the grace delay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return NewAPIClient(flags.APIUrl, flags.APITimeout).Restart()
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createStatusCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := NewAPIClient(flags.APIUrl, flags.APITimeout).GetStatus()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createCommandCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <line>",
		Short: "Route a console command (start/stop/restart are intercepted)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(args, " ")
			return NewAPIClient(flags.APIUrl, flags.APITimeout).Command(line)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createConsoleCommand(flags *APIFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Print recent console output",
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := NewAPIClient(flags.APIUrl, flags.APITimeout).GetConsole(limit)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Println(l)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max lines to print (0 = full buffer)")
	addAPIFlags(cmd, flags)
	return cmd
}

// createConfigCommand groups config get/set.
func createConfigCommand(apiFlags *APIFlags, cfgFlags *ConfigFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or update the worker configuration",
	}
	cmd.AddCommand(createConfigGetCommand(apiFlags), createConfigSetCommand(apiFlags, cfgFlags))
	return cmd
}

func createConfigGetCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the persisted worker configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := NewAPIClient(flags.APIUrl, flags.APITimeout).GetConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createConfigSetCommand(apiFlags *APIFlags, flags *ConfigFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Merge configuration fields (changing the version reinstalls)",
		RunE: func(cmd *cobra.Command, args []string) error {
			update := map[string]any{}
			if flags.MinMemory != "" {
				update["min_memory"] = flags.MinMemory
			}
			if flags.MaxMemory != "" {
				update["max_memory"] = flags.MaxMemory
			}
			if flags.Version != "" {
				update["target_version"] = flags.Version
			}
			if flags.JavaPath != "" {
				update["java_path"] = flags.JavaPath
			}
			if len(flags.Overrides) > 0 {
				overrides := map[string]string{}
				for _, kv := range flags.Overrides {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("invalid override %q, want key=value", kv)
					}
					overrides[k] = v
				}
				update["overrides"] = overrides
			}
			if len(update) == 0 {
				return fmt.Errorf("nothing to update")
			}
			return NewAPIClient(apiFlags.APIUrl, apiFlags.APITimeout).PutConfig(update)
		},
	}
	cmd.Flags().StringVar(&flags.MinMemory, "min-memory", "", "minimum worker heap, e.g. 1G")
	cmd.Flags().StringVar(&flags.MaxMemory, "max-memory", "", "maximum worker heap, e.g. 2G")
	cmd.Flags().StringVar(&flags.Version, "version", "", "target worker version")
	cmd.Flags().StringVar(&flags.JavaPath, "java", "", "java binary path")
	cmd.Flags().StringArrayVar(&flags.Overrides, "set", nil, "property override key=value (repeatable)")
	addAPIFlags(cmd, apiFlags)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
