package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"topsql-collector/internal/agent"
	"topsql-collector/internal/agent/version"
	"topsql-collector/internal/config"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "topsql-collector",
		Short:         "Collect TopSQL resource usage from storage nodes",
		Long:          "topsql-collector keeps a resource usage subscription open to every storage node registered in the topology directory and forwards the records downstream.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollector(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collector (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollector(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(version.Get(cfg))
		},
	}
}

func runCollector(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := agent.BuildLogger(cfg)
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("collector initialization failed", "error", err)
		return err
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("collector runtime failed", "error", err)
		return err
	}
	return nil
}
