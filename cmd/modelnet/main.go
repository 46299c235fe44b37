package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tt1a44a/modelnet/internal/catalog"
	"github.com/tt1a44a/modelnet/internal/config"
	"github.com/tt1a44a/modelnet/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "modelnet",
	Short:         "modelnet - exposed LLM endpoint discovery and catalog",
	Long:          `modelnet discovers publicly exposed LLM inference endpoints, verifies that they serve real models, screens out honeypots, and catalogs the results for querying, benchmarking, and chat forwarding.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(endpointsCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modelnet %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	err := rootCmd.Execute()
	logging.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup initializes logging with baseline defaults for early startup logs,
// loads configuration, re-initializes logging from it, and opens the
// catalog store.
func setup(component string, verbose bool) (*config.Config, *catalog.Store, error) {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: component,
	})

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     level,
		Component: component,
		FilePath:  cfg.LogFile,
	})

	store, err := catalog.Open(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}
