package main

import (
	"fmt"
	"os"

	"github.com/oriys/jobhost/internal/config"
	"github.com/oriys/jobhost/internal/host"
	"github.com/oriys/jobhost/internal/indexer"
	"github.com/oriys/jobhost/internal/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jobhost",
		Short: "jobhost - binding and trigger runtime for background functions",
		Long:  "Runs functions triggered by storage queues, blobs, Service Bus entities and timers",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	rootCmd.AddCommand(
		runCmd(),
		functionsCmd(),
		callCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if one was given, then applies the
// JOBHOST_* environment overrides and the command line flags.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
	return cfg, nil
}

func newHost(cfg *config.Config) (*host.JobHost, error) {
	return host.New(cfg, []indexer.Catalog{sampleCatalog()})
}
