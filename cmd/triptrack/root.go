package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"triptrack/internal/config"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:     "triptrack",
	Short:   "GPS trip recorder",
	Long:    `triptrack records trips from a GPS fix source, keeps a history of them and exports them as CSV, JSON or YAML.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Logger = setupLogger(cfg.Logging)
	return cfg, nil
}
