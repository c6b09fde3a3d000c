package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/taginventory/internal/config"
	"github.com/yairfalse/taginventory/internal/telemetry"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "taginventory",
		Short: "Tagged resource inventory across regions",
		Long: `taginventory - Tagged Resource Inventory

taginventory searches every enabled region of an account for tagged
resources, merges the regional results into one inventory, and publishes
it to a central bucket and tracking table owned by another account.

Regions that fail are listed in the published manifest; a run never
silently drops a region.`,
		Version:           telemetry.Version,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`taginventory {{.Version}} - Tagged Resource Inventory
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "taginventory.toml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	level, err := zerolog.ParseLevel(levelOrDefault(logLevel, "info"))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

// loadConfig reads the config file. A level from the file applies unless
// --log-level was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logLevel == "" {
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
		}
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

func levelOrDefault(level, def string) string {
	if level == "" {
		return def
	}
	return level
}
