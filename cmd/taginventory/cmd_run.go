package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runOutput string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one inventory run now",
	Long: `Execute one inventory run with the current time as the invocation
timestamp and print the final manifest.

The command exits non-zero only when the run ends Failed. A run that lost
some regions is published as PartialFailure and exits zero; the manifest
lists the missing regions.`,
	Example: `  taginventory run                         # Run with taginventory.toml
  taginventory run -c prod.toml -o yaml    # Custom config, YAML manifest`,
	Args: cobra.NoArgs,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "json", "Manifest format (json, yaml)")
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	m, runErr := a.orchestrator.Run(ctx, time.Now())
	if m != nil {
		if err := render(os.Stdout, m, runOutput); err != nil {
			return err
		}
	}
	return runErr
}
