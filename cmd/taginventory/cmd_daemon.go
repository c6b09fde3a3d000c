package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/yairfalse/taginventory/internal/daemon"
	"github.com/yairfalse/taginventory/internal/telemetry"
)

var daemonAddr string

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the daily schedule trigger",
	Long: `Run taginventory as a long-lived process that triggers one run per day.

The trigger fires at [schedule] at in [schedule] time_zone, delayed by a
uniformly random amount inside [schedule] flexible_window. The nominal
tick time, not the delayed one, is the run's invocation timestamp.

Features:
- Prometheus metrics on /metrics endpoint
- Health checks on /health, /-/healthy, /-/ready
- Graceful shutdown on SIGTERM/SIGINT; in-flight runs are allowed to finish`,
	Example: `  taginventory daemon                      # Run with defaults
  taginventory daemon --addr :2112         # Custom metrics address`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "Metrics and health HTTP address (default from [otel.metrics] addr)")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonAddr != "" {
		cfg.OTEL.Metrics.Addr = daemonAddr
	}

	ctx := cmd.Context()

	promExporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	a, err := buildApp(ctx, cfg, promExporter)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	schedule, err := daemon.NewSchedule(cfg.Schedule.At, cfg.Schedule.Location, cfg.Schedule.FlexibleWindow)
	if err != nil {
		return err
	}

	metrics, err := daemon.NewDaemonMetrics()
	if err != nil {
		return fmt.Errorf("create daemon metrics: %w", err)
	}

	d, err := daemon.NewDaemon(daemon.Config{
		Schedule: schedule,
		Addr:     cfg.OTEL.Metrics.Addr,
	}, a.orchestrator,
		daemon.WithMetrics(metrics),
		daemon.WithLogger(telemetry.NewLogger("daemon")),
	)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	log.Info().
		Str("at", cfg.Schedule.At).
		Str("time_zone", cfg.Schedule.TimeZone).
		Dur("flexible_window", cfg.Schedule.FlexibleWindow).
		Str("addr", cfg.OTEL.Metrics.Addr).
		Msg("taginventory daemon starting")

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	log.Info().Int64("runs", d.RunCount()).Msg("taginventory daemon stopped")
	return nil
}
