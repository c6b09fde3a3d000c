package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/taginventory/pkg/resource"
)

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve scheduler events as an AWS Lambda handler",
	Long: `Serve scheduler events as an AWS Lambda handler.

The event's time field is the invocation timestamp, so a re-delivered
event maps onto the same run ID and never publishes twice.

An EventBridge Scheduler target with default input sends no time field.
Set the target input so it carries the scheduled time:

    {"time": "<aws.scheduler.scheduled-time>"}

Events without a time fall back to the current time and get a fresh run ID
on every delivery; a warning is logged when that happens.

Only /tmp is writable inside Lambda; point [checkpoint] path there.`,
	Args: cobra.NoArgs,
	RunE: runLambda,
}

func init() {
	rootCmd.AddCommand(lambdaCmd)
}

// runner is the part of the orchestrator the handler needs.
type runner interface {
	Run(ctx context.Context, invokedAt time.Time) (*resource.Manifest, error)
}

func runLambda(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	lambda.Start(handler(a.orchestrator, time.Now))
	return nil
}

// handler runs one inventory run per scheduler event. A Failed run returns
// its error so the event is retried under the same run ID.
func handler(r runner, now func() time.Time) func(context.Context, events.EventBridgeEvent) (*resource.Manifest, error) {
	return func(ctx context.Context, event events.EventBridgeEvent) (*resource.Manifest, error) {
		invokedAt := invocationTime(event, now)
		log.Info().
			Str("event_id", event.ID).
			Str("detail_type", event.DetailType).
			Time("invoked_at", invokedAt).
			Msg("scheduler event received")
		return r.Run(ctx, invokedAt)
	}
}

func invocationTime(event events.EventBridgeEvent, now func() time.Time) time.Time {
	if event.Time.IsZero() {
		log.Warn().
			Str("event_id", event.ID).
			Msg("event has no time; using current time, re-deliveries will not share a run ID. " +
				`set the scheduler target input to {"time": "<aws.scheduler.scheduled-time>"}`)
		return now()
	}
	return event.Time
}
