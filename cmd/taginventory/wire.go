package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"
	berrors "go.etcd.io/bbolt/errors"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/yairfalse/taginventory/internal/checkpoint"
	"github.com/yairfalse/taginventory/internal/config"
	"github.com/yairfalse/taginventory/internal/emitter"
	"github.com/yairfalse/taginventory/internal/filter"
	"github.com/yairfalse/taginventory/internal/orchestrator"
	"github.com/yairfalse/taginventory/internal/retry"
	"github.com/yairfalse/taginventory/internal/search"
	"github.com/yairfalse/taginventory/internal/store"
	"github.com/yairfalse/taginventory/internal/telemetry"
)

// app holds everything one process needs to execute runs.
type app struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	checkpoints  *checkpoint.Store
	emitter      emitter.Emitter
	provider     *telemetry.Provider
}

// buildApp wires AWS clients, the search index, the central-store writer,
// checkpoints, and telemetry from cfg. readers are extra metric readers,
// such as the Prometheus exporter in daemon mode.
func buildApp(ctx context.Context, cfg *config.Config, readers ...sdkmetric.Reader) (*app, error) {
	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, readers...)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a := &app{cfg: cfg, provider: provider}

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	storeCfg := awsCfg.Copy()
	if cfg.Store.Region != "" {
		storeCfg.Region = cfg.Store.Region
	}
	delegator := store.NewDelegator(sts.NewFromConfig(storeCfg), cfg.Store.RoleARN, cfg.Store.ExternalID, cfg.Store.SessionDuration)

	account := cfg.AWS.AccountID
	if account == "" {
		account, err = delegator.AccountID(ctx)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("resolve account: %w", err)
		}
	}

	predicate, err := buildFilter(ctx, cfg.Filter)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	index, err := buildIndex(cfg.Search, awsCfg, account)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	writer := store.NewWriter(delegator, storeClients(storeCfg), store.Config{
		Bucket: cfg.Store.Bucket,
		Prefix: cfg.Store.Prefix,
		Table:  cfg.Store.Table,
	})

	a.checkpoints, err = checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}

	prom, err := emitter.NewPrometheusEmitter()
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("create emitter: %w", err)
	}
	a.emitter = emitter.NewMultiEmitter(prom, emitter.NewLogEmitter(log.Logger))

	searchPolicy := retry.SearchPolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	writePolicy := retry.WritePolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)

	a.orchestrator = orchestrator.New(orchestrator.Config{
		Account:           account,
		Regions:           cfg.AWS.Regions,
		Filter:            predicate,
		InvocationTimeout: cfg.Search.Timeout,
		WriteTimeout:      cfg.Store.Timeout,
		MaxConcurrency:    cfg.Search.MaxConcurrency,
		SearchPolicy:      searchPolicy,
		WritePolicy:       writePolicy,
	}, search.NewWorker(index, cfg.Search.MaxPages), writer,
		orchestrator.WithCheckpointer(a.checkpoints),
		orchestrator.WithEmitter(a.emitter),
	)

	log.Info().
		Str("account", account).
		Strs("regions", cfg.AWS.Regions).
		Str("index", index.Name()).
		Str("bucket", cfg.Store.Bucket).
		Str("table", cfg.Store.Table).
		Msg("taginventory configured")

	return a, nil
}

// Close releases the checkpoint store and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			log.Warn().Err(err).Msg("close emitter")
		}
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Close(); err != nil {
			log.Warn().Err(err).Msg("close checkpoints")
		}
	}
	if a.provider != nil {
		if err := a.provider.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown telemetry")
		}
	}
}

// loadAWSConfig loads the default credential chain. SDK retries are turned
// off; retry budgets are owned by the run.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if len(cfg.Regions) > 0 {
		opts = append(opts, awsconfig.WithRegion(cfg.Regions[0]))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// regional builds one client per region on first use.
func regional[T any](base aws.Config, build func(aws.Config) T) func(string) T {
	var mu sync.Mutex
	clients := make(map[string]T)
	return func(region string) T {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[region]; ok {
			return c
		}
		cfg := base.Copy()
		cfg.Region = region
		c := build(cfg)
		clients[region] = c
		return c
	}
}

func buildIndex(cfg config.SearchConfig, awsCfg aws.Config, account string) (search.Index, error) {
	switch cfg.Index {
	case config.IndexTagging:
		clients := regional(awsCfg, func(c aws.Config) search.TaggingAPI {
			return resourcegroupstaggingapi.NewFromConfig(c)
		})
		return search.NewTaggingIndex(clients, search.TaggingConfig{
			ResourceTypes: cfg.ResourceTypes,
			PageSize:      cfg.PageSize,
		}), nil
	case config.IndexServices:
		clients := regional(awsCfg, func(c aws.Config) *search.ServiceClients {
			return &search.ServiceClients{
				EC2:         ec2.NewFromConfig(c),
				RDS:         rds.NewFromConfig(c),
				AutoScaling: autoscaling.NewFromConfig(c),
				Redshift:    redshift.NewFromConfig(c),
				EKS:         eks.NewFromConfig(c),
			}
		})
		return search.NewServiceIndex(clients, account, cfg.PageSize), nil
	default:
		return nil, fmt.Errorf("unknown index %q", cfg.Index)
	}
}

func buildFilter(ctx context.Context, cfg config.FilterConfig) (filter.Predicate, error) {
	f := filter.New(cfg.ExcludeTypes, cfg.IncludeTags, cfg.ExcludeTags)
	if cfg.PolicyFile == "" {
		return f, nil
	}
	policy, err := filter.LoadRegoPolicy(ctx, cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return f.WithPolicy(policy), nil
}

// storeClients signs central-store clients with the delegated credentials
// of one write.
func storeClients(base aws.Config) store.ClientFactory {
	return func(creds aws.CredentialsProvider) *store.Clients {
		cfg := base.Copy()
		cfg.Credentials = creds
		return &store.Clients{
			S3:       s3.NewFromConfig(cfg),
			DynamoDB: dynamodb.NewFromConfig(cfg),
		}
	}
}

// openCheckpoints opens the checkpoint store for commands that do not
// execute runs.
func openCheckpoints(cfg *config.Config) (*checkpoint.Store, error) {
	s, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("checkpoint store %s is locked by a running process", cfg.Checkpoint.Path)
		}
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}
	return s, nil
}
