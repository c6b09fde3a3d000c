// Package orchestrator drives one inventory run: fan out a search per
// region, wait for every branch, merge, and publish.
package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/yairfalse/taginventory/internal/checkpoint"
	"github.com/yairfalse/taginventory/internal/emitter"
	"github.com/yairfalse/taginventory/internal/errs"
	"github.com/yairfalse/taginventory/internal/filter"
	"github.com/yairfalse/taginventory/internal/merge"
	"github.com/yairfalse/taginventory/internal/retry"
	"github.com/yairfalse/taginventory/internal/telemetry"
	"github.com/yairfalse/taginventory/pkg/resource"
)

// DefaultInvocationTimeout bounds one search or write attempt.
const DefaultInvocationTimeout = 60 * time.Second

// Searcher searches one region.
type Searcher interface {
	Search(ctx context.Context, region string, f filter.Predicate) (*resource.RegionResult, error)
}

// Writer publishes a finished run.
type Writer interface {
	Write(ctx context.Context, inv *resource.Inventory, m *resource.Manifest) (*resource.Manifest, error)
	Fail(ctx context.Context, m *resource.Manifest) error
}

// Checkpointer persists run state.
type Checkpointer interface {
	Save(cp checkpoint.Checkpoint) error
}

// Config holds per-orchestrator settings. Regions is copied by New, so
// later changes to the caller's slice do not reach any run.
type Config struct {
	Account           string
	Regions           []string
	Filter            filter.Predicate
	InvocationTimeout time.Duration
	WriteTimeout      time.Duration
	MaxConcurrency    int // 0 runs every branch at once
	SearchPolicy      retry.Policy
	WritePolicy       retry.Policy
}

// Orchestrator runs inventory runs. It holds no per-run state, so
// overlapping runs are independent.
type Orchestrator struct {
	cfg         Config
	searcher    Searcher
	writer      Writer
	checkpoints Checkpointer
	emitter     emitter.Emitter
	logger      *telemetry.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCheckpointer persists every transition to c.
func WithCheckpointer(c Checkpointer) Option {
	return func(o *Orchestrator) { o.checkpoints = c }
}

// WithEmitter reports every finished run to e.
func WithEmitter(e emitter.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithLogger replaces the default component logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(cfg Config, searcher Searcher, writer Writer, opts ...Option) *Orchestrator {
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = DefaultInvocationTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultInvocationTimeout
	}
	cfg.Regions = slices.Clone(cfg.Regions)
	o := &Orchestrator{
		cfg:      cfg,
		searcher: searcher,
		writer:   writer,
		logger:   telemetry.NewLogger("orchestrator"),
		tracer:   otel.Tracer("taginventory/orchestrator"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the state of one run. Slots and branches are indexed like regions.
type run struct {
	mu       sync.Mutex
	id       string
	regions  []string
	state    State
	manifest *resource.Manifest
	slots    []resource.RegionOutcome
	branches []checkpoint.Branch
}

// Run executes one run for the trigger fired at invokedAt and returns the
// final manifest. The error is non-nil only when the run ends Failed.
func (o *Orchestrator) Run(ctx context.Context, invokedAt time.Time) (*resource.Manifest, error) {
	regions := slices.Clone(o.cfg.Regions)
	r := &run{
		id:       resource.NewRunID(o.cfg.Account, invokedAt),
		regions:  regions,
		slots:    make([]resource.RegionOutcome, len(regions)),
		branches: make([]checkpoint.Branch, len(regions)),
	}
	r.manifest = resource.NewManifest(r.id, o.cfg.Account, invokedAt, regions)
	for i, region := range regions {
		r.branches[i] = checkpoint.Branch{Region: region, State: branchPending}
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run_id", r.id),
		attribute.Int("regions", len(regions)),
	))
	defer span.End()

	log := o.logger.WithContext(ctx)
	log.Info().Str("run_id", r.id).Strs("regions", regions).Msg("run started")

	o.transition(ctx, r, StateStart, "")

	if len(regions) == 0 {
		err := errs.New(errs.NoRegionsConfigured, "start", errors.New("no enabled regions"))
		return o.fail(ctx, span, r, err, true)
	}

	o.transition(ctx, r, StateFanOutSearch, "")
	wait := o.fanOut(ctx, r)

	o.transition(ctx, r, StateAwaitAllRegions, "")
	wait()

	o.transition(ctx, r, StateMerge, "")
	res := merge.Merge(r.regions, r.slots)
	for region, n := range res.RegionCounts {
		r.manifest.RecordRegion(region, n)
	}
	for region, reason := range res.Incomplete {
		r.manifest.RecordFailure(region, reason)
	}
	r.manifest.ResourceCount = res.Inventory.Len()
	log.Info().
		Str("run_id", r.id).
		Int("resources", res.Inventory.Len()).
		Int("duplicates", res.Duplicates).
		Strs("incomplete", res.IncompleteRegions()).
		Msg("merge complete")

	o.transition(ctx, r, StateWrite, "")
	final, err := o.write(ctx, r, res.Inventory)
	if err != nil {
		return o.fail(ctx, span, r, err, !errs.Is(err, errs.CredentialDenied))
	}

	r.manifest = final
	state := terminalState(final.Status)
	o.transition(ctx, r, state, final.Reason)
	o.emit(ctx, r.manifest)

	span.SetAttributes(
		attribute.String("status", string(final.Status)),
		attribute.Int("resources", final.ResourceCount),
	)
	return r.manifest.Clone(), nil
}

// fanOut starts one branch per region and returns a barrier that blocks
// until every slot is filled.
func (o *Orchestrator) fanOut(ctx context.Context, r *run) func() {
	var sem *semaphore.Weighted
	if o.cfg.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	}

	var wg sync.WaitGroup
	for i, region := range r.regions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					o.branchDone(ctx, r, i, resource.RegionOutcome{Region: region, Err: err})
					return
				}
				defer sem.Release(1)
			}
			o.branchStarted(ctx, r, i)
			o.branchDone(ctx, r, i, o.branch(ctx, region))
		}()
	}
	return wg.Wait
}

// branch runs one region's search under the search retry policy. Each
// attempt gets its own timeout; exceeding it is a retryable Timeout.
func (o *Orchestrator) branch(ctx context.Context, region string) resource.RegionOutcome {
	var result *resource.RegionResult
	attempts, err := o.cfg.SearchPolicy.Do(ctx, "search "+region, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.cfg.InvocationTimeout)
		defer cancel()

		res, err := o.searcher.Search(actx, region, o.cfg.Filter)
		if err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errs.Is(err, errs.Timeout) {
				return errs.New(errs.Timeout, "search", err).InRegion(region)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return resource.RegionOutcome{Region: region, Err: err, Attempts: attempts}
	}
	return resource.RegionOutcome{Region: region, Result: result, Attempts: attempts}
}

func (o *Orchestrator) branchStarted(ctx context.Context, r *run, i int) {
	r.mu.Lock()
	r.branches[i].State = branchRunning
	r.mu.Unlock()
	o.save(ctx, r, "")
}

func (o *Orchestrator) branchDone(ctx context.Context, r *run, i int, outcome resource.RegionOutcome) {
	r.mu.Lock()
	r.slots[i] = outcome
	b := &r.branches[i]
	b.Attempts = outcome.Attempts
	if outcome.Failed() {
		b.State = branchFailed
		if outcome.Err != nil {
			b.Reason = outcome.Err.Error()
		}
	} else {
		b.State = branchSucceeded
		b.Resources = len(outcome.Result.Records)
	}
	r.mu.Unlock()

	log := o.logger.WithContext(ctx)
	if outcome.Failed() {
		log.Warn().Err(outcome.Err).Str("run_id", r.id).Str("region", outcome.Region).
			Int("attempts", outcome.Attempts).Msg("region failed")
	} else {
		log.Debug().Str("run_id", r.id).Str("region", outcome.Region).
			Int("resources", len(outcome.Result.Records)).Int("attempts", outcome.Attempts).Msg("region done")
	}
	o.save(ctx, r, "")
}

// write publishes the run. Each attempt gets its own timeout; a stalled
// attempt is a retryable store error. A WriteConflict means another delivery
// already published this run; its stored manifest is adopted.
func (o *Orchestrator) write(ctx context.Context, r *run, inv *resource.Inventory) (*resource.Manifest, error) {
	pending := r.manifest.Clone()
	pending.Status = resource.StatusSucceeded
	if !pending.Complete() {
		pending.Status = resource.StatusPartialFailure
	}

	var stored *resource.Manifest
	_, err := o.cfg.WritePolicy.Do(ctx, "write "+r.id, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.cfg.WriteTimeout)
		defer cancel()

		out, err := o.writer.Write(actx, inv, pending)
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && errs.KindOf(err) == "" {
			err = errs.New(errs.TransientStoreError, "write", err)
		}
		stored = out
		return err
	})

	switch {
	case err == nil:
		return stored, nil
	case errs.Is(err, errs.WriteConflict):
		o.logger.WithContext(ctx).Info().Str("run_id", r.id).Msg("run already published, adopting stored manifest")
		if stored == nil {
			return pending, nil
		}
		return stored, nil
	default:
		return nil, err
	}
}

// fail ends the run Failed. record asks the writer to note the failure in
// the tracking table, which needs a working credential.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, r *run, cause error, record bool) (*resource.Manifest, error) {
	reason := string(errs.KindOf(cause))
	if reason == "" {
		reason = cause.Error()
	}
	r.manifest.Finalize(resource.StatusFailed, reason)

	span.RecordError(cause)
	span.SetStatus(codes.Error, reason)

	if record && o.writer != nil {
		fctx, cancel := context.WithTimeout(ctx, o.cfg.WriteTimeout)
		if err := o.writer.Fail(fctx, r.manifest); err != nil {
			o.logger.WithContext(ctx).Warn().Err(err).Str("run_id", r.id).Msg("could not record failed run")
		}
		cancel()
	}

	o.transition(ctx, r, StateFailed, cause.Error())
	o.logger.WithContext(ctx).Error().Err(cause).Str("run_id", r.id).Str("reason", reason).Msg("run failed")
	o.emit(ctx, r.manifest)

	return r.manifest.Clone(), cause
}

func (o *Orchestrator) transition(ctx context.Context, r *run, to State, note string) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()

	o.logger.WithContext(ctx).Debug().Str("run_id", r.id).
		Str("from", string(from)).Str("to", string(to)).Msg("state transition")
	o.save(ctx, r, note)
}

func (o *Orchestrator) save(ctx context.Context, r *run, note string) {
	if o.checkpoints == nil {
		return
	}

	r.mu.Lock()
	cp := checkpoint.Checkpoint{
		RunID:     r.id,
		State:     string(r.state),
		Manifest:  r.manifest.Clone(),
		Branches:  slices.Clone(r.branches),
		Note:      note,
		UpdatedAt: o.now().UTC(),
	}
	err := o.checkpoints.Save(cp)
	r.mu.Unlock()

	if err != nil {
		o.logger.WithContext(ctx).Warn().Err(err).Str("run_id", r.id).Msg("checkpoint failed")
	}
}

func (o *Orchestrator) emit(ctx context.Context, m *resource.Manifest) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, m); err != nil {
		o.logger.WithContext(ctx).Warn().Err(err).Str("run_id", m.RunID).Msg("emit failed")
	}
}
