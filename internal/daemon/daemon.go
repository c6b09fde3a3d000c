// Package daemon triggers inventory runs on a daily schedule and serves
// metrics and health endpoints while it waits.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/taginventory/internal/telemetry"
	"github.com/yairfalse/taginventory/pkg/resource"
)

// Runner executes one inventory run for an invocation time.
type Runner interface {
	Run(ctx context.Context, invokedAt time.Time) (*resource.Manifest, error)
}

// Config holds daemon configuration
type Config struct {
	Schedule *Schedule
	Addr     string // metrics and health listen address; empty disables the server
}

// Daemon manages the schedule trigger and the metrics server
type Daemon struct {
	runner   Runner
	schedule *Schedule
	addr     string
	metrics  *DaemonMetrics
	logger   *telemetry.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	startTime time.Time
	runCount  atomic.Int64
	inFlight  atomic.Int64
	runs      sync.WaitGroup

	mu      sync.Mutex
	lastRun *resource.Manifest
	ln      net.Listener
	ready   chan struct{}
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithMetrics records trigger metrics.
func WithMetrics(m *DaemonMetrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithLogger sets the daemon logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithClock replaces the wall clock and timer, for tests.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(d *Daemon) {
		d.now = now
		d.after = after
	}
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, runner Runner, opts ...Option) (*Daemon, error) {
	if config.Schedule == nil {
		return nil, errors.New("daemon: schedule required")
	}
	if runner == nil {
		return nil, errors.New("daemon: runner required")
	}
	d := &Daemon{
		runner:    runner,
		schedule:  config.Schedule,
		addr:      config.Addr,
		logger:    telemetry.NewLogger("daemon"),
		now:       time.Now,
		after:     time.After,
		startTime: time.Now(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start runs the trigger until ctx ends or the process is signaled, then
// waits for in-flight runs to finish.
func (d *Daemon) Start(ctx context.Context) error {
	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.loop(ctx)
		}, func(error) {
			cancel()
		})
	}

	if d.addr != "" {
		ln, err := net.Listen("tcp", d.addr)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.ln = ln
		d.mu.Unlock()

		srv := &http.Server{
			Handler:           d.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server listening")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	close(d.ready)
	err := g.Run()

	d.logger.Info().Int64("in_flight", d.inFlight.Load()).Msg("waiting for in-flight runs")
	d.runs.Wait()

	var sig run.SignalError
	if err == nil || errors.Is(err, context.Canceled) || errors.As(err, &sig) {
		return nil
	}
	return err
}

func (d *Daemon) loop(ctx context.Context) error {
	for {
		nominal, fire := d.schedule.Next(d.now())
		d.logger.Info().
			Time("nominal", nominal).
			Time("fire_at", fire).
			Msg("next run scheduled")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.after(fire.Sub(d.now())):
		}

		d.trigger(ctx, nominal)
	}
}

// trigger starts a run for the nominal tick time. Runs are independent of
// one another and outlive the trigger loop.
func (d *Daemon) trigger(ctx context.Context, nominal time.Time) {
	if d.metrics != nil {
		d.metrics.RecordTrigger(ctx, d.now().Sub(nominal).Seconds())
		d.metrics.RunStarted(ctx)
	}
	d.inFlight.Add(1)
	d.runs.Add(1)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.runs.Done()
		defer d.inFlight.Add(-1)

		m, err := d.runner.Run(runCtx, nominal)
		d.runCount.Add(1)

		status := string(resource.StatusFailed)
		if m != nil {
			status = string(m.Status)
			d.mu.Lock()
			d.lastRun = m
			d.mu.Unlock()
		}
		if d.metrics != nil {
			d.metrics.RunFinished(runCtx, status)
		}

		evt := d.logger.Info()
		if err != nil {
			evt = d.logger.Error().Err(err)
		}
		runID := ""
		if m != nil {
			runID = m.RunID
		}
		evt.Str("run_id", runID).Str("status", status).Msg("scheduled run finished")
	}()
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status   string             `json:"status"`
	Uptime   int64              `json:"uptime_seconds"`
	Runs     int64              `json:"runs"`
	InFlight int64              `json:"in_flight"`
	LastRun  *resource.Manifest `json:"last_run,omitempty"`
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.Lock()
	last := d.lastRun
	d.mu.Unlock()
	return HealthStatus{
		Status:   "healthy",
		Uptime:   int64(time.Since(d.startTime).Seconds()),
		Runs:     d.runCount.Load(),
		InFlight: d.inFlight.Load(),
		LastRun:  last,
	}
}

// RunCount returns total runs finished
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}

// Addr returns the bound server address once Start has begun listening.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Ready is closed once every actor has been registered.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Handler serves /metrics and the health endpoints.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", d.handleHealth)
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-d.ready:
			d.handleHealth(w, r)
		default:
			http.Error(w, "not ready", http.StatusServiceUnavailable)
		}
	})
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Health())
}
