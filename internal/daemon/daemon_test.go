package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/taginventory/pkg/resource"
)

// fakeClock advances instantly to each requested deadline, up to limit
// timers. Later timers never fire.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	fired int
	limit int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired >= c.limit {
		return nil
	}
	c.fired++
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []time.Time
	release chan struct{}
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, invokedAt time.Time) (*resource.Manifest, error) {
	r.mu.Lock()
	r.calls = append(r.calls, invokedAt)
	r.mu.Unlock()

	if r.release != nil {
		<-r.release
	}

	m := resource.NewManifest(resource.NewRunID("123456789012", invokedAt), "123456789012", invokedAt, []string{"us-east-1"})
	if r.err != nil {
		m.Status = resource.StatusFailed
		m.Reason = r.err.Error()
		return m, r.err
	}
	m.Status = resource.StatusSucceeded
	return m, nil
}

func (r *fakeRunner) Calls() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls...)
}

func newTestDaemon(t *testing.T, runner Runner, clock *fakeClock, addr string) *Daemon {
	t.Helper()
	s, err := NewSchedule("06:00", newYork(t), 30*time.Minute)
	require.NoError(t, err)
	s.jitter = func(time.Duration) time.Duration { return 10 * time.Minute }

	d, err := NewDaemon(Config{Schedule: s, Addr: addr}, runner, WithClock(clock.Now, clock.After))
	require.NoError(t, err)
	return d
}

func TestNewDaemon_Validation(t *testing.T) {
	s, err := NewSchedule("06:00", nil, 0)
	require.NoError(t, err)

	_, err = NewDaemon(Config{}, &fakeRunner{})
	assert.Error(t, err)

	_, err = NewDaemon(Config{Schedule: s}, nil)
	assert.Error(t, err)
}

func TestDaemon_TriggersAtNominalTimes(t *testing.T) {
	loc := newYork(t)
	clock := &fakeClock{now: time.Date(2026, 5, 4, 5, 0, 0, 0, loc), limit: 3}
	runner := &fakeRunner{}
	d := newTestDaemon(t, runner, clock, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.RunCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	calls := runner.Calls()
	require.Len(t, calls, 3)

	// Runs are keyed on the nominal time, never the jittered one.
	want := map[time.Time]bool{
		time.Date(2026, 5, 4, 6, 0, 0, 0, loc).UTC(): true,
		time.Date(2026, 5, 5, 6, 0, 0, 0, loc).UTC(): true,
		time.Date(2026, 5, 6, 6, 0, 0, 0, loc).UTC(): true,
	}
	for _, c := range calls {
		assert.True(t, want[c.UTC()], "unexpected invocation time %s", c)
	}
}

func TestDaemon_GracefulShutdown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), limit: 0}
	d := newTestDaemon(t, &fakeRunner{}, clock, "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	<-d.Ready()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	assert.Zero(t, d.RunCount())
}

func TestDaemon_WaitsForInFlightRuns(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), limit: 1}
	runner := &fakeRunner{release: make(chan struct{})}
	d := newTestDaemon(t, runner, clock, "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.Health().InFlight == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-errCh:
		t.Fatal("daemon returned before the run finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, int64(1), d.RunCount())
	assert.Zero(t, d.Health().InFlight)
}

func TestDaemon_FailedRunKeepsScheduling(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), limit: 2}
	runner := &fakeRunner{err: errors.New("no regions")}
	d := newTestDaemon(t, runner, clock, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.RunCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	last := d.Health().LastRun
	require.NotNil(t, last)
	assert.Equal(t, resource.StatusFailed, last.Status)
}

func TestDaemon_HealthEndpoints(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), limit: 0}
	d := newTestDaemon(t, &fakeRunner{}, clock, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	<-d.Ready()
	addr := d.Addr()
	require.NotEmpty(t, addr)

	for _, path := range []string{"/health", "/-/healthy", "/-/ready"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get("http://" + addr + path)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var health HealthStatus
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
			assert.Equal(t, "healthy", health.Status)
			assert.GreaterOrEqual(t, health.Uptime, int64(0))
		})
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemon_NotReadyBeforeStart(t *testing.T) {
	clock := &fakeClock{now: time.Now(), limit: 0}
	d := newTestDaemon(t, &fakeRunner{}, clock, "")

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
