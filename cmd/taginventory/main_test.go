package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/taginventory/internal/checkpoint"
	"github.com/yairfalse/taginventory/internal/config"
	"github.com/yairfalse/taginventory/pkg/resource"
)

type fakeRunner struct {
	invokedAt time.Time
	err       error
}

func (f *fakeRunner) Run(_ context.Context, invokedAt time.Time) (*resource.Manifest, error) {
	f.invokedAt = invokedAt
	m := resource.NewManifest(resource.NewRunID("123456789012", invokedAt), "123456789012", invokedAt, []string{"us-east-1"})
	m.Status = resource.StatusSucceeded
	if f.err != nil {
		m.Status = resource.StatusFailed
	}
	return m, f.err
}

func TestInvocationTime_UsesEventTime(t *testing.T) {
	scheduled := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	now := func() time.Time { return scheduled.Add(3 * time.Minute) }

	got := invocationTime(events.EventBridgeEvent{Time: scheduled}, now)
	assert.True(t, scheduled.Equal(got))
}

func TestInvocationTime_FallsBackToNow(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	fallback := time.Date(2026, 5, 4, 10, 3, 0, 0, time.UTC)
	got := invocationTime(events.EventBridgeEvent{ID: "evt-9"}, func() time.Time { return fallback })
	assert.True(t, fallback.Equal(got))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "evt-9", line["event_id"])
	assert.Contains(t, line["message"], "<aws.scheduler.scheduled-time>")
}

func TestInvocationTime_EventTimeDoesNotWarn(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	invocationTime(events.EventBridgeEvent{Time: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}, time.Now)
	assert.Empty(t, buf.String())
}

func TestHandler_RedeliveryKeepsRunID(t *testing.T) {
	r := &fakeRunner{}
	clock := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	h := handler(r, func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})

	event := events.EventBridgeEvent{ID: "evt-1", Time: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}

	first, err := h(context.Background(), event)
	require.NoError(t, err)
	second, err := h(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, "123456789012-20260504T100000Z", first.RunID)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestHandler_FailedRunReturnsError(t *testing.T) {
	r := &fakeRunner{err: errors.New("no regions configured")}
	h := handler(r, time.Now)

	m, err := h(context.Background(), events.EventBridgeEvent{Time: time.Now()})
	require.Error(t, err)
	require.NotNil(t, m)
	assert.Equal(t, resource.StatusFailed, m.Status)
}

func TestRender_JSON(t *testing.T) {
	m := resource.NewManifest("run-1", "123456789012", time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), []string{"us-east-1"})
	m.Status = resource.StatusPartialFailure

	var buf bytes.Buffer
	require.NoError(t, render(&buf, m, "json"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "PartialFailure", decoded["status"])
}

func TestRender_YAMLKeepsFieldNames(t *testing.T) {
	m := resource.NewManifest("run-1", "123456789012", time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), []string{"us-east-1", "eu-west-1"})

	var buf bytes.Buffer
	require.NoError(t, render(&buf, m, "yaml"))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, []any{"us-east-1", "eu-west-1"}, decoded["regions_attempted"])
}

func TestRender_UnknownFormat(t *testing.T) {
	err := render(&bytes.Buffer{}, struct{}{}, "xml")
	assert.Error(t, err)
}

func TestStatusView(t *testing.T) {
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(checkpoint.Checkpoint{RunID: "run-1", State: "Start", UpdatedAt: now}))
	require.NoError(t, store.Save(checkpoint.Checkpoint{RunID: "run-1", State: "FanOutSearch", UpdatedAt: now.Add(time.Second)}))
	require.NoError(t, store.Save(checkpoint.Checkpoint{RunID: "run-2", State: "Start", UpdatedAt: now.Add(time.Minute)}))

	list, err := statusView(store, nil)
	require.NoError(t, err)
	runs, ok := list.([]checkpoint.Checkpoint)
	require.True(t, ok)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)

	detail, err := statusView(store, []string{"run-1"})
	require.NoError(t, err)
	d, ok := detail.(runDetail)
	require.True(t, ok)
	assert.Equal(t, "FanOutSearch", d.Checkpoint.State)
	require.Len(t, d.Transitions, 2)
	assert.Equal(t, "Start", d.Transitions[1].From)
	assert.Equal(t, "FanOutSearch", d.Transitions[1].To)

	_, err = statusView(store, []string{"missing"})
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestBuildFilter_WithPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	policy := `package taginventory

default include := false

include if {
	input.resource.tags.env == "prod"
}
`
	require.NoError(t, os.WriteFile(path, []byte(policy), 0644))

	f, err := buildFilter(context.Background(), config.FilterConfig{PolicyFile: path})
	require.NoError(t, err)

	ok, err := f.Include(context.Background(), resource.Record{ID: "i-1", Tags: map[string]string{"env": "prod"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Include(context.Background(), resource.Record{ID: "i-2", Tags: map[string]string{"env": "dev"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildFilter_MissingPolicy(t *testing.T) {
	_, err := buildFilter(context.Background(), config.FilterConfig{PolicyFile: filepath.Join(t.TempDir(), "absent.rego")})
	assert.Error(t, err)
}

func TestBuildIndex(t *testing.T) {
	base := aws.Config{Region: "us-east-1"}

	idx, err := buildIndex(config.SearchConfig{Index: config.IndexTagging, PageSize: 100}, base, "123456789012")
	require.NoError(t, err)
	assert.Equal(t, "tagging", idx.Name())

	idx, err = buildIndex(config.SearchConfig{Index: config.IndexServices, PageSize: 100}, base, "123456789012")
	require.NoError(t, err)
	assert.Equal(t, "services", idx.Name())

	_, err = buildIndex(config.SearchConfig{Index: "explorer"}, base, "123456789012")
	assert.Error(t, err)
}

func TestRegional_OneClientPerRegion(t *testing.T) {
	built := map[string]int{}
	clients := regional(aws.Config{Region: "us-east-1"}, func(c aws.Config) string {
		built[c.Region]++
		return c.Region
	})

	assert.Equal(t, "eu-west-1", clients("eu-west-1"))
	assert.Equal(t, "eu-west-1", clients("eu-west-1"))
	assert.Equal(t, "ap-south-1", clients("ap-south-1"))
	assert.Equal(t, map[string]int{"eu-west-1": 1, "ap-south-1": 1}, built)
}

func TestStoreClients(t *testing.T) {
	factory := storeClients(aws.Config{Region: "us-east-1"})
	clients := factory(credentials.NewStaticCredentialsProvider("AKID", "SECRET", "TOKEN"))

	require.NotNil(t, clients)
	assert.NotNil(t, clients.S3)
	assert.NotNil(t, clients.DynamoDB)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taginventory.toml")
	content := `
[aws]
regions = ["us-east-1"]

[store]
bucket = "org-tag-inventory"
table = "tag-inventory-runs"
role_arn = "arn:aws:iam::111111111111:role/tag-inventory-writer"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	configPath = path
	defer func() { configPath = "taginventory.toml" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1"}, cfg.AWS.Regions)
	assert.Equal(t, "America/New_York", cfg.Schedule.TimeZone)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taginventory.toml")
	require.NoError(t, os.WriteFile(path, []byte("[aws]\nregions = [\"us-east-1\"]\n"), 0644))

	configPath = path
	defer func() { configPath = "taginventory.toml" }()

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "daemon", "lambda", "status"} {
		assert.True(t, names[want], want)
	}
}
