// Package config handles TOML configuration for taginventory.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Index backends.
const (
	IndexTagging  = "tagging"
	IndexServices = "services"
)

// Config is the root configuration structure. It is loaded once and
// treated as immutable for every run.
type Config struct {
	AWS        AWSConfig        `toml:"aws"`
	Search     SearchConfig     `toml:"search"`
	Filter     FilterConfig     `toml:"filter"`
	Store      StoreConfig      `toml:"store"`
	Retry      RetryConfig      `toml:"retry"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	OTEL       OTELConfig       `toml:"otel"`
	Log        LogConfig        `toml:"log"`
}

// AWSConfig holds account-side AWS settings.
type AWSConfig struct {
	Regions   []string `toml:"regions"` // enabled regions, in fold order
	Profile   string   `toml:"profile"`
	AccountID string   `toml:"account_id"`
}

// SearchConfig holds regional index settings.
type SearchConfig struct {
	Index          string        `toml:"index"`
	ResourceTypes  []string      `toml:"resource_types"` // tagging index type filters
	MaxPages       int           `toml:"max_pages"`
	PageSize       int32         `toml:"page_size"`
	TimeoutStr     string        `toml:"timeout"`
	Timeout        time.Duration `toml:"-"`
	MaxConcurrency int           `toml:"max_concurrency"`
}

// FilterConfig holds the tag filter settings.
type FilterConfig struct {
	ExcludeTypes []string          `toml:"exclude_types"`
	IncludeTags  map[string]string `toml:"include_tags"`
	ExcludeTags  map[string]string `toml:"exclude_tags"`
	PolicyFile   string            `toml:"policy_file"`
}

// StoreConfig identifies the central store and the role delegating
// access to it.
type StoreConfig struct {
	Bucket             string        `toml:"bucket"`
	Prefix             string        `toml:"prefix"`
	Table              string        `toml:"table"`
	Region             string        `toml:"region"`
	RoleARN            string        `toml:"role_arn"`
	ExternalID         string        `toml:"external_id"`
	SessionDurationStr string        `toml:"session_duration"`
	SessionDuration    time.Duration `toml:"-"`
	TimeoutStr         string        `toml:"timeout"` // bounds one write attempt
	Timeout            time.Duration `toml:"-"`
}

// RetryConfig holds backoff bounds.
type RetryConfig struct {
	BaseDelayStr string        `toml:"base_delay"`
	BaseDelay    time.Duration `toml:"-"`
	MaxDelayStr  string        `toml:"max_delay"`
	MaxDelay     time.Duration `toml:"-"`
}

// ScheduleConfig holds the in-process trigger settings.
type ScheduleConfig struct {
	At                string         `toml:"at"` // local time of day, "15:04"
	TimeZone          string         `toml:"time_zone"`
	FlexibleWindowStr string         `toml:"flexible_window"`
	FlexibleWindow    time.Duration  `toml:"-"`
	Location          *time.Location `toml:"-"`
}

// CheckpointConfig holds state-machine checkpoint settings.
type CheckpointConfig struct {
	Path string `toml:"path"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML bytes, applies defaults, and resolves durations.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := resolve(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Search.Index == "" {
		cfg.Search.Index = IndexTagging
	}
	if cfg.Search.MaxPages == 0 {
		cfg.Search.MaxPages = 1000
	}
	if cfg.Search.PageSize == 0 {
		cfg.Search.PageSize = 100
	}
	if cfg.Search.TimeoutStr == "" {
		cfg.Search.TimeoutStr = "60s"
	}
	if cfg.Store.Prefix == "" {
		cfg.Store.Prefix = "tag-inventory"
	}
	if cfg.Store.SessionDurationStr == "" {
		cfg.Store.SessionDurationStr = "15m"
	}
	if cfg.Store.TimeoutStr == "" {
		cfg.Store.TimeoutStr = "60s"
	}
	if cfg.Retry.BaseDelayStr == "" {
		cfg.Retry.BaseDelayStr = "1s"
	}
	if cfg.Retry.MaxDelayStr == "" {
		cfg.Retry.MaxDelayStr = "30s"
	}
	if cfg.Schedule.At == "" {
		cfg.Schedule.At = "06:00"
	}
	if cfg.Schedule.TimeZone == "" {
		cfg.Schedule.TimeZone = "America/New_York"
	}
	if cfg.Schedule.FlexibleWindowStr == "" {
		cfg.Schedule.FlexibleWindowStr = "60m"
	}
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = "taginventory.db"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "taginventory"
	}
	if cfg.OTEL.Metrics.Addr == "" {
		cfg.OTEL.Metrics.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func resolve(cfg *Config) error {
	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"search.timeout", cfg.Search.TimeoutStr, &cfg.Search.Timeout},
		{"store.session_duration", cfg.Store.SessionDurationStr, &cfg.Store.SessionDuration},
		{"store.timeout", cfg.Store.TimeoutStr, &cfg.Store.Timeout},
		{"retry.base_delay", cfg.Retry.BaseDelayStr, &cfg.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelayStr, &cfg.Retry.MaxDelay},
		{"schedule.flexible_window", cfg.Schedule.FlexibleWindowStr, &cfg.Schedule.FlexibleWindow},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.name, d.src, err)
		}
		*d.dst = v
	}

	loc, err := time.LoadLocation(cfg.Schedule.TimeZone)
	if err != nil {
		return fmt.Errorf("load time zone %q: %w", cfg.Schedule.TimeZone, err)
	}
	cfg.Schedule.Location = loc

	return nil
}

// Validate checks the configuration is valid. An empty region list is
// accepted here; it fails the run instead.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.AWS.Regions))
	for _, region := range c.AWS.Regions {
		if seen[region] {
			return fmt.Errorf("aws: region %q listed more than once", region)
		}
		seen[region] = true
	}
	if c.Search.Index != IndexTagging && c.Search.Index != IndexServices {
		return fmt.Errorf("search: unknown index %q", c.Search.Index)
	}
	if c.Search.MaxPages < 1 {
		return fmt.Errorf("search: max_pages must be positive (got %d)", c.Search.MaxPages)
	}
	if c.Search.Timeout <= 0 {
		return fmt.Errorf("search: timeout must be positive")
	}
	if c.Search.MaxConcurrency < 0 {
		return fmt.Errorf("search: max_concurrency must not be negative")
	}
	if c.Store.Bucket == "" {
		return fmt.Errorf("store: bucket required")
	}
	if c.Store.Table == "" {
		return fmt.Errorf("store: table required")
	}
	if c.Store.RoleARN == "" {
		return fmt.Errorf("store: role_arn required")
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store: timeout must be positive")
	}
	if c.Store.SessionDuration < 15*time.Minute || c.Store.SessionDuration > 12*time.Hour {
		return fmt.Errorf("store: session_duration must be between 15m and 12h (got %s)", c.Store.SessionDuration)
	}
	if _, err := time.Parse("15:04", c.Schedule.At); err != nil {
		return fmt.Errorf("schedule: at must be HH:MM (got %q)", c.Schedule.At)
	}
	if c.Schedule.FlexibleWindow < 0 {
		return fmt.Errorf("schedule: flexible_window must not be negative")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
