package resource

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// RunStatus is the published disposition of a run.
type RunStatus string

const (
	StatusPending        RunStatus = "Pending"
	StatusSucceeded      RunStatus = "Succeeded"
	StatusPartialFailure RunStatus = "PartialFailure"
	StatusFailed         RunStatus = "Failed"
)

// Final reports whether a tracking record in this status may no longer
// be overwritten.
func (s RunStatus) Final() bool {
	return s == StatusSucceeded || s == StatusPartialFailure
}

const runIDTimeLayout = "20060102T150405Z"

// NewRunID derives a run identifier from the account and the invocation
// timestamp. Re-delivery of the same trigger yields the same ID.
func NewRunID(account string, invokedAt time.Time) string {
	ts := invokedAt.UTC().Truncate(time.Second).Format(runIDTimeLayout)
	if account == "" {
		return ts
	}
	return account + "-" + ts
}

// ParseRunTime extracts the invocation timestamp from a run ID.
func ParseRunTime(runID string) (time.Time, error) {
	ts := runID
	if i := strings.LastIndexByte(runID, '-'); i >= 0 {
		ts = runID[i+1:]
	}
	t, err := time.Parse(runIDTimeLayout, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse run id %q: %w", runID, err)
	}
	return t, nil
}

// Manifest is a run's own record of scope, progress, and outcome.
type Manifest struct {
	RunID            string            `json:"run_id"`
	Account          string            `json:"account,omitempty"`
	InvokedAt        time.Time         `json:"invoked_at"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at,omitempty"`
	RegionsAttempted []string          `json:"regions_attempted"`
	RegionsFailed    map[string]string `json:"regions_failed,omitempty"` // region → reason
	RegionCounts     map[string]int    `json:"region_counts,omitempty"`
	ResourceCount    int               `json:"resource_count"`
	Status           RunStatus         `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	ObjectKey        string            `json:"object_key,omitempty"`
}

// NewManifest starts a manifest for a run over the given regions.
func NewManifest(runID, account string, invokedAt time.Time, regions []string) *Manifest {
	return &Manifest{
		RunID:            runID,
		Account:          account,
		InvokedAt:        invokedAt.UTC(),
		StartedAt:        time.Now().UTC(),
		RegionsAttempted: slices.Clone(regions),
		RegionsFailed:    make(map[string]string),
		RegionCounts:     make(map[string]int),
		Status:           StatusPending,
	}
}

// RecordRegion notes a branch that produced count resources.
func (m *Manifest) RecordRegion(region string, count int) {
	m.RegionCounts[region] = count
}

// RecordFailure notes a branch that produced no result.
func (m *Manifest) RecordFailure(region, reason string) {
	m.RegionsFailed[region] = reason
}

// IncompleteRegions returns the failed regions in sorted order.
func (m *Manifest) IncompleteRegions() []string {
	return slices.Sorted(maps.Keys(m.RegionsFailed))
}

// Complete reports whether every attempted region contributed.
func (m *Manifest) Complete() bool {
	return len(m.RegionsFailed) == 0
}

// Finalize stamps the terminal status.
func (m *Manifest) Finalize(status RunStatus, reason string) {
	m.Status = status
	m.Reason = reason
	m.FinishedAt = time.Now().UTC()
}

// Duration returns how long the run took, or zero while pending.
func (m *Manifest) Duration() time.Duration {
	if m.FinishedAt.IsZero() {
		return 0
	}
	return m.FinishedAt.Sub(m.StartedAt)
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.RegionsAttempted = slices.Clone(m.RegionsAttempted)
	c.RegionsFailed = maps.Clone(m.RegionsFailed)
	c.RegionCounts = maps.Clone(m.RegionCounts)
	return &c
}
