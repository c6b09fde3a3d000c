// Package resource defines the tag inventory data model.
package resource

import (
	"maps"
	"time"
)

// Record is one tagged resource as reported by a regional index.
type Record struct {
	ID             string            `json:"id"`                         // ARN, unique within the organization
	Region         string            `json:"region"`                     // Region the index reported it in
	Type           string            `json:"type"`                       // Resource type (e.g., "ec2:instance")
	Service        string            `json:"service,omitempty"`          // Owning service (e.g., "ec2")
	Account        string            `json:"account,omitempty"`          // Owning account ID
	Tags           map[string]string `json:"tags"`                       // Tag key → value, verbatim
	LastReportedAt time.Time         `json:"last_reported_at,omitempty"` // When the index last saw it
}

// Key returns the stable identity of a record within one run.
func (r Record) Key() string {
	return r.ID + "|" + r.Region
}

// HasTags reports whether the record carries at least one tag.
func (r Record) HasTags() bool {
	return len(r.Tags) > 0
}

// Clone returns a copy that shares no maps with r.
func (r Record) Clone() Record {
	c := r
	c.Tags = maps.Clone(r.Tags)
	if c.Tags == nil {
		c.Tags = make(map[string]string)
	}
	return c
}

// RegionResult is the full result set of one region search.
type RegionResult struct {
	Region   string        `json:"region"`
	Records  []Record      `json:"records"`
	Pages    int           `json:"pages"`
	Complete bool          `json:"complete"`
	Duration time.Duration `json:"duration"`
}

// RegionOutcome is the terminal outcome of one fan-out branch.
// Exactly one of Result and Err is set.
type RegionOutcome struct {
	Region   string
	Result   *RegionResult
	Err      error
	Attempts int
}

// Failed reports whether the branch ended without a result.
func (o RegionOutcome) Failed() bool {
	return o.Result == nil
}
