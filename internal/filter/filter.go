// Package filter implements the tag filter applied to every record a
// regional index returns.
package filter

import (
	"context"

	"github.com/yairfalse/taginventory/pkg/resource"
)

// Predicate decides whether a record belongs in the inventory.
type Predicate interface {
	Include(ctx context.Context, r resource.Record) (bool, error)
}

// Filter selects resources that carry at least one tag, then applies the
// configured type and tag rules and an optional policy.
type Filter struct {
	excludeTypes map[string]bool
	includeTags  map[string]string
	excludeTags  map[string]string
	policy       Predicate
}

// New creates a new Filter from the provided configuration.
func New(excludeTypes []string, includeTags, excludeTags map[string]string) *Filter {
	excludeMap := make(map[string]bool)
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes: excludeMap,
		includeTags:  includeTags,
		excludeTags:  excludeTags,
	}
}

// WithPolicy adds a predicate evaluated after the built-in rules.
func (f *Filter) WithPolicy(p Predicate) *Filter {
	f.policy = p
	return f
}

// ShouldScanType returns true if the given resource type should be kept.
func (f *Filter) ShouldScanType(typ string) bool {
	return !f.excludeTypes[typ]
}

// ShouldIncludeRecord returns true if the record passes the built-in rules.
func (f *Filter) ShouldIncludeRecord(r resource.Record) bool {
	if !r.HasTags() {
		return false
	}
	if !f.ShouldScanType(r.Type) {
		return false
	}

	// Include tags (whitelist) - ALL must match
	for k, v := range f.includeTags {
		if r.Tags[k] != v {
			return false
		}
	}

	// Exclude tags (blacklist) - ANY match excludes
	for k, v := range f.excludeTags {
		if got, ok := r.Tags[k]; ok && got == v {
			return false
		}
	}

	return true
}

// Include implements Predicate.
func (f *Filter) Include(ctx context.Context, r resource.Record) (bool, error) {
	if !f.ShouldIncludeRecord(r) {
		return false, nil
	}
	if f.policy == nil {
		return true, nil
	}
	return f.policy.Include(ctx, r)
}

// Apply returns only records that pass the filter, preserving order.
func (f *Filter) Apply(ctx context.Context, records []resource.Record) ([]resource.Record, error) {
	kept := make([]resource.Record, 0, len(records))
	for _, r := range records {
		ok, err := f.Include(ctx, r)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, r)
		}
	}
	return kept, nil
}
