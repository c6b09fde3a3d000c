// Package merge folds per-region search outcomes into one inventory.
package merge

import (
	"maps"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/taginventory/pkg/resource"
)

// Result is the merged inventory plus what is known to be missing from it.
type Result struct {
	Inventory    *resource.Inventory
	RegionCounts map[string]int    // records each region owns in the inventory; sums to Inventory.Len()
	Incomplete   map[string]string // region → reason; regions that contributed nothing
	Duplicates   int               // records replaced by a later region
}

// IncompleteRegions returns the incomplete set in sorted order.
func (r *Result) IncompleteRegions() []string {
	return slices.Sorted(maps.Keys(r.Incomplete))
}

// Merge folds outcomes in the given region order. On a duplicate ID the
// record from the later region replaces the earlier one and moves out of the
// earlier region's count. Outcomes for
// regions not in order are ignored; regions in order with no outcome are
// reported incomplete.
func Merge(order []string, outcomes []resource.RegionOutcome) *Result {
	byRegion := make(map[string]resource.RegionOutcome, len(outcomes))
	for _, o := range outcomes {
		byRegion[o.Region] = o
	}

	res := &Result{
		Inventory:    resource.NewInventory(),
		RegionCounts: make(map[string]int, len(order)),
		Incomplete:   make(map[string]string),
	}

	owner := make(map[string]string)
	for _, region := range order {
		o, ok := byRegion[region]
		switch {
		case !ok:
			res.Incomplete[region] = "no outcome"
			continue
		case o.Failed():
			res.Incomplete[region] = reason(o)
			continue
		}

		seen := make(map[string]bool, len(o.Result.Records))
		for _, r := range o.Result.Records {
			if _, replaced := res.Inventory.Put(r.Clone()); replaced && !seen[r.ID] {
				res.Duplicates++
				res.RegionCounts[owner[r.ID]]--
				log.Debug().Str("id", r.ID).Str("region", region).Str("replaced", owner[r.ID]).
					Msg("duplicate id replaced by later region")
			}
			owner[r.ID] = region
			seen[r.ID] = true
		}
		res.RegionCounts[region] = len(seen)
	}

	return res
}

func reason(o resource.RegionOutcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return "no result"
}
