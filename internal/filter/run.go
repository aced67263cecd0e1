// Package filter selects runs for the runs command.
package filter

import (
	"path/filepath"

	"github.com/dyluth/swarm/internal/compute"
)

// Criteria defines filtering criteria for runs.
// All filters are ANDed together - a run must match ALL criteria to pass.
// Time ranges are applied by the store query, not here.
type Criteria struct {
	Status    string // Exact match, empty = no filter
	ProtoGlob string // Glob pattern for the proto run name, empty = no filter
}

// Matches returns true if the run matches all filter criteria.
func (c *Criteria) Matches(run *compute.Run) bool {
	if c.Status != "" && run.Status != c.Status {
		return false
	}
	if c.ProtoGlob != "" {
		matched, err := filepath.Match(c.ProtoGlob, run.ProtoRunName)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// Apply returns the runs that match, in their original order.
func (c *Criteria) Apply(runs []compute.Run) []compute.Run {
	if !c.HasFilters() {
		return runs
	}
	kept := make([]compute.Run, 0, len(runs))
	for i := range runs {
		if c.Matches(&runs[i]) {
			kept = append(kept, runs[i])
		}
	}
	return kept
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.Status != "" || c.ProtoGlob != ""
}
