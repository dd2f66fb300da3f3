// Package analysis defines the contract between subconscious agents and
// their LLM-backed collaborators, and the accumulated per-session state
// a collaborator's results are merged into.
package analysis

import (
	"maps"
	"slices"
	"time"
)

// State is the accumulated analysis result for one agent and session.
// Scalar fields are last-write-wins; set fields are a deduplicated,
// sorted union, so merging deltas is associative and commutative and
// tick order cannot change the final sets.
type State struct {
	Scalars   map[string]any      `json:"scalars,omitempty"`
	Sets      map[string][]string `json:"sets,omitempty"`
	UpdatedAt time.Time           `json:"updated_at,omitzero"`
}

// Delta is a partial result returned by one analysis tick.
type Delta struct {
	Scalars    map[string]any      `json:"scalars,omitempty"`
	Sets       map[string][]string `json:"sets,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
}

// Empty reports whether the delta carries nothing to merge.
func (d Delta) Empty() bool {
	return len(d.Scalars) == 0 && len(d.Sets) == 0
}

// Merge folds a delta into prior state, returning a new State. Neither
// input is mutated.
func Merge(prior State, delta Delta) State {
	next := State{
		Scalars:   make(map[string]any, len(prior.Scalars)+len(delta.Scalars)),
		Sets:      make(map[string][]string, len(prior.Sets)+len(delta.Sets)),
		UpdatedAt: time.Now(),
	}
	maps.Copy(next.Scalars, prior.Scalars)
	maps.Copy(next.Scalars, delta.Scalars)
	for key, values := range prior.Sets {
		next.Sets[key] = slices.Clone(values)
	}
	for key, values := range delta.Sets {
		next.Sets[key] = union(next.Sets[key], values)
	}
	return next
}

// union merges two string sets into a sorted, deduplicated slice.
func union(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	slices.Sort(merged)
	return slices.Compact(merged)
}
