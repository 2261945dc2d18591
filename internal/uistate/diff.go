// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package uistate

import (
	"reflect"
	"sort"
)

// Diff summarizes what changed between two consecutive trees of the same
// plugin. It never replaces the full tree on the wire; renderers receive the
// complete state and may use the diff to skip untouched subtrees.
type Diff struct {
	TitleChanged bool     `json:"title_changed"`
	DataChanged  bool     `json:"data_changed"`
	Added        []string `json:"added,omitempty"`
	Removed      []string `json:"removed,omitempty"`
	Changed      []string `json:"changed,omitempty"`

	// EstimatedPayloadReduction is the fraction of the next tree's components
	// untouched by this push: unchanged components over the total, clamped to
	// [0, 1]. Identical trees yield 1.0; a first push (no previous tree)
	// yields 0.0.
	EstimatedPayloadReduction float64 `json:"estimated_payload_reduction"`
}

// HasChanges reports whether the diff carries any visible change.
func (d *Diff) HasChanges() bool {
	return d.TitleChanged || d.DataChanged ||
		len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}

// Compute diffs prev against next. It is a pure function: no locks, no
// clocks, no mutation of either tree. A nil prev means first render and
// marks everything in next as added.
func Compute(prev, next *Tree) *Diff {
	diff := &Diff{}

	nextComponents := next.components()
	total := len(nextComponents)

	if prev == nil {
		for id := range nextComponents {
			diff.Added = append(diff.Added, id)
		}
		sort.Strings(diff.Added)
		diff.TitleChanged = next.Title != ""
		diff.DataChanged = len(next.Data) > 0
		diff.EstimatedPayloadReduction = 0
		return diff
	}

	prevComponents := prev.components()
	diff.TitleChanged = prev.Title != next.Title
	diff.DataChanged = !dataEqual(prev.Data, next.Data)

	for id, c := range nextComponents {
		old, existed := prevComponents[id]
		if !existed {
			diff.Added = append(diff.Added, id)
			continue
		}
		if !old.equalShallow(c) {
			diff.Changed = append(diff.Changed, id)
		}
	}
	for id := range prevComponents {
		if _, still := nextComponents[id]; !still {
			diff.Removed = append(diff.Removed, id)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)

	if total == 0 {
		if diff.HasChanges() {
			diff.EstimatedPayloadReduction = 0
		} else {
			diff.EstimatedPayloadReduction = 1
		}
		return diff
	}

	unchanged := total - len(diff.Added) - len(diff.Changed)
	diff.EstimatedPayloadReduction = clamp01(float64(unchanged) / float64(total))

	return diff
}

// dataEqual compares two data bundles deeply, independent of key order. A nil
// bundle and an empty one are the same bundle.
func dataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
