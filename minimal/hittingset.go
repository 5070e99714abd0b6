// Package minimal derives, per package, the smallest set of versions that
// collectively reproduces every known vulnerability affecting it.
package minimal

import (
	"log"
	"sort"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"
)

// FindMinimumHittingSet returns a set of versions intersecting every
// non-empty input set, using a greedy weighted heuristic: repeatedly pick
// the version covering the most currently-uncovered sets. Ties break by
// higher recency score (absent means 0), then by lexicographically
// smallest version, so results are fully reproducible.
//
// The result is exactly minimal when one version hits every set or when
// all sets are disjoint singletons; for arbitrary overlapping inputs it is
// a logarithmic-factor approximation of the (NP-hard) optimum, which is
// good enough for representative-version selection.
//
// Empty sets impose no coverage constraint and are discarded; an empty
// input yields an empty result. Empty version strings are malformed input
// and are dropped with a log entry.
func FindMinimumHittingSet(sets [][]string, recency map[string]float64) []string {
	remaining := make([]map[string]struct{}, 0, len(sets))
	for _, versions := range sets {
		set := make(map[string]struct{}, len(versions))
		for _, v := range versions {
			if v == "" {
				log.Printf("dropping empty version string from affected-version set")
				continue
			}
			set[v] = struct{}{}
		}
		if len(set) > 0 {
			remaining = append(remaining, set)
		}
	}

	result := []string{}
	for len(remaining) > 0 {
		counts := map[string]int{}
		for _, set := range remaining {
			for v := range set {
				counts[v]++
			}
		}

		// Candidates are walked in lexicographic order and only replaced on
		// a strict improvement, so the smallest version wins full ties.
		candidates := maps.Keys(counts)
		sort.Strings(candidates)
		best := candidates[0]
		for _, v := range candidates[1:] {
			if counts[v] > counts[best] || (counts[v] == counts[best] && recency[v] > recency[best]) {
				best = v
			}
		}

		result = append(result, best)
		remaining = lo.Filter(remaining, func(set map[string]struct{}, _ int) bool {
			_, hit := set[best]
			return !hit
		})
	}
	return result
}

// Covers reports whether versions intersects every non-empty set. Empty
// version strings are ignored, mirroring the solver's input handling.
func Covers(sets [][]string, versions []string) bool {
	picked := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		picked[v] = struct{}{}
	}
	for _, set := range sets {
		hit := false
		empty := true
		for _, v := range set {
			if v == "" {
				continue
			}
			empty = false
			if _, ok := picked[v]; ok {
				hit = true
				break
			}
		}
		if !empty && !hit {
			return false
		}
	}
	return true
}
