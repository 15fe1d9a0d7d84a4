// Package quorum decides which reported value to trust when several
// untrusted sources disagree. It is pure: no state, no I/O, safe to call from
// any number of sync sessions at once.
package quorum

import (
	"fmt"
	"sort"
)

// TieBreak selects how equal top counts are resolved once the threshold has
// been cleared.
type TieBreak int

const (
	// TieBreakEarliest picks, among values sharing the top count, the one
	// that was reported first.
	TieBreakEarliest TieBreak = iota
	// TieBreakNone refuses consensus whenever the top two counts are equal.
	TieBreakNone
)

func (t TieBreak) String() string {
	switch t {
	case TieBreakEarliest:
		return "earliest"
	case TieBreakNone:
		return "none"
	default:
		return fmt.Sprintf("TieBreak(%d)", int(t))
	}
}

// ParseTieBreak parses the config spelling of a tie-break policy.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "earliest", "":
		return TieBreakEarliest, nil
	case "none":
		return TieBreakNone, nil
	default:
		return 0, fmt.Errorf("quorum: unknown tie-break %q (want 'earliest' or 'none')", s)
	}
}

// ValidateThreshold checks that a threshold is a percentage in [0,100].
func ValidateThreshold(threshold int) error {
	if threshold < 0 || threshold > 100 {
		return fmt.Errorf("quorum: threshold %d out of range [0,100]", threshold)
	}
	return nil
}

// Count is one distinct value and how many reports carried it.
type Count[V comparable] struct {
	Value V
	Votes int
	first int // index of the first report carrying Value
}

// Tally groups reports by value. The result is ordered by descending count,
// ties ordered by first appearance, so it is deterministic for a given
// input order.
func Tally[V comparable](reports []V) []Count[V] {
	index := make(map[V]int, len(reports))
	counts := make([]Count[V], 0, len(reports))
	for i, r := range reports {
		if j, ok := index[r]; ok {
			counts[j].Votes++
			continue
		}
		index[r] = len(counts)
		counts = append(counts, Count[V]{Value: r, Votes: 1, first: i})
	}
	sort.SliceStable(counts, func(a, b int) bool {
		if counts[a].Votes != counts[b].Votes {
			return counts[a].Votes > counts[b].Votes
		}
		return counts[a].first < counts[b].first
	})
	return counts
}

// Resolve returns the value agreed by at least threshold percent of the
// reports, using TieBreakEarliest. The bool is false when there is no
// consensus, which is a normal outcome rather than an error.
func Resolve[V comparable](reports []V, threshold int) (V, bool) {
	return ResolveWith(reports, threshold, TieBreakEarliest)
}

// ResolveWith is Resolve with an explicit tie-break policy.
//
// A single distinct value always wins. Otherwise the most reported value
// wins when (top*100)/total >= threshold, using integer division.
func ResolveWith[V comparable](reports []V, threshold int, tb TieBreak) (V, bool) {
	var zero V
	total := len(reports)
	if total == 0 {
		return zero, false
	}

	counts := Tally(reports)
	top := counts[0]
	if len(counts) == 1 {
		return top.Value, true
	}
	if (top.Votes*100)/total < threshold {
		return zero, false
	}
	if tb == TieBreakNone && counts[1].Votes == top.Votes {
		return zero, false
	}
	return top.Value, true
}
