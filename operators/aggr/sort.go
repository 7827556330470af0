package aggr

import (
	"sort"
)

// sortEntriesByCount orders entries by descending count. The sort is stable, so entries
// with equal counts keep their incoming (first-seen) order.
func sortEntriesByCount[V int64 | float64](entries []Entry[V]) {
	sort.SliceStable(entries, func(i, j int) bool {
		return compareNumeric(entries[i].Count, entries[j].Count) > 0
	})
}

func compareNumeric[T int64 | float64](a, b T) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
