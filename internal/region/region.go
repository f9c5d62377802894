// Package region implements an interval index for classifying addresses
// into configured regions (kernel, firmware). It mirrors the sorted
// lower-bound binary search used by the original coverage analyzer,
// generalized into a standalone, reusable component.
package region

import "sort"

// Range is a closed interval [Lower, Upper] of addresses, optionally named.
type Range struct {
	Lower uint64
	Upper uint64
	Name  string
}

// Index supports O(log n) containment queries over a set of ranges.
// It does not enforce non-overlap between ranges; overlapping
// configuration is undefined behavior, not a detected error.
type Index struct {
	ranges []Range
	lower  []uint64
}

// New builds an Index from the given ranges.
func New(ranges []Range) *Index {
	idx := &Index{}
	idx.ranges = append(idx.ranges, ranges...)
	idx.rebuild()
	return idx
}

func (idx *Index) rebuild() {
	sort.Slice(idx.ranges, func(i, j int) bool {
		return idx.ranges[i].Lower < idx.ranges[j].Lower
	})
	idx.lower = make([]uint64, len(idx.ranges))
	for i, r := range idx.ranges {
		idx.lower[i] = r.Lower
	}
}

// Append adds a range and rebuilds the sorted index.
func (idx *Index) Append(r Range) {
	idx.ranges = append(idx.ranges, r)
	idx.rebuild()
}

// Contains reports whether pc falls within any configured range: the
// largest index i with lower[i] <= pc is located via binary search,
// then the candidate range's bounds are checked directly.
func (idx *Index) Contains(pc uint64) bool {
	r, ok := idx.Find(pc)
	_ = r
	return ok
}

// Find returns the matching Range, if any.
func (idx *Index) Find(pc uint64) (Range, bool) {
	if len(idx.lower) == 0 {
		return Range{}, false
	}
	// sort.Search finds the first index where lower[i] > pc; the
	// candidate is one before that.
	i := sort.Search(len(idx.lower), func(i int) bool {
		return idx.lower[i] > pc
	})
	if i == 0 {
		return Range{}, false
	}
	candidate := idx.ranges[i-1]
	if candidate.Lower <= pc && pc <= candidate.Upper {
		return candidate, true
	}
	return Range{}, false
}

// Len returns the number of ranges currently indexed.
func (idx *Index) Len() int {
	return len(idx.ranges)
}
