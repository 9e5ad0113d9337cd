package core

import "sort"

// SegmentTable indexes a module's reported Segments for fast
// address-to-segment lookup. Adapted from golang-debug/core/mapping.go's
// findMapping/addMapping page table: instead of indexing core-dump file
// mappings, it indexes the Segments a ProcessMemory implementation reports
// for one module, and answers whether a candidate address falls inside a
// segment known to have been mapped at attach time.
//
// Unlike the teacher's 4-level radix page table (built for a whole address
// space with many thousands of mappings), a module rarely has more than a
// few dozen segments, so a sorted slice with binary search is the right
// data structure here; the role it plays — "is this address inside a
// mapping we know about" — is identical.
type SegmentTable struct {
	segs []Segment // sorted by Base
}

// NewSegmentTable builds a SegmentTable from an unordered Segment list.
func NewSegmentTable(segs []Segment) *SegmentTable {
	cp := append([]Segment(nil), segs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Base < cp[j].Base })
	return &SegmentTable{segs: cp}
}

// Find returns the segment containing a, or false if none does.
func (t *SegmentTable) Find(a Address) (Segment, bool) {
	i := sort.Search(len(t.segs), func(i int) bool { return t.segs[i].Base.Add(t.segs[i].Size) > a })
	if i == len(t.segs) || !t.segs[i].Contains(a) {
		return Segment{}, false
	}
	return t.segs[i], true
}

// Contains reports whether a falls within any known segment.
func (t *SegmentTable) Contains(a Address) bool {
	_, ok := t.Find(a)
	return ok
}

// Segments returns the segments in ascending base-address order.
func (t *SegmentTable) Segments() []Segment {
	return t.segs
}
