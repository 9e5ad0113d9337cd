package core

import "testing"

func TestSegmentTableFind(t *testing.T) {
	segs := []Segment{
		{Base: 0x3000, Size: 0x100},
		{Base: 0x1000, Size: 0x100},
		{Base: 0x2000, Size: 0x100},
	}
	tab := NewSegmentTable(segs)

	got := tab.Segments()
	for i := 1; i < len(got); i++ {
		if got[i-1].Base >= got[i].Base {
			t.Fatalf("Segments() not sorted: %v", got)
		}
	}

	if s, ok := tab.Find(0x2050); !ok || s.Base != 0x2000 {
		t.Fatalf("Find(0x2050) = %v, %v", s, ok)
	}
	if !tab.Contains(0x10ff) {
		t.Error("expected 0x10ff to be contained in the first segment")
	}
	if tab.Contains(0x1100) {
		t.Error("did not expect the gap between segments to be contained")
	}
	if tab.Contains(0) {
		t.Error("did not expect address 0 to be contained")
	}
	if _, ok := tab.Find(0x4000); ok {
		t.Error("did not expect an address past every segment to be found")
	}
}

func TestSegmentTableEmpty(t *testing.T) {
	tab := NewSegmentTable(nil)
	if tab.Contains(0x1000) {
		t.Error("empty table should contain nothing")
	}
}
