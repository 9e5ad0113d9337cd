package locator

import (
	"testing"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/fixture"
	"github.com/tripwire/memprobe/internal/offsets"
)

func newReader(t *testing.T, mem *fixture.Memory, pid int) *core.MemoryReader {
	t.Helper()
	h, err := mem.Open(pid)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return core.NewMemoryReader(mem, h, 8)
}

func TestFindMono(t *testing.T) {
	base := core.Address(0x10000)
	a := fixture.NewArena(base, 4096)

	domain := base.Add(0x100)
	listHead := base.Add(0x200)
	a.WritePtr(base.Add(0), domain)          // root_domain_offset = 0
	a.WritePtr(domain.Add(0x20), listHead)   // assembly_list_head_offset = 0x20

	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	r := newReader(t, mem, 1)

	tbl := &offsets.MonoOffsets{RootDomainOffset: 0, AssemblyListHeadOffset: 0x20}
	anchors, err := FindMono(r, base, []core.Segment{{Base: base, Size: 4096}}, tbl)
	if err != nil {
		t.Fatalf("FindMono: %v", err)
	}
	if anchors.RootDomain != domain {
		t.Errorf("RootDomain = %s, want %s", anchors.RootDomain, domain)
	}
	if anchors.AssemblyListHead != listHead {
		t.Errorf("AssemblyListHead = %s, want %s", anchors.AssemblyListHead, listHead)
	}
	if anchors.ImageBase != base {
		t.Errorf("ImageBase = %s, want %s", anchors.ImageBase, base)
	}
}

func TestFindMonoNoSegments(t *testing.T) {
	base := core.Address(0x10000)
	a := fixture.NewArena(base, 4096)
	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	r := newReader(t, mem, 1)

	tbl := &offsets.MonoOffsets{}
	if _, err := FindMono(r, base, nil, tbl); err == nil {
		t.Fatal("expected an error with no data segments")
	}
}

func TestFindMonoRejectsMisalignedDomainPointer(t *testing.T) {
	base := core.Address(0x10000)
	a := fixture.NewArena(base, 4096)
	// An odd address fails the %8==0 alignment heuristic even though it
	// clears the minimum-validity threshold.
	a.WritePtr(base.Add(0), base.Add(0x101))

	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	r := newReader(t, mem, 1)

	tbl := &offsets.MonoOffsets{RootDomainOffset: 0, AssemblyListHeadOffset: 0x20}
	if _, err := FindMono(r, base, []core.Segment{{Base: base, Size: 4096}}, tbl); err == nil {
		t.Fatal("expected an error for a misaligned root domain pointer")
	}
}

func TestFindIl2cpp(t *testing.T) {
	imageBase := core.Address(0x20000)
	a := fixture.NewArena(imageBase, 8192)

	secondBase := imageBase.Add(0x1000)
	typeInfoTable := imageBase.Add(0x500)
	metadataBlob := imageBase.Add(0x600)
	a.WritePtr(secondBase.Add(0x10), typeInfoTable)
	a.WritePtr(secondBase.Add(0x18), metadataBlob)

	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	r := newReader(t, mem, 1)

	tbl := &offsets.Il2cppOffsets{TypeInfoTableSegmentOffset: 0x10, MetadataBlobSegmentOffset: 0x18}
	segs := []core.Segment{{Base: imageBase, Size: 0x1000}, {Base: secondBase, Size: 0x1000}}
	anchors, err := FindIl2cpp(r, imageBase, segs, tbl)
	if err != nil {
		t.Fatalf("FindIl2cpp: %v", err)
	}
	if anchors.TypeInfoTable != typeInfoTable {
		t.Errorf("TypeInfoTable = %s, want %s", anchors.TypeInfoTable, typeInfoTable)
	}
	if anchors.MetadataBlob != metadataBlob {
		t.Errorf("MetadataBlob = %s, want %s", anchors.MetadataBlob, metadataBlob)
	}
}

func TestFindIl2cppRequiresTwoSegments(t *testing.T) {
	imageBase := core.Address(0x20000)
	a := fixture.NewArena(imageBase, 8192)
	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	r := newReader(t, mem, 1)

	tbl := &offsets.Il2cppOffsets{}
	segs := []core.Segment{{Base: imageBase, Size: 0x1000}}
	if _, err := FindIl2cpp(r, imageBase, segs, tbl); err == nil {
		t.Fatal("expected an error with only one data segment")
	}
}
