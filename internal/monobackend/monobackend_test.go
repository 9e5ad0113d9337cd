package monobackend

import (
	"testing"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/fixture"
	"github.com/tripwire/memprobe/internal/locator"
	"github.com/tripwire/memprobe/internal/offsets"
	"github.com/tripwire/memprobe/rtmodel"
)

// harness builds a tiny Mono-shaped world: one assembly ("Game") with one
// class ("Widget", namespace "Acme") carrying one instance field ("Count",
// offset 0x10) and one static field ("Total", offset 0), plus a live
// instance and the class's static storage block.
type harness struct {
	r       *core.MemoryReader
	backend *Backend
	arena   *fixture.Arena

	classPtr      core.Address
	instance      core.Address
	staticStorage core.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := core.Address(0x10000)
	a := fixture.NewArena(base, 1<<16)

	var cursor = base.Add(0x200)
	alloc := func(n int64) core.Address {
		addr := cursor
		cursor = cursor.Add(n)
		if rem := int64(cursor) % 8; rem != 0 {
			cursor = cursor.Add(8 - rem)
		}
		return addr
	}
	allocStr := func(s string) core.Address {
		addr := alloc(int64(len(s)) + 1)
		a.WriteCString(addr, s)
		return addr
	}

	// --- class "Acme.Widget" ---
	const (
		classFieldTableOffset = 0x7c
		fieldRecordStride     = 40
		chainNextOffset       = 0x70
		staticDataOffset      = 0x90
	)
	classSize := int64(staticDataOffset + 16)
	classPtr := alloc(classSize)
	a.WritePtr(classPtr, allocStr("Widget"))
	a.WritePtr(classPtr.Add(8), allocStr("Acme"))

	countType := alloc(16)
	a.WritePtr(countType, allocStr("Int32"))
	totalType := alloc(16)
	a.WritePtr(totalType, allocStr("Int32"))
	a.WriteU32(totalType.Add(8), 0x10) // static attribute bit

	fieldsPtr := alloc(2 * fieldRecordStride)
	rec0 := fieldsPtr
	a.WritePtr(rec0, allocStr("Count"))
	a.WritePtr(rec0.Add(8), countType)
	a.WriteI32(rec0.Add(24), 0x10)

	rec1 := fieldsPtr.Add(fieldRecordStride)
	a.WritePtr(rec1, allocStr("Total"))
	a.WritePtr(rec1.Add(8), totalType)
	a.WriteI32(rec1.Add(24), 0)

	a.WriteU32(classPtr.Add(classFieldTableOffset), 2)
	a.WritePtr(classPtr.Add(classFieldTableOffset+4), fieldsPtr)
	a.WritePtr(classPtr.Add(chainNextOffset), 0)

	staticStorage := alloc(16)
	a.WriteI32(staticStorage.Add(0), 99) // Total
	a.WritePtr(classPtr.Add(staticDataOffset), staticStorage)

	// --- instance ---
	vtable := alloc(8)
	a.WritePtr(vtable, classPtr)
	instance := alloc(0x20)
	a.WritePtr(instance, vtable)
	a.WriteI32(instance.Add(0x10), 7) // Count

	// --- image + class cache + assembly list + domain ---
	imageAddr := alloc(0x3c0 + 16)
	a.WritePtr(imageAddr, allocStr("Game"))
	bucketArray := alloc(8)
	a.WritePtr(bucketArray, classPtr)
	cache := imageAddr.Add(0x3c0)
	a.WritePtr(cache, bucketArray)
	a.WriteU32(cache.Add(8), 1)

	assemblyNode := alloc(16)
	a.WritePtr(assemblyNode, imageAddr)
	a.WritePtr(assemblyNode.Add(8), 0)

	domain := alloc(0x28)
	a.WritePtr(domain.Add(0x20), assemblyNode)

	mem := fixture.NewMemory()
	mem.AddProcess(1, "demo", a, nil)
	h, err := mem.Open(1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := core.NewMemoryReader(mem, h, 8)

	anchors := &locator.MonoAnchors{ImageBase: base, RootDomain: domain, AssemblyListHead: assemblyNode}
	off := &offsets.MonoOffsets{ClassCacheOffset: 0x3c0, ClassFieldTableOffset: classFieldTableOffset, FieldRecordStride: fieldRecordStride, ClassStaticDataOffset: staticDataOffset}

	return &harness{
		r:             r,
		backend:       New(r, anchors, off),
		arena:         a,
		classPtr:      classPtr,
		instance:      instance,
		staticStorage: staticStorage,
	}
}

func TestBackendAssemblies(t *testing.T) {
	h := newHarness(t)
	asms, err := h.backend.Assemblies()
	if err != nil {
		t.Fatalf("Assemblies: %v", err)
	}
	if len(asms) != 1 || asms[0].Name != "Game" {
		t.Fatalf("Assemblies = %+v", asms)
	}
}

func TestBackendClasses(t *testing.T) {
	h := newHarness(t)
	asms, err := h.backend.Assemblies()
	if err != nil || len(asms) != 1 {
		t.Fatalf("Assemblies: %+v, %v", asms, err)
	}
	classes, err := h.backend.Classes(asms[0].ImageAddr)
	if err != nil {
		t.Fatalf("Classes: %v", err)
	}
	if len(classes) != 1 || classes[0] != h.classPtr {
		t.Fatalf("Classes = %v, want [%s]", classes, h.classPtr)
	}
}

func TestBackendClassDetails(t *testing.T) {
	h := newHarness(t)
	mt, fields, err := h.backend.ClassDetails(h.classPtr)
	if err != nil {
		t.Fatalf("ClassDetails: %v", err)
	}
	if mt.Name != "Widget" || mt.Namespace != "Acme" {
		t.Fatalf("ManagedType = %+v", mt)
	}
	if mt.Opaque {
		t.Fatal("did not expect the class to be flagged opaque")
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
	byName := map[string]int{}
	for i, f := range fields {
		byName[f.Name] = i
	}
	count := fields[byName["Count"]]
	if count.IsStatic || count.Offset != 0x10 {
		t.Errorf("Count field = %+v", count)
	}
	total := fields[byName["Total"]]
	if !total.IsStatic || total.Offset != 0 {
		t.Errorf("Total field = %+v", total)
	}
}

func TestBackendInstanceAndStaticFieldAddr(t *testing.T) {
	h := newHarness(t)
	_, fields, err := h.backend.ClassDetails(h.classPtr)
	if err != nil {
		t.Fatalf("ClassDetails: %v", err)
	}
	var count, total *rtmodel.FieldDescriptor
	for i := range fields {
		switch fields[i].Name {
		case "Count":
			count = &fields[i]
		case "Total":
			total = &fields[i]
		}
	}
	if count == nil || total == nil {
		t.Fatal("expected both Count and Total fields")
	}

	instAddr := h.backend.InstanceFieldAddr(h.instance, *count)
	v, err := h.r.ReadI32(instAddr)
	if err != nil || v != 7 {
		t.Fatalf("instance field Count = %d, %v, want 7", v, err)
	}

	staticAddr := h.backend.StaticFieldAddr(h.staticStorage, *total)
	v, err = h.r.ReadI32(staticAddr)
	if err != nil || v != 99 {
		t.Fatalf("static field Total = %d, %v, want 99", v, err)
	}
}

func TestBackendClassOfInstance(t *testing.T) {
	h := newHarness(t)
	classPtr, err := h.backend.ClassOfInstance(h.instance)
	if err != nil {
		t.Fatalf("ClassOfInstance: %v", err)
	}
	if classPtr != h.classPtr {
		t.Errorf("ClassOfInstance = %s, want %s", classPtr, h.classPtr)
	}
}
