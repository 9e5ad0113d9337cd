package memprobe_test

import (
	"testing"

	"github.com/tripwire/memprobe"
	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/fixture"
	"github.com/tripwire/memprobe/internal/offsets"
)

// monoWorld builds a small Mono-shaped process: one assembly ("Assembly-CSharp"), one
// class ("Acme.Widget") with an instance field ("Count", int32) and a static
// singleton backing field ("<Instance>k__BackingField") pointing at a live
// instance, the shape internal/monobackend expects end to end. Mirrors
// cmd/inspect/demoworld.go's layout, duplicated here (rather than imported)
// since that file lives in an unexported main package.
type monoWorld struct {
	mem      *fixture.Memory
	instance core.Address
	classPtr core.Address
}

func buildMonoWorld(t *testing.T) *monoWorld {
	t.Helper()
	const (
		classFieldTableOffset = 0x7c
		fieldRecordStride     = 40
		chainNextOffset       = 0x70
		staticDataOffset      = 0x90
	)

	base := core.Address(0x10000)
	a := fixture.NewArena(base, 1<<17)
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

	classSize := int64(staticDataOffset + 16)
	classPtr := alloc(classSize)
	a.WritePtr(classPtr, allocStr("Widget"))
	a.WritePtr(classPtr.Add(8), allocStr("Acme"))

	countType := alloc(16)
	a.WritePtr(countType, allocStr("Int32"))
	instanceType := alloc(16)
	a.WritePtr(instanceType, allocStr("Acme.Widget"))
	a.WriteU32(instanceType.Add(8), 0x10) // static attribute bit

	fieldsPtr := alloc(2 * fieldRecordStride)
	rec0 := fieldsPtr
	a.WritePtr(rec0, allocStr("Count"))
	a.WritePtr(rec0.Add(8), countType)
	a.WriteI32(rec0.Add(24), 0x10)

	rec1 := fieldsPtr.Add(fieldRecordStride)
	a.WritePtr(rec1, allocStr("<Instance>k__BackingField"))
	a.WritePtr(rec1.Add(8), instanceType)
	a.WriteI32(rec1.Add(24), 0)

	a.WriteU32(classPtr.Add(classFieldTableOffset), 2)
	a.WritePtr(classPtr.Add(classFieldTableOffset+4), fieldsPtr)
	a.WritePtr(classPtr.Add(chainNextOffset), 0)

	vtable := alloc(8)
	a.WritePtr(vtable, classPtr)
	instance := alloc(0x20)
	a.WritePtr(instance, vtable)
	a.WriteI32(instance.Add(0x10), 42) // Count

	staticStorage := alloc(16)
	a.WritePtr(staticStorage.Add(0), instance) // <Instance>k__BackingField
	a.WritePtr(classPtr.Add(staticDataOffset), staticStorage)

	imageAddr := alloc(0x3c0 + 16)
	a.WritePtr(imageAddr, allocStr("Assembly-CSharp"))
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
	a.WritePtr(base, domain)

	mem := fixture.NewMemory()
	mem.AddProcess(4242, "demo-game", a, []core.Segment{{Base: base, Size: int64(len(a.Mem))}})
	mem.AddModule(4242, "mono-2.0-bdwgc", []core.Segment{{Base: base, Size: int64(len(a.Mem))}})

	return &monoWorld{mem: mem, instance: instance, classPtr: classPtr}
}

func attach(t *testing.T) (*memprobe.Session, *monoWorld) {
	t.Helper()
	world := buildMonoWorld(t)
	sess := memprobe.NewSession(world.mem)
	if err := sess.Init("demo-game", offsets.Default()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return sess, world
}

func TestSessionInitAndClose(t *testing.T) {
	sess, _ := attach(t)
	if !sess.IsInitialized() {
		t.Fatal("expected session to be initialized after Init")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.IsInitialized() {
		t.Fatal("expected session to be detached after Close")
	}
	// Close is idempotent.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSessionInitUnknownProcess(t *testing.T) {
	world := buildMonoWorld(t)
	sess := memprobe.NewSession(world.mem)
	if err := sess.Init("no-such-process", offsets.Default()); err == nil {
		t.Fatal("expected an error attaching to an unknown process name")
	}
}

func TestGetAssemblies(t *testing.T) {
	sess, _ := attach(t)
	defer sess.Close()
	names, err := sess.GetAssemblies()
	if err != nil {
		t.Fatalf("GetAssemblies: %v", err)
	}
	if len(names) != 1 || names[0] != "Assembly-CSharp" {
		t.Fatalf("GetAssemblies = %v", names)
	}
}

func TestGetAssemblyClasses(t *testing.T) {
	sess, _ := attach(t)
	defer sess.Close()
	classes, err := sess.GetAssemblyClasses("Assembly-CSharp")
	if err != nil {
		t.Fatalf("GetAssemblyClasses: %v", err)
	}
	if len(classes) != 1 || classes[0].Name != "Widget" || classes[0].Namespace != "Acme" {
		t.Fatalf("GetAssemblyClasses = %+v", classes)
	}
}

func TestGetAssemblyClassesUnknownAssembly(t *testing.T) {
	sess, _ := attach(t)
	defer sess.Close()
	if _, err := sess.GetAssemblyClasses("NoSuchAssembly"); err == nil {
		t.Fatal("expected an error for an unknown assembly")
	}
}

func TestGetClassDetails(t *testing.T) {
	sess, _ := attach(t)
	defer sess.Close()
	details, err := sess.GetClassDetails("Assembly-CSharp", "Widget")
	if err != nil {
		t.Fatalf("GetClassDetails: %v", err)
	}
	if details.Name != "Widget" || len(details.Fields) != 2 {
		t.Fatalf("GetClassDetails = %+v", details)
	}
}

func TestGetInstance(t *testing.T) {
	sess, world := attach(t)
	defer sess.Close()
	obj, err := sess.GetInstance(world.instance)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if obj.ClassName != "Widget" || obj.Namespace != "Acme" {
		t.Fatalf("GetInstance = %+v", obj)
	}
	var found bool
	for _, f := range obj.Fields {
		if f.Name == "Count" {
			found = true
			if f.Value.Kind != memprobe.KindInt32 || f.Value.I32 != 42 {
				t.Errorf("Count field = %+v", f.Value)
			}
		}
	}
	if !found {
		t.Fatal("expected a Count field in the instance summary")
	}
}

func TestGetInstanceBadAddress(t *testing.T) {
	sess, _ := attach(t)
	defer sess.Close()
	if _, err := sess.GetInstance(core.Address(1)); err == nil {
		t.Fatal("expected an error for an invalid address")
	}
}

func TestGetInstanceField(t *testing.T) {
	sess, world := attach(t)
	defer sess.Close()
	v, err := sess.GetInstanceField(world.instance, "Count")
	if err != nil {
		t.Fatalf("GetInstanceField: %v", err)
	}
	if v.Kind != memprobe.KindInt32 || v.I32 != 42 {
		t.Fatalf("GetInstanceField = %+v", v)
	}
}

func TestGetInstanceFieldUnknownName(t *testing.T) {
	sess, world := attach(t)
	defer sess.Close()
	if _, err := sess.GetInstanceField(world.instance, "NoSuchField"); err == nil {
		t.Fatal("expected an error for an unknown field name")
	}
}

func TestGetStaticField(t *testing.T) {
	sess, world := attach(t)
	defer sess.Close()
	v, err := sess.GetStaticField(world.classPtr, "<Instance>k__BackingField")
	if err != nil {
		t.Fatalf("GetStaticField: %v", err)
	}
	if v.Kind != memprobe.KindPointer || v.PointerAddr != world.instance {
		t.Fatalf("GetStaticField = %+v, want pointer to %s", v, world.instance)
	}
}

func TestReadDataResolvesSingletonAndField(t *testing.T) {
	world := buildMonoWorld(t)
	sess := memprobe.NewSession(world.mem)
	defer sess.Close()

	v, err := sess.ReadData("demo-game", []string{"Widget", "Count"}, offsets.Default())
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if v.Kind != memprobe.KindInt32 || v.I32 != 42 {
		t.Fatalf("ReadData = %+v, want Int32(42)", v)
	}
}

func TestReadDataEmptyPath(t *testing.T) {
	world := buildMonoWorld(t)
	sess := memprobe.NewSession(world.mem)
	defer sess.Close()
	if _, err := sess.ReadData("demo-game", nil, offsets.Default()); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestReadDataUnknownSegment(t *testing.T) {
	world := buildMonoWorld(t)
	sess := memprobe.NewSession(world.mem)
	defer sess.Close()
	if _, err := sess.ReadData("demo-game", []string{"Widget", "NoSuchField"}, offsets.Default()); err == nil {
		t.Fatal("expected an error for an unknown path segment")
	}
}
