package main

import (
	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/fixture"
)

// demoWorld builds a small in-memory Mono-shaped process for the CLI's
// subcommands (repl included) to operate against, standing in for a live attach
// (spec.md explicitly keeps the OS-level attach primitive outside this
// library's scope, so this command has nothing else to point at without a
// caller-supplied core.ProcessMemory). The shape follows
// internal/monobackend's layout expectations exactly: a root_domain ->
// assembly-list -> image -> class-cache -> class/field table walk.
//
// The object graph: a GameManager singleton (Assembly-CSharp, namespace
// "Game") holds a Player field pointing at a PlayerState instance with
// Gold (int32), Name (string), and Inventory (Dictionary<int32,int32>,
// item id -> quantity) fields — deliberately mirroring spec.md's own
// "cards, currencies, inventory" example traversal.
const (
	demoProcessName = "demo-game"
	demoModuleName  = "mono-2.0-bdwgc"
	demoPID         = 4242
)

// arenaAllocator hands out 8-byte-aligned addresses inside an Arena so the
// layout below can be expressed as a sequence of appends instead of
// hand-computed offsets.
type arenaAllocator struct {
	arena  *fixture.Arena
	cursor core.Address
}

func newAllocator(base core.Address, size int) *arenaAllocator {
	return &arenaAllocator{arena: fixture.NewArena(base, size), cursor: base}
}

func (a *arenaAllocator) alloc(n int64) core.Address {
	addr := a.cursor
	a.cursor = a.cursor.Add(n)
	if rem := int64(a.cursor) % 8; rem != 0 {
		a.cursor = a.cursor.Add(8 - rem)
	}
	return addr
}

func (a *arenaAllocator) allocString(s string) core.Address {
	addr := a.alloc(int64(len(s)) + 1)
	a.arena.WriteCString(addr, s)
	return addr
}

// allocManagedString allocates a managed-string object: a header
// (vtable-sized lead-in, unused by the decoder) followed by the
// length-prefixed UTF-16 payload core.MemoryReader.ReadManagedString reads
// at addr+ptrSize*2.
func (a *arenaAllocator) allocManagedString(s string) core.Address {
	addr := a.alloc(2*8 + 4 + int64(len(s))*2)
	a.arena.WriteManagedString(addr, 8, s)
	return addr
}

const (
	rootDomainOffset       = 0
	assemblyListHeadOffset = 0x20
	classCacheOffset       = 0x3c0
	classFieldTableOffset  = 0x7c
	fieldRecordStride      = 40
	typeAttrOffset         = 8
	chainNextOffset        = 0x70

	// classStaticDataOffset mirrors internal/offsets.Default()'s
	// mono/2.0 ClassStaticDataOffset (0x90); kept as a local literal so
	// this demo doesn't need to import internal/offsets just to read one
	// constant back out of it.
	classStaticDataOffset = 0x90

	// classLayoutSize is large enough to hold every pinned slot a class
	// struct in this demo needs: the field table header at
	// classFieldTableOffset, the chain-next pointer at chainNextOffset,
	// and the static-data pointer at classStaticDataOffset.
	classLayoutSize = classStaticDataOffset + 16
)

type fieldSpec struct {
	name     string
	isStatic bool
	offset   int64
}

// buildDemoWorld constructs the fixture.Memory a Session can attach to by
// name, plus the addresses of the classes/instances it wired in, so the
// CLI commands can print them without re-deriving the layout.
type demoWorld struct {
	mem              *fixture.Memory
	gameManagerAddr  core.Address
	playerStateAddr  core.Address
	gameManagerClass core.Address
}

func buildDemoWorld() *demoWorld {
	const base = core.Address(0x00400000)
	a := newAllocator(base, 1<<20)

	// typeSlot builds a minimal Il2CppType-equivalent object a field
	// record's type_ptr can point at: a name pointer at +0 (monobackend
	// dereferences it for the type's display name) and an attribute
	// bitmask at +8 (the static bit rtmodel.IsStaticAttr checks).
	typeSlot := func(s string) core.Address {
		strAddr := a.allocString(s)
		slot := a.alloc(16)
		a.arena.WritePtr(slot, strAddr)
		return slot
	}

	// --- PlayerState class -------------------------------------------------
	playerStateAddr := a.alloc(classLayoutSize)
	a.arena.WritePtr(playerStateAddr, classNamePtr(a, "PlayerState"))
	namespaceAddr := a.allocString("Game")
	a.arena.WritePtr(playerStateAddr.Add(8), namespaceAddr)

	// internal/valuedecode.DecodeAt dispatches on these exact type-name
	// strings (Int32/String matched case-insensitively in full, Dictionary
	// matched by a "Dictionary<" substring), so they can't carry a
	// namespace prefix the way a fully-qualified CLR name would.
	goldType := typeSlot("Int32")
	nameType := typeSlot("String")
	invType := typeSlot("System.Collections.Generic.Dictionary<Int32,Int32>")

	playerFields := []fieldSpec{
		{name: "Gold", offset: 0x10},
		{name: "Name", offset: 0x18},
		{name: "Inventory", offset: 0x20},
	}
	playerFieldsPtr := writeFieldTable(a, playerStateAddr, playerFields, []core.Address{goldType, nameType, invType})
	a.arena.WriteU32(playerStateAddr.Add(classFieldTableOffset), uint32(len(playerFields)))
	a.arena.WritePtr(playerStateAddr.Add(classFieldTableOffset+4), playerFieldsPtr)

	// --- PlayerState instance -----------------------------------------------
	// vtable -> class pointer (Mono double indirection).
	playerVtable := a.alloc(8)
	a.arena.WritePtr(playerVtable, playerStateAddr)
	playerInstance := a.alloc(0x30)
	a.arena.WritePtr(playerInstance, playerVtable)
	a.arena.WriteU32(playerInstance.Add(0x10), 750) // Gold
	playerNameStr := a.allocManagedString("Nyx")
	a.arena.WritePtr(playerInstance.Add(0x18), playerNameStr)

	dictAddr := buildDemoDictionary(a)
	a.arena.WritePtr(playerInstance.Add(0x20), dictAddr)

	// --- GameManager class ---------------------------------------------
	gameManagerAddr := a.alloc(classLayoutSize)
	a.arena.WritePtr(gameManagerAddr, classNamePtr(a, "GameManager"))
	gmNamespaceAddr := a.allocString("Game")
	a.arena.WritePtr(gameManagerAddr.Add(8), gmNamespaceAddr)

	playerStateType := typeSlot("Game.PlayerState")
	instanceType := typeSlot("Game.GameManager")

	gmFields := []fieldSpec{
		{name: "Player", offset: 0x10},
		{name: "<Instance>k__BackingField", isStatic: true, offset: 0},
	}
	gmFieldsPtr := writeFieldTable(a, gameManagerAddr, gmFields, []core.Address{playerStateType, instanceType})
	a.arena.WriteU32(gameManagerAddr.Add(classFieldTableOffset), uint32(len(gmFields)))
	a.arena.WritePtr(gameManagerAddr.Add(classFieldTableOffset+4), gmFieldsPtr)

	// --- GameManager instance + static storage --------------------------
	gmVtable := a.alloc(8)
	a.arena.WritePtr(gmVtable, gameManagerAddr)
	gmInstance := a.alloc(0x20)
	a.arena.WritePtr(gmInstance, gmVtable)
	a.arena.WritePtr(gmInstance.Add(0x10), playerInstance)

	gmStatic := a.alloc(16)
	a.arena.WritePtr(gmStatic.Add(0), gmInstance) // <Instance>k__BackingField @ offset 0
	a.arena.WritePtr(gameManagerAddr.Add(classStaticDataOffset), gmStatic)

	// --- Assembly + image + root domain ---------------------------------
	asmName := a.allocString("Assembly-CSharp")
	imageAddr := a.alloc(classCacheOffset + 16)
	a.arena.WritePtr(imageAddr, asmName)

	bucketArray := a.alloc(8)
	a.arena.WritePtr(bucketArray, gameManagerAddr)
	a.arena.WritePtr(gameManagerAddr.Add(chainNextOffset), playerStateAddr)
	a.arena.WritePtr(playerStateAddr.Add(chainNextOffset), 0)

	cache := imageAddr.Add(classCacheOffset)
	a.arena.WritePtr(cache, bucketArray)
	a.arena.WriteU32(cache.Add(8), 1)

	assemblyNode := a.alloc(16)
	a.arena.WritePtr(assemblyNode, imageAddr)
	a.arena.WritePtr(assemblyNode.Add(8), 0)

	domainAddr := a.alloc(assemblyListHeadOffset + 8)
	a.arena.WritePtr(domainAddr.Add(assemblyListHeadOffset), assemblyNode)

	a.arena.WritePtr(base.Add(rootDomainOffset), domainAddr)

	mem := fixture.NewMemory()
	mem.AddProcess(demoPID, demoProcessName, a.arena, []core.Segment{{Base: base, Size: int64(len(a.arena.Mem))}})
	mem.AddModule(demoPID, demoModuleName, []core.Segment{{Base: base, Size: int64(len(a.arena.Mem))}})

	return &demoWorld{
		mem:              mem,
		gameManagerAddr:  gmInstance,
		playerStateAddr:  playerInstance,
		gameManagerClass: gameManagerAddr,
	}
}

// classNamePtr allocates a class's name string, returning its address so
// the caller can write it directly into the class's name slot:
// readNamePtrString reads that slot as a pointer to the name bytes.
func classNamePtr(a *arenaAllocator, s string) core.Address {
	return a.allocString(s)
}

// writeFieldTable lays out one field-table record per fieldSpec, each
// {name_ptr, type_ptr, parent, offset} at fieldRecordStride, with the
// static-attribute bit set on the type object for static fields.
func writeFieldTable(a *arenaAllocator, declaringType core.Address, fields []fieldSpec, typeSlots []core.Address) core.Address {
	tableAddr := a.alloc(int64(len(fields)) * fieldRecordStride)
	for i, f := range fields {
		rec := tableAddr.Add(int64(i) * fieldRecordStride)
		nameAddr := a.allocString(f.name)
		a.arena.WritePtr(rec, nameAddr)

		typeSlot := typeSlots[i]
		a.arena.WritePtr(rec.Add(8), typeSlot)
		if f.isStatic {
			a.arena.WriteU32(typeSlot.Add(typeAttrOffset), 0x10)
		}

		a.arena.WritePtr(rec.Add(16), declaringType) // parent, unused by this backend
		a.arena.WriteI32(rec.Add(24), int32(f.offset))
	}
	return tableAddr
}

// buildDemoDictionary lays out a structurally-valid Dictionary<int32,int32>
// (item id -> quantity) the way internal/valuedecode.decodeDictionaryAt
// expects: an entries pointer at dictAddr+0x18, a length at entriesPtr+0x18,
// and the {hashCode, next, key, value} records themselves starting at
// entriesPtr+ptrSize*4 (entriesPtr+0x20 at this reader's pointer width),
// not at entriesPtr+0 — that leading 0x20 is the entries array's own object
// header, whose last slot (+0x18) is the length written below.
func buildDemoDictionary(a *arenaAllocator) core.Address {
	dictAddr := a.alloc(0x20)
	const entriesBaseOffset = 0x20
	entries := a.alloc(entriesBaseOffset + 2*16)
	a.arena.WritePtr(dictAddr.Add(0x18), entries)
	a.arena.WriteI32(entries.Add(0x18), 2)

	recBase := entries.Add(entriesBaseOffset)

	e0 := recBase.Add(0)
	a.arena.WriteI32(e0, 1) // hashCode, >= 0 marks the slot occupied
	a.arena.WriteI32(e0.Add(4), -1)
	a.arena.WriteI32(e0.Add(8), 1001)  // key: item id
	a.arena.WriteI32(e0.Add(12), 1)    // value: quantity

	e1 := recBase.Add(16)
	a.arena.WriteI32(e1, 2)
	a.arena.WriteI32(e1.Add(4), -1)
	a.arena.WriteI32(e1.Add(8), 1002) // key: item id
	a.arena.WriteI32(e1.Add(12), 3)   // value: quantity

	return dictAddr
}
