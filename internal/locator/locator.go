// Package locator finds the two runtime anchors spec.md §4.2 describes:
// Mono's root-domain pointer, and IL2CPP's type-info table pointer. It is
// the thinnest layer in this library — once an anchor is found, the
// backends own everything downstream of it.
package locator

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/offsets"
)

// MonoAnchors are the addresses MonoBackend needs to begin walking the
// runtime's assembly list.
type MonoAnchors struct {
	ImageBase       core.Address
	RootDomain      core.Address
	AssemblyListHead core.Address
}

// Il2cppAnchors are the addresses Il2cppBackend needs to parse metadata and
// resolve runtime classes.
type Il2cppAnchors struct {
	ImageBase     core.Address
	TypeInfoTable core.Address
	MetadataBlob  core.Address
	Segments      []core.Segment
}

// MonoRuntimeModuleNames is the set of module names the Mono runtime is
// conventionally embedded under, per spec.md §4.2 ("named by convention
// mono-2.0-bdwgc or equivalent").
var MonoRuntimeModuleNames = []string{"mono-2.0-bdwgc", "mono-2.0-sgen", "libmonobdwgc-2.0"}

// FindMono locates the Mono root domain. moduleBase is the load address of
// the runtime module (one of MonoRuntimeModuleNames); moduleSegments are
// that module's data segments as reported by the ProcessMemory collaborator
// or discovered via core.ReadPESections.
func FindMono(r *core.MemoryReader, moduleBase core.Address, moduleSegments []core.Segment, tbl *offsets.MonoOffsets) (*MonoAnchors, error) {
	if len(moduleSegments) == 0 {
		return nil, fmt.Errorf("locator: no data segments reported for mono runtime module")
	}
	dataSeg := moduleSegments[0]

	domainPtr, err := r.ReadPtr(dataSeg.Base.Add(tbl.RootDomainOffset))
	if err != nil {
		return nil, fmt.Errorf("locator: reading root domain pointer: %w", err)
	}
	if !validAnchor(domainPtr) {
		return nil, fmt.Errorf("locator: root domain pointer %s failed validity heuristics", domainPtr)
	}

	listHead, err := r.ReadPtr(domainPtr.Add(tbl.AssemblyListHeadOffset))
	if err != nil {
		return nil, fmt.Errorf("locator: reading assembly list head: %w", err)
	}

	return &MonoAnchors{
		ImageBase:        moduleBase,
		RootDomain:       domainPtr,
		AssemblyListHead: listHead,
	}, nil
}

// FindIl2cpp locates the IL2CPP type-info table. imageBase is the game
// binary's load address; segments are its data segments in section-table
// order (spec.md §4.2: "the second data segment").
func FindIl2cpp(r *core.MemoryReader, imageBase core.Address, segments []core.Segment, tbl *offsets.Il2cppOffsets) (*Il2cppAnchors, error) {
	if len(segments) < 2 {
		return nil, fmt.Errorf("locator: game binary reports %d data segments, need at least 2", len(segments))
	}
	second := segments[1]

	tableAddr := second.Base.Add(tbl.TypeInfoTableSegmentOffset)
	typeInfoTable, err := r.ReadPtr(tableAddr)
	if err != nil {
		return nil, fmt.Errorf("locator: reading type-info table pointer: %w", err)
	}
	if !validAnchor(typeInfoTable) {
		return nil, fmt.Errorf("locator: type-info table pointer %s failed validity heuristics", typeInfoTable)
	}

	blobAddr := second.Base.Add(tbl.MetadataBlobSegmentOffset)
	metadataBlob, err := r.ReadPtr(blobAddr)
	if err != nil {
		return nil, fmt.Errorf("locator: reading metadata blob pointer: %w", err)
	}
	if !validAnchor(metadataBlob) {
		return nil, fmt.Errorf("locator: metadata blob pointer %s failed validity heuristics", metadataBlob)
	}

	return &Il2cppAnchors{
		ImageBase:     imageBase,
		TypeInfoTable: typeInfoTable,
		MetadataBlob:  metadataBlob,
		Segments:      segments,
	}, nil
}

// validAnchor applies the non-null/minimum-validity/alignment heuristics
// spec.md §4.2 requires before trusting a probed pointer.
func validAnchor(a core.Address) bool {
	if a == 0 || !a.Valid() {
		return false
	}
	return a%8 == 0
}
