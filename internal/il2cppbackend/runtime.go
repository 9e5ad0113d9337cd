package il2cppbackend

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/locator"
	"github.com/tripwire/memprobe/internal/offsets"
	"github.com/tripwire/memprobe/rtmodel"
)

// Backend resolves runtime class objects from type-def indices via the
// type-info table, and reads their fields through the pinned class-layout
// offsets of spec.md §4.4.
type Backend struct {
	r        *core.MemoryReader
	anchors  *locator.Il2cppAnchors
	off      *offsets.Il2cppOffsets
	metadata *Metadata

	// classIndexByPtr reverses the type-info table (typedef index -> class
	// pointer) so a runtime class pointer seen elsewhere (an instance's
	// leading word, a caller-supplied address) can be matched back to its
	// TypeDef. Built lazily on first use and cached for the Backend's
	// lifetime, matching the type-cache lifetime spec.md §3 describes.
	classIndexByPtr map[core.Address]uint32
}

// New builds a Backend over an already-located IL2CPP runtime and its
// parsed metadata blob.
func New(r *core.MemoryReader, anchors *locator.Il2cppAnchors, off *offsets.Il2cppOffsets, metadata *Metadata) *Backend {
	return &Backend{r: r, anchors: anchors, off: off, metadata: metadata}
}

// ensureClassIndex populates classIndexByPtr by walking the type-info table
// once.
func (b *Backend) ensureClassIndex() {
	if b.classIndexByPtr != nil {
		return
	}
	n := b.metadata.typeDefCount()
	idx := make(map[core.Address]uint32, n)
	for i := uint32(0); i < n; i++ {
		ptr, err := b.ClassPtr(i)
		if err != nil {
			continue
		}
		idx[ptr] = i
	}
	b.classIndexByPtr = idx
}

// TypeDefIndexForClassPtr reverses a runtime class pointer back to its
// type-def index via the cached type-info table index.
func (b *Backend) TypeDefIndexForClassPtr(classPtr core.Address) (uint32, bool) {
	b.ensureClassIndex()
	i, ok := b.classIndexByPtr[classPtr]
	return i, ok
}

// ResolveClassByPtr is ClassDetails, but looks up the owning TypeDef itself
// rather than requiring the caller to already have it — the shape the
// generic Facade needs when all it holds is a class pointer.
func (b *Backend) ResolveClassByPtr(classPtr core.Address) (*rtmodel.ManagedType, []rtmodel.FieldDescriptor, error) {
	index, ok := b.TypeDefIndexForClassPtr(classPtr)
	if !ok {
		return nil, nil, fmt.Errorf("il2cppbackend: class pointer %s not found in type-info table", classPtr)
	}
	td, err := b.metadata.TypeDefByIndex(index)
	if err != nil {
		return nil, nil, err
	}
	return b.ClassDetails(classPtr, td)
}

// ImageDef is one image sub-table record: a name and the type-def range it
// owns.
type ImageDef struct {
	Name      string
	TypeStart uint32
	TypeCount uint32
}

// Images resolves every record in the metadata's image sub-table.
func (b *Backend) Images() ([]ImageDef, error) {
	m := b.metadata
	n := m.tables[subTableImages].size / imageRecordSize
	out := make([]ImageDef, 0, n)
	for i := uint32(0); i < n; i++ {
		rec := m.addrOf(subTableImages, i*imageRecordSize)
		nameIdx, err := b.r.ReadU32(rec.Add(imageNameIndexOffset))
		if err != nil {
			continue
		}
		typeStart, err := b.r.ReadU32(rec.Add(imageTypeStartOffset))
		if err != nil {
			continue
		}
		typeCount, err := b.r.ReadU32(rec.Add(imageTypeCountOffset))
		if err != nil {
			continue
		}
		name, err := m.String(nameIdx)
		if err != nil {
			continue
		}
		out = append(out, ImageDef{Name: name, TypeStart: typeStart, TypeCount: typeCount})
	}
	return out, nil
}

// Assemblies resolves every record in the metadata's assembly sub-table,
// naming each by its owning image (spec.md §4.3/§4.4 "enumerate
// assemblies" is a capability both backends expose identically).
func (b *Backend) Assemblies() ([]rtmodel.AssemblyRef, error) {
	m := b.metadata
	images, err := b.Images()
	if err != nil {
		return nil, err
	}

	n := m.tables[subTableAssemblies].size / assemblyRecordSize
	out := make([]rtmodel.AssemblyRef, 0, n)
	for i := uint32(0); i < n; i++ {
		rec := m.addrOf(subTableAssemblies, i*assemblyRecordSize)
		imageIdx, err := b.r.ReadU32(rec.Add(assemblyImageIndexOffset))
		if err != nil || int(imageIdx) >= len(images) {
			continue
		}
		out = append(out, rtmodel.AssemblyRef{
			Name:      images[imageIdx].Name,
			ImageAddr: b.anchors.ImageBase, // one game binary; images share the module
		})
	}
	return out, nil
}

// Anchors returns the locator anchors this Backend was built with.
func (b *Backend) Anchors() (*locator.Il2cppAnchors, bool) {
	return b.anchors, b.anchors != nil
}

// MetadataTypeDef exposes the parsed Metadata's TypeDefByIndex to callers
// outside this package that only hold a Backend.
func (b *Backend) MetadataTypeDef(index uint32) (*TypeDef, error) {
	return b.metadata.TypeDefByIndex(index)
}

// ClassPtr resolves the runtime Il2CppClass* for a type-def index via the
// type-info table, a contiguous Il2CppClass* array indexed by type-def
// index (spec.md §4.4 "Runtime class pointer").
func (b *Backend) ClassPtr(typeDefIndex uint32) (core.Address, error) {
	entry := b.anchors.TypeInfoTable.Add(int64(typeDefIndex) * int64(b.r.PtrSize()))
	classPtr, err := b.r.ReadPtr(entry)
	if err != nil {
		return 0, fmt.Errorf("il2cppbackend: reading type-info table entry %d: %w", typeDefIndex, err)
	}
	if !classPtr.Valid() {
		return 0, fmt.Errorf("il2cppbackend: type-def %d resolves to null class pointer", typeDefIndex)
	}
	return classPtr, nil
}

// ClassDetails reads a runtime class's name, namespace, and fields through
// the pinned offsets {class_name@0x10, namespace@0x18, fields@0x80,
// static_fields@0xA8} and metadata's field-def table, combining both as
// spec.md §4.4 describes.
func (b *Backend) ClassDetails(classPtr core.Address, td *TypeDef) (*rtmodel.ManagedType, []rtmodel.FieldDescriptor, error) {
	namePtr, err := b.r.ReadPtr(classPtr.Add(b.off.ClassNameOffset))
	if err != nil {
		return nil, nil, fmt.Errorf("il2cppbackend: reading class_name: %w", err)
	}
	name := td.Name
	if namePtr.Valid() {
		if s, err := b.r.ReadCString(namePtr, 512); err == nil && s != "" {
			name = s
		}
	}

	namespacePtr, err := b.r.ReadPtr(classPtr.Add(b.off.ClassNamespaceOffset))
	namespace := td.Namespace
	if err == nil && namespacePtr.Valid() {
		if s, err := b.r.ReadCString(namespacePtr, 512); err == nil {
			namespace = s
		}
	}

	staticFields, err := b.r.ReadPtr(classPtr.Add(b.off.ClassStaticFieldsOffset))
	if err != nil {
		staticFields = 0
	}

	mt := &rtmodel.ManagedType{
		Name:          name,
		Namespace:     namespace,
		RuntimeAddr:   classPtr,
		FieldTable:    classPtr.Add(b.off.ClassFieldsOffset),
		StaticStorage: staticFields,
	}

	if td.FieldCount == 0 || td.FieldCount >= 1000 {
		mt.Opaque = true
		return mt, nil, nil
	}

	fieldsArray, err := b.r.ReadPtr(classPtr.Add(b.off.ClassFieldsOffset))
	if err != nil || !fieldsArray.Valid() {
		mt.Opaque = true
		return mt, nil, nil
	}

	fields := make([]rtmodel.FieldDescriptor, 0, td.FieldCount)
	for i := uint32(0); i < td.FieldCount; i++ {
		fd, err := b.metadata.FieldDefByGlobalIndex(td.FieldStart + int32(i))
		if err != nil {
			continue
		}
		fieldName, err := b.metadata.FieldName(fd)
		if err != nil {
			continue
		}

		runtimeField := fieldsArray.Add(int64(i) * b.off.FieldInfoStride)
		offset, err := b.r.ReadU32(runtimeField.Add(24)) // offset is the 4th word of FieldInfo
		if err != nil {
			continue
		}
		typePtr, _ := b.r.ReadPtr(runtimeField.Add(int64(b.r.PtrSize())))
		attrs, _ := typeAttributes(b.r, typePtr)

		fields = append(fields, rtmodel.FieldDescriptor{
			Name:           fieldName,
			DeclaringType:  classPtr,
			Offset:         int64(int32(offset)),
			IsStatic:       rtmodel.IsStaticAttr(attrs),
			TypeAttributes: attrs,
		})
	}
	return mt, fields, nil
}

// ClassOfInstance recovers an IL2CPP instance's class pointer: unlike
// Mono's vtable indirection, an IL2CPP instance's first pointer-width word
// IS the class pointer directly (spec.md §4.4's live-instance scan relies
// on exactly this: "read_ptr(A) == target_class_ptr").
func (b *Backend) ClassOfInstance(instance core.Address) (core.Address, error) {
	classPtr, err := b.r.ReadPtr(instance)
	if err != nil {
		return 0, fmt.Errorf("il2cppbackend: reading class pointer at %s: %w", instance, err)
	}
	if !classPtr.Valid() {
		return 0, fmt.Errorf("il2cppbackend: instance %s has null class pointer", instance)
	}
	return classPtr, nil
}

// InstanceFieldAddr and StaticFieldAddr mirror monobackend's resolution:
// an instance field lives at instance+offset, a static one at
// static_storage+offset.
func (b *Backend) InstanceFieldAddr(instance core.Address, field rtmodel.FieldDescriptor) core.Address {
	return instance.Add(field.Offset)
}

func (b *Backend) StaticFieldAddr(staticStorage core.Address, field rtmodel.FieldDescriptor) core.Address {
	return staticStorage.Add(field.Offset)
}

// heapScanStride is the byte stride the heap scan advances by (spec.md
// §4.4: "8-byte stride").
const heapScanStride = 8

// secondWordOffset is the offset the disambiguation read checks, 16 bytes
// in (spec.md §4.4: "read_ptr(A+16) != target_class_ptr").
const secondWordOffset = 16

// FindLiveInstance scans heapSegments at an 8-byte stride for the live root
// instance of targetClass: the first address A where the first word equals
// targetClass and the word at A+16 does not, which excludes FieldInfo
// records sharing the same leading class-pointer pattern (spec.md §4.4
// "Locating a live root instance").
func (b *Backend) FindLiveInstance(heapSegments []core.Segment, targetClass core.Address) (core.Address, error) {
	for _, seg := range heapSegments {
		for a := seg.Base; a.Sub(seg.Base) < seg.Size; a = a.Add(heapScanStride) {
			first, err := b.r.ReadPtr(a)
			if err != nil {
				continue
			}
			if first != targetClass {
				continue
			}
			second, err := b.r.ReadPtr(a.Add(secondWordOffset))
			if err != nil {
				continue
			}
			if second == targetClass {
				continue // a FieldInfo record sharing the class-pointer pattern
			}
			return a, nil
		}
	}
	return 0, fmt.Errorf("il2cppbackend: no live instance of class %s found in scanned heap segments", targetClass)
}
