// Package monobackend implements spec.md §4.3: walking a classical Mono
// runtime's domain → assembly list → image → class-cache hash table →
// class definitions → field tables, and reading static and instance data
// through the offsets those structures describe.
//
// The walk idiom — follow a pointer, validate it, follow the next one —
// is grounded on golang-debug/internal/gocore/module.go's readModules and
// object.go's markObjects, both of which walk foreign-memory linked
// structures (a module slice, a heap object graph) the same way: read,
// bound-check, recurse.
package monobackend

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/locator"
	"github.com/tripwire/memprobe/internal/offsets"
	"github.com/tripwire/memprobe/rtmodel"
)

// opaqueFieldCountMax bounds a plausible field_count; a count of 0 or of
// opaqueFieldCountMax and above marks an uninstantiated generic whose field
// table must not be trusted (spec.md §4.3 "guard against generic
// corruption").
const (
	opaqueFieldCountMax = 1000
)

// assemblyNodeImageOffset is the offset of image_ptr within one
// singly-linked assembly-list node: {image_ptr, next_ptr}, two
// pointer-width words.
const assemblyNodeImageOffset = 0

// imageNameOffset and classCacheBucketsOffset/classCacheSizeOffsetInc describe
// the conventional Mono MonoImage layout: a name pointer, followed
// (at the pinned ClassCacheOffset) by the class-cache hash table header of
// {bucket_array_ptr, bucket_count}.
const imageNameOffset = 0

const (
	classCacheBucketsOffset = 0
	classCacheSizeOffsetInc = 8 // bucket_count follows bucket_array_ptr
)

// classCacheChainNextOffset is the offset from one class-cache bucket entry
// (itself a class pointer) to the next class pointer sharing that bucket.
// Deliberately distinct from the namespace-pointer slot at +ptrSize
// (ClassDetails reads that one) and from ClassFieldTableOffset, so a bucket
// with more than one class in its chain doesn't clobber either.
const classCacheChainNextOffset = 0x70

// Backend walks one attached Mono runtime's metadata.
type Backend struct {
	r       *core.MemoryReader
	anchors *locator.MonoAnchors
	off     *offsets.MonoOffsets
}

// New builds a Backend over an already-located Mono runtime.
func New(r *core.MemoryReader, anchors *locator.MonoAnchors, off *offsets.MonoOffsets) *Backend {
	return &Backend{r: r, anchors: anchors, off: off}
}

// Assemblies walks the singly-linked assembly list rooted at the domain's
// assembly-list head, per spec.md §4.3 "Enumerating assemblies".
func (b *Backend) Assemblies() ([]rtmodel.AssemblyRef, error) {
	var out []rtmodel.AssemblyRef
	node := b.anchors.AssemblyListHead
	seen := make(map[core.Address]bool)
	for node != 0 && node.Valid() && !seen[node] {
		seen[node] = true

		imagePtr, err := b.r.ReadPtr(node.Add(assemblyNodeImageOffset))
		if err != nil {
			return out, fmt.Errorf("monobackend: reading assembly image pointer at %s: %w", node, err)
		}
		if imagePtr.Valid() {
			name, err := b.readNamePtrString(imagePtr.Add(imageNameOffset))
			if err == nil {
				out = append(out, rtmodel.AssemblyRef{Name: name, ImageAddr: imagePtr})
			}
		}

		next, err := b.r.ReadPtr(node.Add(int64(b.r.PtrSize())))
		if err != nil {
			break
		}
		node = next
	}
	return out, nil
}

// readNamePtrString dereferences the pointer stored at addr and reads it as
// a C string; both a MonoImage's name field and a class's name field are
// laid out this way.
func (b *Backend) readNamePtrString(addr core.Address) (string, error) {
	namePtr, err := b.r.ReadPtr(addr)
	if err != nil {
		return "", err
	}
	if !namePtr.Valid() {
		return "", fmt.Errorf("monobackend: null name pointer at %s", addr)
	}
	return b.r.ReadCString(namePtr, 512)
}

// Classes walks an image's class-cache hash table: every bucket, then every
// chain within the bucket, yielding each class pointer de-duplicated by
// address (spec.md §4.3 "Enumerating classes").
func (b *Backend) Classes(image core.Address) ([]core.Address, error) {
	cache := image.Add(b.off.ClassCacheOffset)

	bucketsPtr, err := b.r.ReadPtr(cache.Add(classCacheBucketsOffset))
	if err != nil {
		return nil, fmt.Errorf("monobackend: reading class-cache bucket array: %w", err)
	}
	bucketCount, err := b.r.ReadU32(cache.Add(classCacheSizeOffsetInc))
	if err != nil {
		return nil, fmt.Errorf("monobackend: reading class-cache bucket count: %w", err)
	}
	if !bucketsPtr.Valid() || bucketCount == 0 || bucketCount > 1<<20 {
		return nil, fmt.Errorf("monobackend: implausible class cache (buckets=%s count=%d)", bucketsPtr, bucketCount)
	}

	seen := make(map[core.Address]bool)
	var out []core.Address
	ptrSize := int64(b.r.PtrSize())
	for i := uint32(0); i < bucketCount; i++ {
		chain, err := b.r.ReadPtr(bucketsPtr.Add(int64(i) * ptrSize))
		if err != nil {
			continue
		}
		for chain != 0 && chain.Valid() && !seen[chain] {
			seen[chain] = true
			classPtr := chain // bucket chain node IS the class pointer in this layout
			out = append(out, classPtr)

			next, err := b.r.ReadPtr(chain.Add(classCacheChainNextOffset))
			if err != nil {
				break
			}
			chain = next
		}
	}
	return out, nil
}

// ClassDetails reads a class's name, namespace, and field table, applying
// the opaque-generic guard of spec.md §4.3.
func (b *Backend) ClassDetails(classPtr core.Address) (*rtmodel.ManagedType, []rtmodel.FieldDescriptor, error) {
	name, err := b.readNamePtrString(classPtr) // a class's first word is its name pointer too
	if err != nil {
		return nil, nil, fmt.Errorf("monobackend: reading class name: %w", err)
	}
	namespacePtr, err := b.r.ReadPtr(classPtr.Add(int64(b.r.PtrSize())))
	namespace := ""
	if err == nil && namespacePtr.Valid() {
		namespace, _ = b.r.ReadCString(namespacePtr, 512)
	}

	fieldTableAddr := classPtr.Add(b.off.ClassFieldTableOffset)
	fieldCount, err := b.r.ReadU32(fieldTableAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("monobackend: reading field_count: %w", err)
	}
	fieldsPtr, err := b.r.ReadPtr(fieldTableAddr.Add(4))
	if err != nil {
		return nil, nil, fmt.Errorf("monobackend: reading fields pointer: %w", err)
	}

	staticStorage, err := b.r.ReadPtr(classPtr.Add(b.off.ClassStaticDataOffset))
	if err != nil {
		staticStorage = 0
	}

	mt := &rtmodel.ManagedType{
		Name:          name,
		Namespace:     namespace,
		RuntimeAddr:   classPtr,
		FieldTable:    fieldsPtr,
		StaticStorage: staticStorage,
	}

	if fieldCount == 0 || fieldCount >= opaqueFieldCountMax {
		mt.Opaque = true
		return mt, nil, nil
	}

	fields := make([]rtmodel.FieldDescriptor, 0, fieldCount)
	stride := b.off.FieldRecordStride
	for i := uint32(0); i < fieldCount; i++ {
		rec := fieldsPtr.Add(int64(i) * stride)
		fd, err := b.readFieldRecord(rec, classPtr)
		if err != nil {
			continue
		}
		fields = append(fields, fd)
	}
	return mt, fields, nil
}

// readFieldRecord decodes one {name_ptr, type_ptr, parent, offset, token}
// record, per spec.md §4.3.
func (b *Backend) readFieldRecord(rec core.Address, declaringType core.Address) (rtmodel.FieldDescriptor, error) {
	ptrSize := int64(b.r.PtrSize())

	namePtr, err := b.r.ReadPtr(rec)
	if err != nil {
		return rtmodel.FieldDescriptor{}, err
	}
	name, err := b.r.ReadCString(namePtr, 256)
	if err != nil {
		return rtmodel.FieldDescriptor{}, err
	}

	typePtr, err := b.r.ReadPtr(rec.Add(ptrSize))
	if err != nil {
		return rtmodel.FieldDescriptor{}, err
	}
	var attrs uint32
	var typeName string
	if typePtr.Valid() {
		attrs, _ = b.r.ReadU32(typePtr.Add(8))
		if np, err := b.r.ReadPtr(typePtr); err == nil && np.Valid() {
			typeName, _ = b.r.ReadCString(np, 256)
		}
	}

	offAddr := rec.Add(3 * ptrSize)
	offset, err := b.r.ReadI32(offAddr)
	if err != nil {
		return rtmodel.FieldDescriptor{}, err
	}

	return rtmodel.FieldDescriptor{
		Name:           name,
		TypeName:       typeName,
		DeclaringType:  declaringType,
		Offset:         int64(offset),
		IsStatic:       rtmodel.IsStaticAttr(attrs),
		TypeAttributes: attrs,
	}, nil
}

// StaticFieldAddr resolves where a static field's value lives: the class's
// static-storage pointer plus the field's offset (spec.md §4.3 "Static
// field storage").
func (b *Backend) StaticFieldAddr(staticStorage core.Address, field rtmodel.FieldDescriptor) core.Address {
	return staticStorage.Add(field.Offset)
}

// InstanceFieldAddr resolves where an instance field's value lives relative
// to the instance's own address (spec.md §4.3 "Instance reading").
func (b *Backend) InstanceFieldAddr(instance core.Address, field rtmodel.FieldDescriptor) core.Address {
	return instance.Add(field.Offset)
}

// ClassOfInstance recovers an instance's class pointer via its vtable: the
// first pointer-width word of the instance is the vtable, whose own first
// word is the class pointer (spec.md §4.3 "Instance reading").
func (b *Backend) ClassOfInstance(instance core.Address) (core.Address, error) {
	vtable, err := b.r.ReadPtr(instance)
	if err != nil {
		return 0, fmt.Errorf("monobackend: reading vtable at %s: %w", instance, err)
	}
	if !vtable.Valid() {
		return 0, fmt.Errorf("monobackend: instance %s has null vtable", instance)
	}
	classPtr, err := b.r.ReadPtr(vtable)
	if err != nil {
		return 0, fmt.Errorf("monobackend: reading class pointer from vtable %s: %w", vtable, err)
	}
	return classPtr, nil
}
