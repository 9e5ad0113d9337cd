// Package valuedecode implements spec.md §4.5: turning a FieldDescriptor
// and an address into a TypedValue, including the structural dictionary
// decode that bypasses the normal field walk because generic
// instantiations present unreliable metadata.
//
// The switch-on-type-name dispatch here is grounded on
// golang-debug/internal/gocore/type.go's typeObject/DynamicType, which
// switches on a reflect.Kind to decide how to read a region of foreign
// memory into a value; this backend switches on the runtime type-name
// pattern instead, since neither Mono nor IL2CPP expose a reflect.Kind.
package valuedecode

import (
	"math"
	"strings"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/rtmodel"
)

// maxDictionaryLength bounds a structurally-decoded dictionary's length,
// per spec.md §3/§4.5.
const maxDictionaryLength = 100_000

// maxArrayLength bounds an array decode against runaway reads off a
// corrupt header.
const maxArrayLength = 1_000_000

// ClassNameResolver recovers a class's name from an instance's vtable, for
// the Pointer{address, class_name?} case of spec.md §4.5. Both backends
// supply one; resolution is best-effort and a failure just omits the name.
type ClassNameResolver func(instance core.Address) (string, bool)

// Decoder decodes TypedValues given a MemoryReader and a backend-specific
// way to name a pointer's runtime class.
type Decoder struct {
	r            *core.MemoryReader
	resolveClass ClassNameResolver
}

// New builds a Decoder. resolveClass may be nil, in which case pointer
// values never carry a class name.
func New(r *core.MemoryReader, resolveClass ClassNameResolver) *Decoder {
	return &Decoder{r: r, resolveClass: resolveClass}
}

// DecodeField decodes the value of field at the containing instance's
// address, dispatching on the field's type-name pattern per spec.md §4.5's
// table.
func (d *Decoder) DecodeField(instance core.Address, field rtmodel.FieldDescriptor) rtmodel.TypedValue {
	addr := instance.Add(field.Offset)
	return d.DecodeAt(addr, field.TypeName)
}

// DecodeAt decodes the value at addr according to a runtime type-name
// pattern, independent of which field (if any) it came from. Used both for
// field decoding and for decoding array elements / dictionary keys and
// values, which carry their own element type name rather than a
// FieldDescriptor.
func (d *Decoder) DecodeAt(addr core.Address, typeName string) rtmodel.TypedValue {
	if !addr.Valid() {
		return rtmodel.Null
	}

	switch {
	case matchesAny(typeName, "Int32", "UInt32", "Single"):
		return d.decodeWord32(addr, typeName)
	case matchesAny(typeName, "Int64", "UInt64", "Double"):
		return d.decodeWord64(addr, typeName)
	case matchesAny(typeName, "Boolean", "bool"):
		b, err := d.r.ReadU8(addr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewBoolValue(b != 0)
	case matchesAny(typeName, "String", "string"):
		return d.decodeStringField(addr)
	case strings.HasPrefix(typeName, "Array<") || strings.HasSuffix(typeName, "[]"):
		return d.decodeArrayField(addr, arrayElementType(typeName))
	case looksLikeDictionary(typeName):
		// A Dictionary field, like any reference type, stores a pointer;
		// DecodeDictionary/decodeDictionaryAt expect the dictionary
		// object's own address, not the field slot holding a pointer to
		// it, so dereference first the same way decodeArrayField does.
		dictAddr, err := d.r.ReadPtr(addr)
		if err != nil || !dictAddr.Valid() {
			return rtmodel.Null
		}
		entries, err := d.DecodeDictionary(dictAddr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewDictionaryValue(entries)
	case typeName == "":
		// Unknown/unresolved type name: treat the field as an opaque
		// reference so callers can still follow it as a pointer.
		return d.decodePointerField(addr, "")
	default:
		// Reference (class) type: a pointer, decoded as Pointer{address,
		// class_name_from_vtable?}, per spec.md §4.5.
		return d.decodePointerField(addr, typeName)
	}
}

func (d *Decoder) decodeWord32(addr core.Address, typeName string) rtmodel.TypedValue {
	switch {
	case strings.EqualFold(typeName, "UInt32"):
		u, err := d.r.ReadU32(addr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewUint32Value(u)
	case strings.EqualFold(typeName, "Single"):
		u, err := d.r.ReadU32(addr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewFloatValue(float32FromBits(u))
	default: // Int32
		i, err := d.r.ReadI32(addr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewInt32Value(i)
	}
}

func (d *Decoder) decodeWord64(addr core.Address, typeName string) rtmodel.TypedValue {
	switch {
	case strings.EqualFold(typeName, "UInt64"):
		u, err := d.r.ReadU64(addr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewUint64Value(u)
	case strings.EqualFold(typeName, "Double"):
		u, err := d.r.ReadU64(addr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewDoubleValue(float64FromBits(u))
	default: // Int64
		i, err := d.r.ReadI64(addr)
		if err != nil {
			return rtmodel.Null
		}
		return rtmodel.NewInt64Value(i)
	}
}

// decodeStringField treats addr as holding a pointer to a managed string;
// if non-null, decodes the length-prefixed UTF-16 payload (spec.md §4.1).
func (d *Decoder) decodeStringField(addr core.Address) rtmodel.TypedValue {
	ptr, err := d.r.ReadPtr(addr)
	if err != nil || !ptr.Valid() {
		return rtmodel.Null
	}
	s, err := d.r.ReadManagedString(ptr)
	if err != nil {
		return rtmodel.Null
	}
	return rtmodel.NewStringValue(s)
}

// decodeArrayField treats addr as holding a pointer to an array header:
// length at header+ptrSize*3, elements starting at header+ptrSize*4 with
// stride = element size (spec.md §4.5).
func (d *Decoder) decodeArrayField(addr core.Address, elemType string) rtmodel.TypedValue {
	header, err := d.r.ReadPtr(addr)
	if err != nil || !header.Valid() {
		return rtmodel.Null
	}
	ptrSize := d.r.PtrSize()
	length, err := d.r.ReadI32(header.Add(ptrSize * 3))
	if err != nil {
		return rtmodel.Null
	}
	if length < 0 || length > maxArrayLength {
		return rtmodel.Null
	}

	stride := elementStride(elemType, ptrSize)
	elemsBase := header.Add(ptrSize * 4)
	elems := make([]rtmodel.TypedValue, 0, length)
	for i := int32(0); i < length; i++ {
		elems = append(elems, d.DecodeAt(elemsBase.Add(int64(i)*stride), elemType))
	}
	return rtmodel.NewArrayValue(elems)
}

// decodePointerField treats addr as holding a reference-type pointer,
// best-effort resolving its runtime class name via the vtable.
func (d *Decoder) decodePointerField(addr core.Address, fallbackClassName string) rtmodel.TypedValue {
	ptr, err := d.r.ReadPtr(addr)
	if err != nil || !ptr.Valid() {
		return rtmodel.Null
	}
	className := fallbackClassName
	if d.resolveClass != nil {
		if name, ok := d.resolveClass(ptr); ok && name != "" {
			className = name
		}
	}
	return rtmodel.NewPointerValue(ptr, className)
}

// DecodeValueTypeField decodes an enum or value-type struct laid out
// inline at the field's offset, using its underlying primitive type name
// (spec.md §4.5: "enum / value-type struct ... using the enum's underlying
// primitive"). Callers resolve the underlying primitive from the field's
// ManagedType (ManagedType.IsEnum) before calling this instead of
// DecodeField, since a FieldDescriptor alone doesn't carry that flag.
func (d *Decoder) DecodeValueTypeField(instance core.Address, field rtmodel.FieldDescriptor, underlyingPrimitive string) rtmodel.TypedValue {
	return d.DecodeAt(instance.Add(field.Offset), underlyingPrimitive)
}

// DecodeDictionary structurally decodes a dictionary instance, per spec.md
// §4.5's numbered procedure: it never trusts field metadata, since a
// generic instantiation's field table can be unreliable.
func (d *Decoder) DecodeDictionary(dictAddr core.Address) ([]rtmodel.DictEntry, error) {
	return d.decodeDictionaryAt(dictAddr, 0x18, 0x10)
}

// decodeDictionaryAt is DecodeDictionary parameterized over the primary and
// fallback entries-pointer offsets. The IL2CPP CardsAndQuantity variant does
// not go through it: DecodeCardsAndQuantity has its own walk, since its
// count sits inline at +0x20 rather than at entries_ptr+0x18.
func (d *Decoder) decodeDictionaryAt(dictAddr core.Address, primaryOffset, fallbackOffset int64) ([]rtmodel.DictEntry, error) {
	entriesPtr, err := d.r.ReadPtr(dictAddr.Add(primaryOffset))
	if err != nil || !entriesPtr.Valid() {
		entriesPtr, err = d.r.ReadPtr(dictAddr.Add(fallbackOffset))
		if err != nil || !entriesPtr.Valid() {
			return nil, err
		}
	}

	length, err := d.r.ReadI32(entriesPtr.Add(0x18))
	if err != nil {
		return nil, err
	}
	if length <= 0 || length > maxDictionaryLength {
		return nil, nil
	}

	ptrSize := d.r.PtrSize()
	entriesBase := entriesPtr.Add(ptrSize * 4)
	const entryStride = 16

	out := make([]rtmodel.DictEntry, 0, length)
	for i := int32(0); i < length; i++ {
		entry := entriesBase.Add(int64(i) * entryStride)
		hashCode, err := d.r.ReadI32(entry)
		if err != nil {
			continue
		}
		if hashCode < 0 {
			continue // unoccupied slot
		}
		key, err := d.r.ReadI32(entry.Add(8))
		if err != nil {
			continue
		}
		value, err := d.r.ReadI32(entry.Add(12))
		if err != nil {
			continue
		}
		out = append(out, rtmodel.DictEntry{
			Key:   rtmodel.NewInt32Value(key),
			Value: rtmodel.NewInt32Value(value),
		})
	}
	return out, nil
}

// DecodeCardsAndQuantity decodes the IL2CPP CardsAndQuantity shape, a
// drop-in of the same layout with entries at +0x18 and an inline count at
// +0x20 rather than at entries_ptr+0x18 (spec.md §4.5).
func (d *Decoder) DecodeCardsAndQuantity(addr core.Address) ([]rtmodel.DictEntry, error) {
	entriesPtr, err := d.r.ReadPtr(addr.Add(0x18))
	if err != nil || !entriesPtr.Valid() {
		return nil, err
	}
	length, err := d.r.ReadI32(addr.Add(0x20))
	if err != nil {
		return nil, err
	}
	if length <= 0 || length > maxDictionaryLength {
		return nil, nil
	}

	ptrSize := d.r.PtrSize()
	entriesBase := entriesPtr.Add(ptrSize * 4)
	const entryStride = 16

	out := make([]rtmodel.DictEntry, 0, length)
	for i := int32(0); i < length; i++ {
		entry := entriesBase.Add(int64(i) * entryStride)
		hashCode, err := d.r.ReadI32(entry)
		if err != nil || hashCode < 0 {
			continue
		}
		key, err := d.r.ReadI32(entry.Add(8))
		if err != nil {
			continue
		}
		value, err := d.r.ReadI32(entry.Add(12))
		if err != nil {
			continue
		}
		out = append(out, rtmodel.DictEntry{
			Key:   rtmodel.NewInt32Value(key),
			Value: rtmodel.NewInt32Value(value),
		})
	}
	return out, nil
}

func matchesAny(typeName string, candidates ...string) bool {
	for _, c := range candidates {
		if strings.EqualFold(typeName, c) {
			return true
		}
	}
	return false
}

func looksLikeDictionary(typeName string) bool {
	return strings.Contains(typeName, "Dictionary<") || strings.Contains(typeName, "CardsAndQuantity")
}

func arrayElementType(typeName string) string {
	if strings.HasPrefix(typeName, "Array<") && strings.HasSuffix(typeName, ">") {
		return typeName[len("Array<") : len(typeName)-1]
	}
	if strings.HasSuffix(typeName, "[]") {
		return typeName[:len(typeName)-2]
	}
	return ""
}

// elementStride returns the byte size of one array element for the common
// primitive element types; anything else is treated as pointer-sized,
// matching the reference-type array case.
func elementStride(elemType string, ptrSize int64) int64 {
	switch {
	case matchesAny(elemType, "Boolean", "bool"):
		return 1
	case matchesAny(elemType, "Int32", "UInt32", "Single"):
		return 4
	case matchesAny(elemType, "Int64", "UInt64", "Double"):
		return 8
	default:
		return ptrSize
	}
}

func float32FromBits(u uint32) float32 {
	return math.Float32frombits(u)
}

func float64FromBits(u uint64) float64 {
	return math.Float64frombits(u)
}
