// Package il2cppbackend implements spec.md §4.4: parsing the version-31
// IL2CPP metadata blob and resolving runtime class objects from type-def
// indices via the type-info table, then reading fields and scanning the
// heap for a live root instance.
//
// The {offset,size}-pair sub-table header and the "look up a name by
// resolving an index into a separate strings blob" idiom are grounded on
// saferwall-pe's dotnet.go/dotnet_helper.go, which parses the .NET CLR's
// own metadata stream header (#~ / #Strings / #Blob / #GUID) the same way:
// a directory of sub-streams, each entry decoded relative to the stream's
// own base.
package il2cppbackend

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
)

// SupportedMetadataVersion is the only blob layout this parser understands,
// per spec.md §4.4/§6.
const SupportedMetadataVersion = 31

// subTable indices into the metadata blob's header, in the order spec.md
// §4.4 lists them.
const (
	subTableStringLiteral = iota
	subTableStrings
	subTableTypeDefinitions
	subTableFieldDefinitions
	subTableMethodDefinitions
	subTableImages
	subTableAssemblies
	subTableGenerics
	numSubTables
)

// subTableHeaderEntrySize is the size of one {offset, size} u32 pair.
const subTableHeaderEntrySize = 8

// Record strides and field offsets. These describe the fixed, version-31
// record layouts spec.md §4.4 gives in prose; the "skipped fields" spec.md
// leaves unnamed are accounted for by the stride alone, since nothing in
// this backend ever reads them.
const (
	typeDefRecordSize        = 92
	typeDefNameIndexOffset   = 0
	typeDefNamespaceOffset   = 4
	typeDefFieldStartOffset  = 24
	typeDefFieldCountOffset  = 28

	fieldDefRecordSize      = 12
	fieldDefNameIndexOffset = 0
	fieldDefTypeIndexOffset = 4

	imageRecordSize          = 40
	imageNameIndexOffset     = 0
	imageTypeStartOffset     = 4
	imageTypeCountOffset     = 8

	assemblyRecordSize      = 24
	assemblyImageIndexOffset = 0

	// il2cppTypeStaticAttributeOffset is the byte offset of the type
	// attribute bitmask within a runtime Il2CppType (spec.md §4.4: "the
	// static bit at +0x08 of the runtime Il2CppType").
	il2cppTypeStaticAttributeOffset = 0x08
)

// subTable is one decoded {offset, size} directory entry.
type subTable struct {
	offset uint32
	size   uint32
}

// Metadata is the parsed version-31 blob: the sub-table directory plus the
// blob's own base address, so every index can be resolved lazily against
// live memory without materializing the whole blob.
type Metadata struct {
	r        *core.MemoryReader
	base     core.Address
	version  uint32
	tables   [numSubTables]subTable
}

// Parse reads the metadata blob header at base and validates its version.
func Parse(r *core.MemoryReader, base core.Address) (*Metadata, error) {
	version, err := r.ReadU32(base)
	if err != nil {
		return nil, fmt.Errorf("il2cppbackend: reading metadata version: %w", err)
	}
	if version != SupportedMetadataVersion {
		return nil, fmt.Errorf("il2cppbackend: unsupported metadata version %d, want %d", version, SupportedMetadataVersion)
	}

	m := &Metadata{r: r, base: base, version: version}
	headerAddr := base.Add(4)
	for i := 0; i < numSubTables; i++ {
		entry := headerAddr.Add(int64(i) * subTableHeaderEntrySize)
		off, err := r.ReadU32(entry)
		if err != nil {
			return nil, fmt.Errorf("il2cppbackend: reading sub-table %d offset: %w", i, err)
		}
		size, err := r.ReadU32(entry.Add(4))
		if err != nil {
			return nil, fmt.Errorf("il2cppbackend: reading sub-table %d size: %w", i, err)
		}
		m.tables[i] = subTable{offset: off, size: size}
	}
	return m, nil
}

// addrOf resolves an offset relative to a sub-table into an absolute
// address in the blob.
func (m *Metadata) addrOf(table int, relOffset uint32) core.Address {
	return m.base.Add(int64(m.tables[table].offset) + int64(relOffset))
}

// String resolves an index into the #Strings-equivalent sub-table to its
// NUL-terminated value.
func (m *Metadata) String(index uint32) (string, error) {
	if index >= m.tables[subTableStrings].size {
		return "", fmt.Errorf("il2cppbackend: string index %d out of bounds (size %d)", index, m.tables[subTableStrings].size)
	}
	return m.r.ReadCString(m.addrOf(subTableStrings, index), 1024)
}

// TypeDef is one parsed type-definition record.
type TypeDef struct {
	Index       uint32
	Name        string
	Namespace   string
	FieldStart  int32
	FieldCount  uint32
}

// typeDefCount reports how many type-definition records the sub-table
// holds.
func (m *Metadata) typeDefCount() uint32 {
	return m.tables[subTableTypeDefinitions].size / typeDefRecordSize
}

// TypeDefByIndex reads and resolves one type-definition record.
func (m *Metadata) TypeDefByIndex(index uint32) (*TypeDef, error) {
	if index >= m.typeDefCount() {
		return nil, fmt.Errorf("il2cppbackend: type-def index %d out of bounds", index)
	}
	rec := m.addrOf(subTableTypeDefinitions, index*typeDefRecordSize)

	nameIdx, err := m.r.ReadU32(rec.Add(typeDefNameIndexOffset))
	if err != nil {
		return nil, err
	}
	nsIdx, err := m.r.ReadU32(rec.Add(typeDefNamespaceOffset))
	if err != nil {
		return nil, err
	}
	fieldStart, err := m.r.ReadI32(rec.Add(typeDefFieldStartOffset))
	if err != nil {
		return nil, err
	}
	fieldCount, err := m.r.ReadU32(rec.Add(typeDefFieldCountOffset))
	if err != nil {
		return nil, err
	}

	name, err := m.String(nameIdx)
	if err != nil {
		return nil, fmt.Errorf("il2cppbackend: resolving type-def %d name: %w", index, err)
	}
	namespace, _ := m.String(nsIdx)

	return &TypeDef{
		Index:      index,
		Name:       name,
		Namespace:  namespace,
		FieldStart: fieldStart,
		FieldCount: fieldCount,
	}, nil
}

// AllTypeDefs resolves every type-definition record in the blob.
func (m *Metadata) AllTypeDefs() ([]*TypeDef, error) {
	n := m.typeDefCount()
	out := make([]*TypeDef, 0, n)
	for i := uint32(0); i < n; i++ {
		td, err := m.TypeDefByIndex(i)
		if err != nil {
			continue
		}
		out = append(out, td)
	}
	return out, nil
}

// FieldDef is one parsed field-definition record: {name_index, type_index,
// token}, per spec.md §4.4.
type FieldDef struct {
	NameIndex uint32
	TypeIndex uint32
}

// FieldDefByGlobalIndex reads the field-definition record at a global
// index; a class owns fieldDefs[field_start .. field_start+field_count]
// (spec.md §4.4).
func (m *Metadata) FieldDefByGlobalIndex(index int32) (*FieldDef, error) {
	rec := m.addrOf(subTableFieldDefinitions, uint32(index)*fieldDefRecordSize)
	nameIdx, err := m.r.ReadU32(rec.Add(fieldDefNameIndexOffset))
	if err != nil {
		return nil, err
	}
	typeIdx, err := m.r.ReadU32(rec.Add(fieldDefTypeIndexOffset))
	if err != nil {
		return nil, err
	}
	return &FieldDef{NameIndex: nameIdx, TypeIndex: typeIdx}, nil
}

// FieldName resolves a FieldDef's name.
func (m *Metadata) FieldName(fd *FieldDef) (string, error) {
	return m.String(fd.NameIndex)
}

// typeAttributes reads the attribute bitmask (static bit included) of the
// runtime Il2CppType at typePtr, the type pointer held by a runtime
// FieldInfo record.
func typeAttributes(r *core.MemoryReader, typePtr core.Address) (uint32, error) {
	if !typePtr.Valid() {
		return 0, fmt.Errorf("il2cppbackend: null Il2CppType pointer")
	}
	return r.ReadU32(typePtr.Add(il2cppTypeStaticAttributeOffset))
}
