package memprobe

import "github.com/tripwire/memprobe/rtmodel"

// The types and constants below are aliases onto rtmodel, so that callers
// of this package never need to import rtmodel directly: memprobe.TypedValue
// and rtmodel.TypedValue are the identical type. rtmodel exists only to let
// internal/monobackend, internal/il2cppbackend, and internal/valuedecode
// share the data model without importing this package (which would cycle
// back through them via Session).

type (
	ManagedType     = rtmodel.ManagedType
	FieldDescriptor = rtmodel.FieldDescriptor
	AssemblyRef     = rtmodel.AssemblyRef
	BackendKind     = rtmodel.BackendKind
	ValueKind       = rtmodel.ValueKind
	TypedValue      = rtmodel.TypedValue
	DictEntry       = rtmodel.DictEntry
	ObjectValue     = rtmodel.ObjectValue
	ObjectField     = rtmodel.ObjectField
)

const (
	BackendUnknown = rtmodel.BackendUnknown
	BackendMono    = rtmodel.BackendMono
	BackendIl2cpp  = rtmodel.BackendIl2cpp
)

const (
	KindNull       = rtmodel.KindNull
	KindBool       = rtmodel.KindBool
	KindInt32      = rtmodel.KindInt32
	KindInt64      = rtmodel.KindInt64
	KindUint32     = rtmodel.KindUint32
	KindUint64     = rtmodel.KindUint64
	KindFloat      = rtmodel.KindFloat
	KindDouble     = rtmodel.KindDouble
	KindString     = rtmodel.KindString
	KindPointer    = rtmodel.KindPointer
	KindArray      = rtmodel.KindArray
	KindDictionary = rtmodel.KindDictionary
	KindObject     = rtmodel.KindObject
)

// Null is the canonical "no value" TypedValue, returned wherever spec.md
// says a cursor resolves to nothing rather than erroring.
var Null = rtmodel.Null

// ClassInfo is the summary get_assembly_classes returns for one class: just
// enough to let a caller pick a class name for get_class_details without
// paying for a full field walk.
type ClassInfo struct {
	Name      string
	Namespace string
}

// ClassDetails is the full get_class_details result: a class's declared
// fields, both instance and static.
type ClassDetails struct {
	Name      string
	Namespace string
	Fields    []FieldDescriptor
}

// InstanceData is the get_instance result: an object summary one level
// deep, matching the terminal decode rule of spec.md §4.6.
type InstanceData = ObjectValue

// DictionaryData is the get_dictionary result: the decoded entries of one
// managed dictionary instance.
type DictionaryData struct {
	Entries []DictEntry
}
