// Package rtmodel holds the runtime data model of spec.md §3 — the
// descriptor and value types shared by both backends, the value decoder,
// and the public Facade. It depends only on core, so internal/monobackend,
// internal/il2cppbackend, internal/valuedecode, and the root memprobe
// package can all import it without cycles.
package rtmodel

import "github.com/tripwire/memprobe/core"

// ManagedType describes a class or value type resolved from the target's
// runtime metadata. Created lazily when a class is first resolved and
// cached by runtime address for the lifetime of the attached Session.
type ManagedType struct {
	Name          string
	Namespace     string
	RuntimeAddr   core.Address
	IsStatic      bool
	IsEnum        bool
	ElementAddr   core.Address // array/generic element type, if any
	FieldTable    core.Address
	StaticStorage core.Address
	InstanceSize  int64
	Opaque        bool // true when field_count failed the sanity bound (spec.md §4.3)
}

// FieldDescriptor describes one field declared by a ManagedType.
type FieldDescriptor struct {
	Name           string
	TypeName       string
	DeclaringType  core.Address
	Offset         int64
	IsStatic       bool
	IsConst        bool
	TypeAttributes uint32
}

// StaticAttributeBit is the type-attribute bit that marks a field static,
// per spec.md §3.
const StaticAttributeBit = 0x10

// IsStaticAttr reports whether a field's raw type-attribute bitmask marks
// it static.
func IsStaticAttr(attrs uint32) bool {
	return attrs&StaticAttributeBit != 0
}

// AssemblyRef names one assembly/image enumerated at attach.
type AssemblyRef struct {
	Name      string
	ImageAddr core.Address
}

// BackendKind identifies which runtime decoder a Session uses. Fixed at
// attach and never switched (spec.md §3 invariant).
type BackendKind int

const (
	BackendUnknown BackendKind = iota
	BackendMono
	BackendIl2cpp
)

func (k BackendKind) String() string {
	switch k {
	case BackendMono:
		return "mono"
	case BackendIl2cpp:
		return "il2cpp"
	default:
		return "unknown"
	}
}

// ValueKind discriminates the TypedValue sum type of spec.md §3.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindFloat
	KindDouble
	KindString
	KindPointer
	KindArray
	KindDictionary
	KindObject
)

// TypedValue is the tagged union every decode operation produces. Only the
// field(s) matching Kind are meaningful.
type TypedValue struct {
	Kind ValueKind

	Bool bool
	I32  int32
	I64  int64
	U32  uint32
	U64  uint64
	F32  float32
	F64  float64
	Str  string

	PointerAddr      core.Address
	PointerClassName string // best-effort, resolved from the vtable if available

	Array []TypedValue
	Dict  []DictEntry
	Obj   *ObjectValue
}

// DictEntry is one key/value pair of a decoded Dictionary.
type DictEntry struct {
	Key   TypedValue
	Value TypedValue
}

// ObjectValue is the "one level deep" object summary spec.md §4.6 returns
// for a terminal path cursor that isn't a primitive or dictionary.
type ObjectValue struct {
	ClassName string
	Namespace string
	Address   core.Address
	Fields    []ObjectField
}

// ObjectField is one field of an ObjectValue summary.
type ObjectField struct {
	Name     string
	Type     string
	IsStatic bool
	Value    TypedValue
}

// Null is the canonical KindNull value.
var Null = TypedValue{Kind: KindNull}

// The NewXxxValue constructors are the only way value-decoding callers
// (internal/valuedecode and the backends) should build a TypedValue: they
// keep the Kind tag and its payload field in sync.

func NewBoolValue(b bool) TypedValue      { return TypedValue{Kind: KindBool, Bool: b} }
func NewInt32Value(i int32) TypedValue    { return TypedValue{Kind: KindInt32, I32: i} }
func NewInt64Value(i int64) TypedValue    { return TypedValue{Kind: KindInt64, I64: i} }
func NewUint32Value(u uint32) TypedValue  { return TypedValue{Kind: KindUint32, U32: u} }
func NewUint64Value(u uint64) TypedValue  { return TypedValue{Kind: KindUint64, U64: u} }
func NewFloatValue(f float32) TypedValue  { return TypedValue{Kind: KindFloat, F32: f} }
func NewDoubleValue(d float64) TypedValue { return TypedValue{Kind: KindDouble, F64: d} }
func NewStringValue(s string) TypedValue  { return TypedValue{Kind: KindString, Str: s} }

func NewPointerValue(a core.Address, className string) TypedValue {
	if a == 0 || !a.Valid() {
		return Null
	}
	return TypedValue{Kind: KindPointer, PointerAddr: a, PointerClassName: className}
}

func NewArrayValue(elems []TypedValue) TypedValue {
	return TypedValue{Kind: KindArray, Array: elems}
}

func NewDictionaryValue(entries []DictEntry) TypedValue {
	return TypedValue{Kind: KindDictionary, Dict: entries}
}

func NewObjectValue(o *ObjectValue) TypedValue {
	return TypedValue{Kind: KindObject, Obj: o}
}
