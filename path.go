package memprobe

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/locator"
	"github.com/tripwire/memprobe/internal/offsets"
	"github.com/tripwire/memprobe/rtmodel"
)

// conventionalAssembly names the assembly a root class is resolved in, per
// backend kind (spec.md §4.6 step 2).
func conventionalAssembly(kind rtmodel.BackendKind) string {
	if kind == rtmodel.BackendIl2cpp {
		return "GameAssembly"
	}
	return "Assembly-CSharp"
}

// instanceBackingFieldName is the conventional name of a singleton
// Instance property's compiler-generated backing field (spec.md §4.6 step
// 3, §4.6 closing note on backing-field mangling).
const instanceBackingFieldName = "<Instance>k__BackingField"

// ReadData resolves a symbolic path starting at a named root class,
// attaching first if the session isn't already attached to name, per
// spec.md §4.6. path must be non-empty: path[0] names the root class,
// path[1:] are the field names to traverse.
//
// Grounded on golang-debug/cmd/viewcore/objref.go's runObjref, which walks
// a named chain of object references and dispatches on what kind of value
// it finds at each step; here the chain is field names instead of object
// graph edges, and the dispatch is spec.md §4.6 step 4's
// primitive/pointer/dictionary trichotomy.
func (s *Session) ReadData(name string, path []string, reg *offsets.Registry) (rtmodel.TypedValue, error) {
	if len(path) == 0 {
		return rtmodel.Null, &NoPathError{}
	}

	if s.IsInitialized() && s.processName != name {
		if err := s.Close(); err != nil {
			return rtmodel.Null, err
		}
	}
	if !s.IsInitialized() {
		if err := s.Init(name, reg); err != nil {
			return rtmodel.Null, err
		}
	}

	rootClassName := path[0]
	asm := conventionalAssembly(s.backendKind)
	rootClassPtr, err := s.findClassByName(asm, rootClassName)
	if err != nil {
		return rtmodel.Null, err
	}

	cursor, err := s.bootstrapCursor(rootClassPtr)
	if err != nil {
		return rtmodel.Null, err
	}

	segments := path[1:]
	for i, seg := range segments {
		classPtr, err := s.backend.ClassOfInstance(cursor)
		if err != nil {
			return rtmodel.Null, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
		_, fields, err := s.resolveClassCached(classPtr)
		if err != nil {
			return rtmodel.Null, &PathSegmentError{Segment: seg}
		}
		f, ok := findField(fields, seg, false)
		if !ok {
			return rtmodel.Null, &PathSegmentError{Segment: seg}
		}

		val := s.decoder.DecodeField(cursor, f)
		last := i == len(segments)-1

		switch val.Kind {
		case rtmodel.KindDictionary:
			return val, nil
		case rtmodel.KindPointer:
			if last {
				return s.terminal(val.PointerAddr)
			}
			cursor = val.PointerAddr
		default:
			if last {
				return val, nil
			}
			// A non-pointer, non-terminal segment can't be traversed
			// further.
			return rtmodel.Null, &PathSegmentError{Segment: seg}
		}
	}

	return s.terminal(cursor)
}

// terminal applies spec.md §4.6 step 5: a dictionary-shaped cursor yields
// its decoded entries, a primitive is returned as-is (never reached here,
// since a primitive only terminates inside the loop above), and anything
// else becomes a one-level-deep object summary.
func (s *Session) terminal(cursor core.Address) (rtmodel.TypedValue, error) {
	if entries, err := s.decoder.DecodeDictionary(cursor); err == nil && entries != nil {
		return rtmodel.NewDictionaryValue(entries), nil
	}
	obj, err := s.decodeObjectSummary(cursor)
	if err != nil {
		return rtmodel.Null, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return rtmodel.NewObjectValue(obj), nil
}

// bootstrapCursor resolves the root instance pointer, per spec.md §4.6
// step 3: a static singleton backing field for Mono, a heap scan for
// IL2CPP.
func (s *Session) bootstrapCursor(rootClassPtr core.Address) (core.Address, error) {
	switch s.backendKind {
	case rtmodel.BackendMono:
		return s.bootstrapMono(rootClassPtr)
	case rtmodel.BackendIl2cpp:
		return s.bootstrapIl2cpp(rootClassPtr)
	default:
		return 0, ErrRuntimeNotFound
	}
}

func (s *Session) bootstrapMono(rootClassPtr core.Address) (core.Address, error) {
	mt, fields, err := s.resolveClassCached(rootClassPtr)
	if err != nil {
		return 0, err
	}
	if f, ok := findField(fields, instanceBackingFieldName, true); ok {
		val := s.decoder.DecodeAt(s.backend.StaticFieldAddr(mt.StaticStorage, f), f.TypeName)
		if val.Kind == rtmodel.KindPointer && val.PointerAddr.Valid() {
			return val.PointerAddr, nil
		}
	}
	// Fall back to the first static field that decodes to a live pointer,
	// for root classes that don't follow the <Instance>k__BackingField
	// convention by name.
	for _, f := range fields {
		if !f.IsStatic {
			continue
		}
		val := s.decoder.DecodeAt(s.backend.StaticFieldAddr(mt.StaticStorage, f), f.TypeName)
		if val.Kind == rtmodel.KindPointer && val.PointerAddr.Valid() {
			return val.PointerAddr, nil
		}
	}
	return 0, fmt.Errorf("memprobe: %w: no static instance pointer found on %s", ErrRuntimeNotFound, mt.Name)
}

func (s *Session) bootstrapIl2cpp(rootClassPtr core.Address) (core.Address, error) {
	b, ok := s.backend.(*il2cppAdapter)
	if !ok {
		return 0, fmt.Errorf("memprobe: bootstrapIl2cpp called on non-il2cpp session")
	}
	key := rootClassPtr.String()
	if addr, ok := s.rootInstance[key]; ok {
		return addr, nil
	}
	anchors, ok := s.il2cppAnchorsFor(b)
	if !ok {
		return 0, ErrRuntimeNotFound
	}
	addr, err := b.b.FindLiveInstance(anchors.Segments, rootClassPtr)
	if err != nil {
		return 0, err
	}
	s.rootInstance[key] = addr
	return addr, nil
}

// il2cppAnchorsFor recovers the locator anchors a live il2cppAdapter was
// built with, so the heap scan can reuse the same segment list the type-
// info table was resolved against.
func (s *Session) il2cppAnchorsFor(b *il2cppAdapter) (*locator.Il2cppAnchors, bool) {
	a, ok := b.b.Anchors()
	return a, ok
}
