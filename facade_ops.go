package memprobe

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/rtmodel"
)

// GetAssemblies enumerates the attached process's assemblies, per spec.md
// §6's get_assemblies operation.
func (s *Session) GetAssemblies() ([]string, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}
	asms, err := s.assemblies()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(asms))
	for i, a := range asms {
		names[i] = a.Name
	}
	return names, nil
}

// assemblies returns the session's assembly list, populating the cache on
// first use (spec.md §3: "Enumerated once per attach").
func (s *Session) assemblies() ([]rtmodel.AssemblyRef, error) {
	if s.assemblyCache != nil {
		return s.assemblyCache, nil
	}
	asms, err := s.backend.Assemblies()
	if err != nil {
		return nil, fmt.Errorf("memprobe: enumerating assemblies: %w", err)
	}
	s.assemblyCache = asms
	return asms, nil
}

func (s *Session) findAssembly(name string) (rtmodel.AssemblyRef, error) {
	asms, err := s.assemblies()
	if err != nil {
		return rtmodel.AssemblyRef{}, err
	}
	for _, a := range asms {
		if a.Name == name {
			return a, nil
		}
	}
	return rtmodel.AssemblyRef{}, ErrAssemblyNotFound
}

// GetAssemblyClasses enumerates the classes defined in one assembly, per
// spec.md §6's get_assembly_classes operation.
func (s *Session) GetAssemblyClasses(asm string) ([]ClassInfo, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}
	a, err := s.findAssembly(asm)
	if err != nil {
		return nil, err
	}
	refs, err := s.backend.ClassesOf(a.ImageAddr)
	if err != nil {
		return nil, fmt.Errorf("memprobe: enumerating classes of %q: %w", asm, err)
	}
	out := make([]ClassInfo, len(refs))
	for i, c := range refs {
		out[i] = ClassInfo{Name: c.Name, Namespace: c.Namespace}
	}
	return out, nil
}

// resolveClassCached resolves a class pointer to its ManagedType and field
// list, consulting and populating the session's type cache (spec.md §3:
// "Every ManagedType cached for a session was read at least once from that
// session").
func (s *Session) resolveClassCached(classPtr core.Address) (*rtmodel.ManagedType, []rtmodel.FieldDescriptor, error) {
	if cached, ok := s.typeCache[classPtr]; ok {
		return cached, s.fieldCache[classPtr], nil
	}
	mt, fields, err := s.backend.ResolveClass(classPtr)
	if err != nil {
		return nil, nil, err
	}
	s.typeCache[classPtr] = mt
	if s.fieldCache == nil {
		s.fieldCache = make(map[core.Address][]rtmodel.FieldDescriptor)
	}
	s.fieldCache[classPtr] = fields
	return mt, fields, nil
}

// findClassByName resolves an assembly + class name to its runtime class
// pointer, per spec.md §4.6 step 2 ("Resolve root_class in the
// conventional assembly").
func (s *Session) findClassByName(asm, className string) (core.Address, error) {
	a, err := s.findAssembly(asm)
	if err != nil {
		return 0, err
	}
	refs, err := s.backend.ClassesOf(a.ImageAddr)
	if err != nil {
		return 0, fmt.Errorf("memprobe: enumerating classes of %q: %w", asm, err)
	}
	for _, c := range refs {
		if c.Name == className {
			return c.Ptr, nil
		}
	}
	return 0, ErrClassNotFound
}

// GetClassDetails reads a class's declared fields, per spec.md §6's
// get_class_details operation.
func (s *Session) GetClassDetails(asm, cls string) (*ClassDetails, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}
	classPtr, err := s.findClassByName(asm, cls)
	if err != nil {
		return nil, err
	}
	mt, fields, err := s.resolveClassCached(classPtr)
	if err != nil {
		return nil, fmt.Errorf("memprobe: %w", err)
	}
	return &ClassDetails{Name: mt.Name, Namespace: mt.Namespace, Fields: fields}, nil
}

// GetInstance returns an object summary one level deep, per spec.md §6's
// get_instance operation and §4.6 step 5's terminal decode rule.
func (s *Session) GetInstance(addr core.Address) (*InstanceData, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}
	if !addr.Valid() {
		return nil, ErrBadAddress
	}
	return s.decodeObjectSummary(addr)
}

func (s *Session) decodeObjectSummary(addr core.Address) (*rtmodel.ObjectValue, error) {
	classPtr, err := s.backend.ClassOfInstance(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	mt, fields, err := s.resolveClassCached(classPtr)
	if err != nil {
		return nil, fmt.Errorf("memprobe: resolving class at %s: %w", classPtr, err)
	}

	out := &rtmodel.ObjectValue{
		ClassName: mt.Name,
		Namespace: mt.Namespace,
		Address:   addr,
		Fields:    make([]rtmodel.ObjectField, 0, len(fields)),
	}
	for _, f := range fields {
		base := addr
		if f.IsStatic {
			base = mt.StaticStorage
		}
		var fieldAddr core.Address
		if f.IsStatic {
			fieldAddr = s.backend.StaticFieldAddr(base, f)
		} else {
			fieldAddr = s.backend.InstanceFieldAddr(base, f)
		}
		val := s.decoder.DecodeAt(fieldAddr, f.TypeName)
		out.Fields = append(out.Fields, rtmodel.ObjectField{
			Name:     f.Name,
			Type:     f.TypeName,
			IsStatic: f.IsStatic,
			Value:    val,
		})
	}
	return out, nil
}

func findField(fields []rtmodel.FieldDescriptor, name string, static bool) (rtmodel.FieldDescriptor, bool) {
	for _, f := range fields {
		if f.Name == name && f.IsStatic == static {
			return f, true
		}
	}
	return rtmodel.FieldDescriptor{}, false
}

// GetInstanceField decodes one named instance field, per spec.md §6's
// get_instance_field operation.
func (s *Session) GetInstanceField(addr core.Address, name string) (rtmodel.TypedValue, error) {
	if !s.IsInitialized() {
		return rtmodel.Null, ErrNotInitialized
	}
	classPtr, err := s.backend.ClassOfInstance(addr)
	if err != nil {
		return rtmodel.Null, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	_, fields, err := s.resolveClassCached(classPtr)
	if err != nil {
		return rtmodel.Null, err
	}
	f, ok := findField(fields, name, false)
	if !ok {
		return rtmodel.Null, ErrFieldNotFound
	}
	return s.decoder.DecodeField(addr, f), nil
}

// GetStaticField decodes one named static field, per spec.md §6's
// get_static_field operation.
func (s *Session) GetStaticField(classAddr core.Address, name string) (rtmodel.TypedValue, error) {
	if !s.IsInitialized() {
		return rtmodel.Null, ErrNotInitialized
	}
	mt, fields, err := s.resolveClassCached(classAddr)
	if err != nil {
		return rtmodel.Null, fmt.Errorf("memprobe: resolving class at %s: %w", classAddr, err)
	}
	f, ok := findField(fields, name, true)
	if !ok {
		return rtmodel.Null, ErrFieldNotFound
	}
	addr := s.backend.StaticFieldAddr(mt.StaticStorage, f)
	return s.decoder.DecodeAt(addr, f.TypeName), nil
}

// GetDictionary structurally decodes a dictionary instance, per spec.md
// §6's get_dictionary operation.
func (s *Session) GetDictionary(addr core.Address) (*DictionaryData, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}
	entries, err := s.decoder.DecodeDictionary(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotADictionary, err)
	}
	return &DictionaryData{Entries: entries}, nil
}
