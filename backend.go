package memprobe

import (
	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/rtmodel"
)

// runtimeBackend is the capability set both backends expose identically:
// enumerate assemblies and classes, resolve a class's fields, recover a
// class from an instance, and locate a field's storage. Reading a typed
// value at an address is done by the shared valuedecode.Decoder. The
// Facade dispatches to whichever backend Session.attach resolved, never
// switching mid-session (spec.md §3 invariant).
type runtimeBackend interface {
	// Assemblies enumerates the process's loaded assemblies/images.
	Assemblies() ([]rtmodel.AssemblyRef, error)

	// ClassesOf enumerates every class defined in an assembly/image.
	ClassesOf(image core.Address) ([]classRef, error)

	// ResolveClass reads a class's full descriptor and field list.
	ResolveClass(classPtr core.Address) (*rtmodel.ManagedType, []rtmodel.FieldDescriptor, error)

	// ClassOfInstance recovers an instance's class pointer via its vtable
	// (Mono) or leading class-pointer word (IL2CPP).
	ClassOfInstance(instance core.Address) (core.Address, error)

	// InstanceFieldAddr and StaticFieldAddr resolve where a field's value
	// lives given the owning instance/static-storage address.
	InstanceFieldAddr(instance core.Address, field rtmodel.FieldDescriptor) core.Address
	StaticFieldAddr(staticStorage core.Address, field rtmodel.FieldDescriptor) core.Address
}

// classRef is one entry of a class-enumeration walk: enough to resolve the
// full class later without re-walking the owning image.
type classRef struct {
	Ptr       core.Address
	Name      string
	Namespace string
}
