package memprobe

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/il2cppbackend"
	"github.com/tripwire/memprobe/internal/monobackend"
	"github.com/tripwire/memprobe/rtmodel"
)

// monoAdapter satisfies runtimeBackend over internal/monobackend.Backend.
type monoAdapter struct {
	b *monobackend.Backend
}

func (a *monoAdapter) Assemblies() ([]rtmodel.AssemblyRef, error) { return a.b.Assemblies() }

func (a *monoAdapter) ClassesOf(image core.Address) ([]classRef, error) {
	ptrs, err := a.b.Classes(image)
	if err != nil {
		return nil, err
	}
	out := make([]classRef, 0, len(ptrs))
	for _, p := range ptrs {
		mt, _, err := a.b.ClassDetails(p)
		if err != nil {
			continue
		}
		out = append(out, classRef{Ptr: p, Name: mt.Name, Namespace: mt.Namespace})
	}
	return out, nil
}

func (a *monoAdapter) ResolveClass(classPtr core.Address) (*rtmodel.ManagedType, []rtmodel.FieldDescriptor, error) {
	return a.b.ClassDetails(classPtr)
}

func (a *monoAdapter) ClassOfInstance(instance core.Address) (core.Address, error) {
	return a.b.ClassOfInstance(instance)
}

func (a *monoAdapter) InstanceFieldAddr(instance core.Address, field rtmodel.FieldDescriptor) core.Address {
	return a.b.InstanceFieldAddr(instance, field)
}

func (a *monoAdapter) StaticFieldAddr(staticStorage core.Address, field rtmodel.FieldDescriptor) core.Address {
	return a.b.StaticFieldAddr(staticStorage, field)
}

// il2cppImageToken encodes an image-sub-table index as a classRef-compatible
// core.Address: always below core.MinValidAddress, so it is never mistaken
// for a dereferenceable pointer, and only ever round-tripped back through
// ClassesOf.
func il2cppImageToken(index int) core.Address { return core.Address(index + 1) }

// il2cppAdapter satisfies runtimeBackend over internal/il2cppbackend.Backend.
type il2cppAdapter struct {
	b *il2cppbackend.Backend
}

func (a *il2cppAdapter) Assemblies() ([]rtmodel.AssemblyRef, error) {
	images, err := a.b.Images()
	if err != nil {
		return nil, err
	}
	out := make([]rtmodel.AssemblyRef, 0, len(images))
	for i, img := range images {
		out = append(out, rtmodel.AssemblyRef{Name: img.Name, ImageAddr: il2cppImageToken(i)})
	}
	return out, nil
}

func (a *il2cppAdapter) ClassesOf(image core.Address) ([]classRef, error) {
	index := int(image) - 1
	images, err := a.b.Images()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(images) {
		return nil, fmt.Errorf("memprobe: unknown il2cpp image token %s", image)
	}
	img := images[index]

	out := make([]classRef, 0, img.TypeCount)
	for i := uint32(0); i < img.TypeCount; i++ {
		typeDefIndex := img.TypeStart + i
		td, err := a.b.MetadataTypeDef(typeDefIndex)
		if err != nil {
			continue
		}
		classPtr, err := a.b.ClassPtr(typeDefIndex)
		if err != nil {
			continue
		}
		out = append(out, classRef{Ptr: classPtr, Name: td.Name, Namespace: td.Namespace})
	}
	return out, nil
}

func (a *il2cppAdapter) ResolveClass(classPtr core.Address) (*rtmodel.ManagedType, []rtmodel.FieldDescriptor, error) {
	return a.b.ResolveClassByPtr(classPtr)
}

func (a *il2cppAdapter) ClassOfInstance(instance core.Address) (core.Address, error) {
	return a.b.ClassOfInstance(instance)
}

func (a *il2cppAdapter) InstanceFieldAddr(instance core.Address, field rtmodel.FieldDescriptor) core.Address {
	return a.b.InstanceFieldAddr(instance, field)
}

func (a *il2cppAdapter) StaticFieldAddr(staticStorage core.Address, field rtmodel.FieldDescriptor) core.Address {
	return a.b.StaticFieldAddr(staticStorage, field)
}
