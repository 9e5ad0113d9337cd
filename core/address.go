// Package core provides the low-level memory-reading primitives used by
// every layer above it: an Address type, the ProcessMemory capability
// interface consumed from the outside world, and a typed MemoryReader built
// on top of it. Nothing in this package knows about Mono, IL2CPP, or managed
// types; see internal/monobackend, internal/il2cppbackend, and
// internal/valuedecode for that.
package core

import "fmt"

// Address is a location in the target process's virtual address space.
type Address uint64

// MinValidAddress is the minimum-validity threshold of spec.md §3: any
// decoded address below this is treated as poisoned rather than dereferenced.
const MinValidAddress Address = 0x10000

// Valid reports whether a is either the null address or above the
// minimum-validity threshold. It does not guarantee the address is mapped;
// callers still get ReadError from an actual read of unmapped memory.
func (a Address) Valid() bool {
	return a == 0 || a >= MinValidAddress
}

// Add returns a+n.
func (a Address) Add(n int64) Address {
	return Address(int64(a) + n)
}

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a) - int64(b)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}
