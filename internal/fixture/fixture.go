// Package fixture provides an in-memory ProcessMemory double for tests,
// standing in for a live OS attach. Grounded on
// golang-debug/internal/gocore/gocore_test.go's pattern of driving the
// decoder from prepared test data rather than a live process — the teacher
// builds its fixture by compiling and core-dumping a real Go binary under
// test, which this repo can't do without running the Go toolchain; a hand
// built byte arena plays the same role (known bytes at known addresses)
// without that dependency.
package fixture

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"golang.org/x/sys/unix"

	"github.com/tripwire/memprobe/core"
)

// Arena is a flat byte buffer addressed starting at Base, standing in for
// one mapped region of a target process.
type Arena struct {
	Base core.Address
	Mem  []byte
}

// NewArena allocates a zeroed Arena of size bytes starting at base. base
// should be above core.MinValidAddress so every address within it passes
// the minimum-validity check spec.md §3 requires. The backing buffer is
// rounded up to a whole number of pages, the way a real module's mapped
// data segments are page-aligned, so segment/boundary tests exercise the
// same rounding a live target would.
func NewArena(base core.Address, size int) *Arena {
	pageSize := unix.Getpagesize()
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}
	return &Arena{Base: base, Mem: make([]byte, size)}
}

func (a *Arena) offset(addr core.Address) (int, error) {
	if addr < a.Base || addr.Sub(a.Base) >= int64(len(a.Mem)) {
		return 0, fmt.Errorf("fixture: address %s out of arena range [%s, %s)", addr, a.Base, a.Base.Add(int64(len(a.Mem))))
	}
	return int(addr.Sub(a.Base)), nil
}

func (a *Arena) WriteU8(addr core.Address, v uint8) {
	off, err := a.offset(addr)
	if err != nil {
		panic(err)
	}
	a.Mem[off] = v
}

func (a *Arena) WriteU16(addr core.Address, v uint16) {
	off, err := a.offset(addr)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint16(a.Mem[off:], v)
}

func (a *Arena) WriteU32(addr core.Address, v uint32) {
	off, err := a.offset(addr)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint32(a.Mem[off:], v)
}

func (a *Arena) WriteI32(addr core.Address, v int32) {
	a.WriteU32(addr, uint32(v))
}

func (a *Arena) WriteU64(addr core.Address, v uint64) {
	off, err := a.offset(addr)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint64(a.Mem[off:], v)
}

func (a *Arena) WritePtr(addr core.Address, v core.Address) {
	a.WriteU64(addr, uint64(v))
}

func (a *Arena) WriteBytes(addr core.Address, b []byte) {
	off, err := a.offset(addr)
	if err != nil {
		panic(err)
	}
	copy(a.Mem[off:], b)
}

func (a *Arena) WriteCString(addr core.Address, s string) {
	a.WriteBytes(addr, append([]byte(s), 0))
}

// WriteManagedString writes the 4-byte-length-prefixed UTF-16 layout
// core.MemoryReader.ReadManagedString expects, at addr+ptrSize*2 (spec.md
// §4.1).
func (a *Arena) WriteManagedString(addr core.Address, ptrSize int64, s string) {
	units := utf16.Encode([]rune(s))
	lenAddr := addr.Add(2 * ptrSize)
	a.WriteI32(lenAddr, int32(len(units)))
	data := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(data[i*2:], u)
	}
	a.WriteBytes(lenAddr.Add(4), data)
}

// Read copies n bytes from the arena, per core.ProcessMemory.
func (a *Arena) Read(addr core.Address, buf []byte) (int, error) {
	off, err := a.offset(addr)
	if err != nil {
		return 0, err
	}
	if off+len(buf) > len(a.Mem) {
		return 0, fmt.Errorf("fixture: read of %d bytes at %s runs past arena end", len(buf), addr)
	}
	return copy(buf, a.Mem[off:off+len(buf)]), nil
}

// Memory is the ProcessMemory double: one or more named Arenas (modules),
// a synthetic process list, and per-module data segments, wired together
// to let a test drive Session.Init exactly as it would against a live
// process.
type Memory struct {
	Processes []core.ProcessInfo
	Privileged bool

	arenas         map[core.ProcessHandle]*Arena
	nextHandle     core.ProcessHandle
	moduleSegments map[string][]core.Segment
	pidArena       map[int]*Arena
}

// NewMemory builds an empty Memory double.
func NewMemory() *Memory {
	return &Memory{
		Privileged:     true,
		arenas:         make(map[core.ProcessHandle]*Arena),
		moduleSegments: make(map[string][]core.Segment),
		pidArena:       make(map[int]*Arena),
		nextHandle:     1,
	}
}

// AddProcess registers a process by pid/name backed by arena, and records
// the data segments ProcessMemory.ModuleDataSegments(pid, moduleName)
// should report for that process's main module.
func (m *Memory) AddProcess(pid int, name string, arena *Arena, segments []core.Segment) {
	m.Processes = append(m.Processes, core.ProcessInfo{PID: pid, Name: name})
	m.pidArena[pid] = arena
	m.moduleSegments[moduleKey(pid, name)] = segments
}

// AddModule records the data segments a named module (distinct from the
// process's own main module, e.g. a Mono runtime shared library) should
// report for a pid.
func (m *Memory) AddModule(pid int, moduleName string, segments []core.Segment) {
	m.moduleSegments[moduleKey(pid, moduleName)] = segments
}

func moduleKey(pid int, name string) string {
	return fmt.Sprintf("%d/%s", pid, name)
}

func (m *Memory) Open(pid int) (core.ProcessHandle, error) {
	arena, ok := m.pidArena[pid]
	if !ok {
		return 0, fmt.Errorf("fixture: no process registered for pid %d", pid)
	}
	h := m.nextHandle
	m.nextHandle++
	m.arenas[h] = arena
	return h, nil
}

func (m *Memory) Read(h core.ProcessHandle, addr core.Address, buf []byte) (int, error) {
	arena, ok := m.arenas[h]
	if !ok {
		return 0, fmt.Errorf("fixture: unknown handle %d", h)
	}
	return arena.Read(addr, buf)
}

func (m *Memory) Close(h core.ProcessHandle) error {
	delete(m.arenas, h)
	return nil
}

func (m *Memory) ListProcesses() ([]core.ProcessInfo, error) {
	return m.Processes, nil
}

func (m *Memory) IsPrivileged() bool {
	return m.Privileged
}

func (m *Memory) ModuleDataSegments(pid int, moduleName string) ([]core.Segment, error) {
	segs, ok := m.moduleSegments[moduleKey(pid, moduleName)]
	if !ok {
		return nil, fmt.Errorf("fixture: no segments registered for pid %d module %q", pid, moduleName)
	}
	return segs, nil
}

var _ core.ProcessMemory = (*Memory)(nil)
