package memprobe

import (
	"fmt"

	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/il2cppbackend"
	"github.com/tripwire/memprobe/internal/locator"
	"github.com/tripwire/memprobe/internal/monobackend"
	"github.com/tripwire/memprobe/internal/offsets"
	"github.com/tripwire/memprobe/internal/valuedecode"
	"github.com/tripwire/memprobe/rtmodel"
)

// sessionState is the state machine of spec.md §4.7:
// Detached -> Attaching -> Attached -> Closing -> Detached.
type sessionState int

const (
	stateDetached sessionState = iota
	stateAttaching
	stateAttached
	stateClosing
)

// ptrSize is fixed at 64-bit, per spec.md §4.1 ("width set at attach —
// 64-bit on modern platforms; code path preserved for 32-bit").
const ptrSize = 8

// Session is the one-per-process attached handle spec.md §3 describes: a
// process id, the external memory capability, the resolved backend kind,
// and caches invalidated together on close.
//
// Grounded on golang-debug/internal/core/process.go's single-owner Process
// (one ProcessMemory-like handle, one set of caches, released together by
// Close) — generalized here to support either runtime backend instead of
// one fixed ELF core-dump reader.
type Session struct {
	mem core.ProcessMemory

	state       sessionState
	processID   int
	processName string
	handle      core.ProcessHandle
	reader      *core.MemoryReader
	backendKind rtmodel.BackendKind
	backend     runtimeBackend
	decoder     *valuedecode.Decoder

	typeCache     map[core.Address]*rtmodel.ManagedType
	fieldCache    map[core.Address][]rtmodel.FieldDescriptor
	assemblyCache []rtmodel.AssemblyRef

	// rootInstance caches the IL2CPP live-instance heap scan result for
	// the session's lifetime (spec.md §4.4: "Result is cached per session;
	// the scan is re-run on attach").
	rootInstance map[string]core.Address
}

// NewSession builds an unattached Session over an external ProcessMemory
// capability. Call Init to move it to Attached.
func NewSession(mem core.ProcessMemory) *Session {
	return &Session{
		mem:          mem,
		state:        stateDetached,
		typeCache:    make(map[core.Address]*rtmodel.ManagedType),
		rootInstance: make(map[string]core.Address),
	}
}

// IsPrivileged reports whether the process has the OS-level privilege
// required to attach to another process.
func (s *Session) IsPrivileged() bool {
	return s.mem.IsPrivileged()
}

// FindProcess reports whether a process with the given name is currently
// running.
func (s *Session) FindProcess(name string) (bool, error) {
	procs, err := s.mem.ListProcesses()
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// IsInitialized reports whether the session currently holds an Attached
// session.
func (s *Session) IsInitialized() bool {
	return s.state == stateAttached
}

// Init attaches to the named process, auto-detecting the runtime backend,
// per spec.md §4.6 step 1 and §4.7. Calling Init on an already-Attached
// session is an error.
func (s *Session) Init(name string, reg *offsets.Registry) error {
	if s.state == stateAttached {
		return fmt.Errorf("memprobe: session already attached to pid %d: %w", s.processID, ErrNotInitialized)
	}
	s.state = stateAttaching

	if !s.mem.IsPrivileged() {
		s.state = stateDetached
		return ErrNotPrivileged
	}

	procs, err := s.mem.ListProcesses()
	if err != nil {
		s.state = stateDetached
		return fmt.Errorf("memprobe: listing processes: %w", err)
	}
	pid := -1
	for _, p := range procs {
		if p.Name == name {
			pid = p.PID
			break
		}
	}
	if pid < 0 {
		s.state = stateDetached
		return ErrProcessNotFound
	}

	handle, err := s.mem.Open(pid)
	if err != nil {
		s.state = stateDetached
		return fmt.Errorf("memprobe: opening pid %d: %w", pid, err)
	}

	reader := core.NewMemoryReader(s.mem, handle, ptrSize)

	kind, backend, decoder, err := detectBackend(s.mem, reader, pid, name, reg)
	if err != nil {
		s.mem.Close(handle)
		s.state = stateDetached
		return fmt.Errorf("%w: %v", ErrRuntimeNotFound, err)
	}

	s.processID = pid
	s.processName = name
	s.handle = handle
	s.reader = reader
	s.backendKind = kind
	s.backend = backend
	s.decoder = decoder
	s.state = stateAttached
	return nil
}

// Close releases the attached session's resources. Idempotent, per
// spec.md §4.7.
func (s *Session) Close() error {
	if s.state == stateDetached {
		return nil
	}
	s.state = stateClosing
	var err error
	if s.mem != nil && s.handle != 0 {
		err = s.mem.Close(s.handle)
	}
	s.reader = nil
	s.backend = nil
	s.decoder = nil
	s.typeCache = make(map[core.Address]*rtmodel.ManagedType)
	s.fieldCache = nil
	s.assemblyCache = nil
	s.rootInstance = make(map[string]core.Address)
	s.state = stateDetached
	return err
}

// detectBackend tries Mono's conventional runtime module names first, then
// falls back to treating the named process's own main module as an IL2CPP
// game binary (spec.md §4.2).
func detectBackend(mem core.ProcessMemory, reader *core.MemoryReader, pid int, processName string, reg *offsets.Registry) (rtmodel.BackendKind, runtimeBackend, *valuedecode.Decoder, error) {
	monoTbl, hasMono := reg.Lookup("mono", "2.0")
	if hasMono {
		for _, modName := range locator.MonoRuntimeModuleNames {
			segs, err := mem.ModuleDataSegments(pid, modName)
			if err != nil || len(segs) == 0 {
				continue
			}
			dataSegs := refineDataSegments(reader, segs)
			anchors, err := locator.FindMono(reader, segs[0].Base, dataSegs, monoTbl.Mono)
			if err != nil {
				continue
			}
			b := monobackend.New(reader, anchors, monoTbl.Mono)
			dec := valuedecode.New(reader, func(instance core.Address) (string, bool) {
				classPtr, err := b.ClassOfInstance(instance)
				if err != nil {
					return "", false
				}
				mt, _, err := b.ClassDetails(classPtr)
				if err != nil {
					return "", false
				}
				return mt.Name, true
			})
			return rtmodel.BackendMono, &monoAdapter{b: b}, dec, nil
		}
	}

	il2cppTbl, hasIl2cpp := reg.Lookup("il2cpp", "31")
	if hasIl2cpp {
		segs, err := mem.ModuleDataSegments(pid, processName)
		if err == nil && len(segs) > 0 {
			dataSegs := refineDataSegments(reader, segs)
			anchors, err := locator.FindIl2cpp(reader, segs[0].Base, dataSegs, il2cppTbl.Il2cpp)
			if err == nil {
				metadata, err := il2cppbackend.Parse(reader, anchors.MetadataBlob)
				if err == nil {
					b := il2cppbackend.New(reader, anchors, il2cppTbl.Il2cpp, metadata)
					dec := valuedecode.New(reader, func(instance core.Address) (string, bool) {
						classPtr, err := b.ClassOfInstance(instance)
						if err != nil {
							return "", false
						}
						mt, _, err := b.ResolveClassByPtr(classPtr)
						if err != nil {
							return "", false
						}
						return mt.Name, true
					})
					return rtmodel.BackendIl2cpp, &il2cppAdapter{b: b}, dec, nil
				}
			}
		}
	}

	return rtmodel.BackendUnknown, nil, nil, fmt.Errorf("no supported runtime found in process %q", processName)
}

// refineDataSegments attempts to read a live PE section table at the
// module's base address to get an authoritative, ordered list of data
// segments (spec.md §4.2's "second data segment" requires section-table
// order); if the module isn't a PE image or parsing fails, it falls back
// to whatever segments the ProcessMemory collaborator already reported.
func refineDataSegments(reader *core.MemoryReader, reported []core.Segment) []core.Segment {
	if len(reported) == 0 {
		return reported
	}
	sections, err := core.ReadPESections(reader, reported[0].Base)
	if err != nil {
		return reported
	}
	segs := core.DataSegments(sections)
	if len(segs) == 0 {
		return reported
	}
	return segs
}
