// Package frameinfo maps native instruction addresses of loaded modules back
// to wasm functions and module offsets.
package frameinfo

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ianlancetaylor/demangle"

	"github.com/tetratelabs/wazguard/internal/wasmdebug"
)

// InstructionAddress maps a function-relative code offset to the offset of the
// wasm instruction it was compiled from.
type InstructionAddress struct {
	CodeOffset uint32
	SrcLoc     uint32
}

// FunctionInfo describes one compiled function of a module.
type FunctionInfo struct {
	Index uint32
	// Name is the name section entry, possibly mangled.
	Name string
	// Start and End are the module-relative code range of the body.
	Start, End uint32
	// StartSrcLoc is the module offset of the function body.
	StartSrcLoc uint32
	// Instructions are sorted by CodeOffset.
	Instructions []InstructionAddress
}

// ModuleInfo is what a module contributes to a Registry.
type ModuleInfo struct {
	Name string
	// Base is the address Start and End of every function are relative to.
	Base uintptr
	// Functions are sorted by Start and do not overlap.
	Functions []FunctionInfo
	// DWARF, when present, resolves module offsets to source lines.
	DWARF *wasmdebug.DWARFLines
}

// FrameInfo is one wasm frame of a trace.
type FrameInfo struct {
	ModuleName string
	FuncIndex  uint32
	// FuncName is demangled when it was a mangled symbol, and empty when the
	// module has no name for the function.
	FuncName string
	// ModuleOffset is the offset of the wasm instruction in the module binary.
	ModuleOffset uint32
	// FuncOffset is ModuleOffset relative to the start of the function body.
	FuncOffset uint32
	// Source is the source line of ModuleOffset, if DWARF is available.
	Source string
}

// String returns the trace line of the frame.
func (f FrameInfo) String() string {
	return wasmdebug.FrameLine(f.ModuleName, f.FuncName, f.FuncIndex, f.ModuleOffset)
}

type module struct {
	info       *ModuleInfo
	start, end uintptr
	names      []string
	refs       int
}

// Registry is the process-wide mapping from code addresses to modules.
//
// Register and Release are serialized. Lookup and Trace read an immutable
// snapshot and never block, so they are safe while a trap is being handled.
type Registry struct {
	mu      sync.Mutex
	modules atomic.Pointer[[]*module]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.modules.Store(&[]*module{})
	return r
}

// Register adds a module with one reference. Registering the same *ModuleInfo
// again only adds a reference.
func (r *Registry) Register(info *ModuleInfo) error {
	if len(info.Functions) == 0 {
		return fmt.Errorf("module %q has no functions", info.Name)
	}
	for i := range info.Functions {
		f := &info.Functions[i]
		if f.End <= f.Start {
			return fmt.Errorf("module %q: function %d has empty range [%#x, %#x)", info.Name, f.Index, f.Start, f.End)
		}
		if i > 0 && info.Functions[i-1].End > f.Start {
			return fmt.Errorf("module %q: functions %d and %d are unsorted or overlap", info.Name, info.Functions[i-1].Index, f.Index)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.modules.Load()
	for _, m := range old {
		if m.info == info {
			m.refs++
			return nil
		}
	}

	start := info.Base + uintptr(info.Functions[0].Start)
	end := info.Base + uintptr(info.Functions[len(info.Functions)-1].End)
	i := sort.Search(len(old), func(i int) bool { return old[i].start >= start })
	if (i < len(old) && old[i].start < end) || (i > 0 && old[i-1].end > start) {
		return fmt.Errorf("module %q [%#x, %#x) overlaps a registered module", info.Name, start, end)
	}

	m := &module{info: info, start: start, end: end, refs: 1, names: make([]string, len(info.Functions))}
	for j, f := range info.Functions {
		m.names[j] = demangle.Filter(f.Name)
	}
	next := make([]*module, 0, len(old)+1)
	next = append(next, old[:i]...)
	next = append(next, m)
	next = append(next, old[i:]...)
	r.modules.Store(&next)
	return nil
}

// Retain adds a reference to a registered module.
func (r *Registry) Retain(info *ModuleInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range *r.modules.Load() {
		if m.info == info {
			m.refs++
			return nil
		}
	}
	return fmt.Errorf("module %q is not registered", info.Name)
}

// Release drops a reference to a module and removes it with the last one.
// It returns true when the module was removed.
func (r *Registry) Release(info *ModuleInfo) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.modules.Load()
	for i, m := range old {
		if m.info != info {
			continue
		}
		if m.refs--; m.refs > 0 {
			return false, nil
		}
		next := make([]*module, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		r.modules.Store(&next)
		return true, nil
	}
	return false, fmt.Errorf("module %q is not registered", info.Name)
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(*r.modules.Load())
}

// Contains returns true if pc is in the code of a registered module.
func (r *Registry) Contains(pc uintptr) bool {
	return r.find(pc) != nil
}

func (r *Registry) find(pc uintptr) *module {
	mods := *r.modules.Load()
	i := sort.Search(len(mods), func(i int) bool { return mods[i].end > pc })
	if i == len(mods) || pc < mods[i].start {
		return nil
	}
	return mods[i]
}

// Lookup returns the frame of the instruction at pc.
func (r *Registry) Lookup(pc uintptr) (FrameInfo, bool) {
	m := r.find(pc)
	if m == nil {
		return FrameInfo{}, false
	}
	off := uint32(pc - m.info.Base)
	fns := m.info.Functions
	j := sort.Search(len(fns), func(j int) bool { return fns[j].End > off })
	if j == len(fns) || off < fns[j].Start {
		// Padding between functions.
		return FrameInfo{}, false
	}
	f := &fns[j]

	srcLoc := f.StartSrcLoc
	rel := off - f.Start
	k := sort.Search(len(f.Instructions), func(k int) bool { return f.Instructions[k].CodeOffset > rel })
	if k > 0 {
		srcLoc = f.Instructions[k-1].SrcLoc
	}

	fi := FrameInfo{
		ModuleName:   m.info.Name,
		FuncIndex:    f.Index,
		FuncName:     m.names[j],
		ModuleOffset: srcLoc,
	}
	if srcLoc >= f.StartSrcLoc {
		fi.FuncOffset = srcLoc - f.StartSrcLoc
	}
	fi.Source = m.info.DWARF.Line(uint64(srcLoc))
	return fi, true
}

// Trace returns the wasm frames of a native backtrace, innermost first.
// Addresses are return addresses, so one is subtracted to land in the call
// instruction, except for faultPC which is the faulting instruction itself.
// Addresses outside any registered module are skipped.
func (r *Registry) Trace(addrs []uintptr, faultPC uintptr) []FrameInfo {
	var frames []FrameInfo
	for _, pc := range addrs {
		if pc == 0 {
			continue
		}
		lookup := pc
		if pc != faultPC {
			lookup--
		}
		if fi, ok := r.Lookup(lookup); ok {
			frames = append(frames, fi)
		}
	}
	return frames
}
