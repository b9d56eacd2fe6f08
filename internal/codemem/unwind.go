package codemem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// RuntimeFunction is one function of an unwind table, with offsets relative to
// the table base.
type RuntimeFunction struct {
	Begin, End uint32
	// UnwindInfo is the offset of the function's unwind descriptor.
	UnwindInfo uint32
}

// UnwindHandle identifies a registered table.
type UnwindHandle uint64

// UnwindRegistry receives the unwind tables of published entries.
type UnwindRegistry interface {
	// RegisterTable registers the functions of [base, base+length).
	RegisterTable(base uintptr, length int, functions []RuntimeFunction) (UnwindHandle, error)
	// DeregisterTable removes a table returned by RegisterTable.
	DeregisterTable(h UnwindHandle) error
}

type registeredTable struct {
	handle     UnwindHandle
	start, end uintptr
	functions  []RuntimeFunction
}

// UnwindTable is a process-wide UnwindRegistry that answers which function and
// unwind descriptor cover a program counter.
//
// Writers are serialized; Lookup reads an immutable snapshot and never blocks.
type UnwindTable struct {
	mu     sync.Mutex
	next   UnwindHandle
	tables atomic.Pointer[[]registeredTable]
}

var _ UnwindRegistry = (*UnwindTable)(nil)

// NewUnwindTable returns an empty UnwindTable.
func NewUnwindTable() *UnwindTable {
	t := &UnwindTable{}
	t.tables.Store(&[]registeredTable{})
	return t
}

// RegisterTable implements UnwindRegistry.RegisterTable
func (t *UnwindTable) RegisterTable(base uintptr, length int, functions []RuntimeFunction) (UnwindHandle, error) {
	if length <= 0 {
		return 0, fmt.Errorf("invalid unwind table length %d", length)
	}
	fns := append([]RuntimeFunction(nil), functions...)
	sort.Slice(fns, func(i, j int) bool { return fns[i].Begin < fns[j].Begin })
	for i, f := range fns {
		if f.End < f.Begin || int(f.End) > length {
			return 0, fmt.Errorf("function [%#x, %#x) outside table of %d bytes", f.Begin, f.End, length)
		}
		if i > 0 && fns[i-1].End > f.Begin {
			return 0, fmt.Errorf("functions at %#x and %#x overlap", fns[i-1].Begin, f.Begin)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	end := base + uintptr(length)
	old := *t.tables.Load()
	i := sort.Search(len(old), func(i int) bool { return old[i].start >= base })
	if (i < len(old) && old[i].start < end) || (i > 0 && old[i-1].end > base) {
		return 0, fmt.Errorf("unwind table [%#x, %#x) overlaps a registered table", base, end)
	}

	t.next++
	next := make([]registeredTable, 0, len(old)+1)
	next = append(next, old[:i]...)
	next = append(next, registeredTable{handle: t.next, start: base, end: end, functions: fns})
	next = append(next, old[i:]...)
	t.tables.Store(&next)
	return t.next, nil
}

// DeregisterTable implements UnwindRegistry.DeregisterTable
func (t *UnwindTable) DeregisterTable(h UnwindHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.tables.Load()
	for i := range old {
		if old[i].handle == h {
			next := make([]registeredTable, 0, len(old)-1)
			next = append(next, old[:i]...)
			next = append(next, old[i+1:]...)
			t.tables.Store(&next)
			return nil
		}
	}
	return fmt.Errorf("unwind table %d is not registered", h)
}

// Lookup returns the function covering pc and the base of its table.
func (t *UnwindTable) Lookup(pc uintptr) (fn RuntimeFunction, base uintptr, ok bool) {
	tables := *t.tables.Load()
	i := sort.Search(len(tables), func(i int) bool { return tables[i].end > pc })
	if i == len(tables) || pc < tables[i].start {
		return
	}
	tab := &tables[i]
	off := uint32(pc - tab.start)
	j := sort.Search(len(tab.functions), func(j int) bool { return tab.functions[j].End > off })
	if j == len(tab.functions) || off < tab.functions[j].Begin {
		return
	}
	return tab.functions[j], tab.start, true
}

// Len returns the number of registered tables.
func (t *UnwindTable) Len() int {
	return len(*t.tables.Load())
}
