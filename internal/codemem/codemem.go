// Package codemem places compiled function bodies in executable memory.
//
// Memory is handed out in entries: one mapping per entry, written while
// read-write and switched to read-execute by Publish. An entry is never
// writable and executable at the same time, and never writable again once
// published.
package codemem

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/wazguard/internal/platform"
)

const (
	// minEntrySize is the smallest mapping backing an entry.
	minEntrySize = 64 << 10
	// functionAlignment is the alignment of each function's first instruction.
	functionAlignment = 16
	// unwindAlignment is the alignment of unwind info following a body.
	unwindAlignment = 4
)

// FunctionBody is the machine code of one function as produced by a compiler.
type FunctionBody struct {
	Body []byte
	// UnwindInfo is the platform unwind descriptor of Body, if any.
	UnwindInfo []byte
}

// EntryHandle identifies an entry of a CodeMemory.
type EntryHandle uint32

// EntryInfo describes an entry for inspection.
type EntryInfo struct {
	// Start is the address of the first byte of the entry.
	Start uintptr
	// End is the address past the last written byte.
	End uintptr
	// Reserved is the mapped length.
	Reserved int
	// Published is true once the entry is read-execute.
	Published bool
}

type functionLayout struct {
	offset, length             int
	unwindOffset, unwindLength int
}

type codeEntry struct {
	mmap      *platform.Mmap
	cursor    int
	published bool
	functions []functionLayout
	// unwind is valid when registered is true.
	unwind     UnwindHandle
	registered bool
	// unwindDone is set once the unwind table, if any, is registered.
	unwindDone bool
}

// Option configures New.
type Option func(*CodeMemory)

// WithAllocator overrides platform.DefaultAllocator.
func WithAllocator(a platform.Allocator) Option {
	return func(c *CodeMemory) {
		c.alloc = a
	}
}

// WithUnwindRegistry sets where Publish registers unwind tables. Without one,
// no unwind info is registered.
func WithUnwindRegistry(r UnwindRegistry) Option {
	return func(c *CodeMemory) {
		c.unwind = r
	}
}

// WithLogger sets the logger used for allocation and publish events.
func WithLogger(l *zap.Logger) Option {
	return func(c *CodeMemory) {
		if l != nil {
			c.logger = l
		}
	}
}

// CodeMemory owns the executable memory of one compiled module.
type CodeMemory struct {
	mu     sync.Mutex
	alloc  platform.Allocator
	unwind UnwindRegistry
	logger *zap.Logger

	entries []codeEntry
	// current is the index of the writable entry, or -1.
	current int
	// registrations lists the entries with unwind tables in registration order.
	registrations []EntryHandle
}

// New returns an empty CodeMemory.
func New(opts ...Option) *CodeMemory {
	c := &CodeMemory{
		alloc:   platform.DefaultAllocator,
		logger:  zap.NewNop(),
		current: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AllocateForCompilation copies the given functions into writable memory and
// returns the location of each body. The whole batch lands in one entry: the
// current one when it has room, otherwise a new one of max(64KiB, required)
// bytes. The returned slices stay valid, and stop being writable after Publish.
func (c *CodeMemory) AllocateForCompilation(functions []FunctionBody) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	layout, required := layoutFunctions(functions)
	ret := make([][]byte, len(functions))
	if required == 0 {
		return ret, nil
	}

	h, start, err := c.entryFor(required)
	if err != nil {
		return nil, err
	}
	e := &c.entries[h]
	buf := e.mmap.Bytes()
	for i, f := range functions {
		l := layout[i]
		l.offset += start
		copy(buf[l.offset:], f.Body)
		if l.unwindLength > 0 {
			l.unwindOffset += start
			copy(buf[l.unwindOffset:], f.UnwindInfo)
		}
		ret[i] = buf[l.offset : l.offset+l.length : l.offset+l.length]
		e.functions = append(e.functions, l)
	}
	e.cursor = start + required

	c.logger.Debug("functions allocated",
		zap.Uint32("entry", uint32(h)),
		zap.Int("functions", len(functions)),
		zap.Int("bytes", required),
		zap.Uintptr("at", e.mmap.Base()+uintptr(start)))
	return ret, nil
}

// layoutFunctions returns offsets relative to the batch start, and its size.
func layoutFunctions(functions []FunctionBody) ([]functionLayout, int) {
	layout := make([]functionLayout, len(functions))
	size := 0
	for i, f := range functions {
		size = platform.AlignUp(size, functionAlignment)
		l := functionLayout{offset: size, length: len(f.Body)}
		size += len(f.Body)
		if len(f.UnwindInfo) > 0 {
			size = platform.AlignUp(size, unwindAlignment)
			l.unwindOffset, l.unwindLength = size, len(f.UnwindInfo)
			size += len(f.UnwindInfo)
		}
		layout[i] = l
	}
	return layout, size
}

// entryFor returns a writable entry with room for required bytes and the
// aligned offset to write at.
func (c *CodeMemory) entryFor(required int) (EntryHandle, int, error) {
	if c.current >= 0 {
		e := &c.entries[c.current]
		start := platform.AlignUp(e.cursor, functionAlignment)
		if start+required <= e.mmap.Len() {
			return EntryHandle(c.current), start, nil
		}
	}

	size := required
	if size < minEntrySize {
		size = minEntrySize
	}
	size = platform.AlignUp(size, platform.PageSize())
	m, err := c.alloc.Map(size, platform.ProtReadWrite)
	if err != nil {
		return 0, 0, fmt.Errorf("code memory: %w", err)
	}
	c.entries = append(c.entries, codeEntry{mmap: m})
	c.current = len(c.entries) - 1
	return EntryHandle(c.current), 0, nil
}

// Publish makes every entry allocated since the previous Publish read-execute
// and registers its unwind table. Already published entries are left alone,
// except that an unwind registration that failed before is retried.
func (c *CodeMemory) Publish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		e := &c.entries[i]
		if e.published && e.unwindDone {
			continue
		}
		if !e.published {
			if err := c.alloc.Protect(e.mmap, 0, e.mmap.Len(), platform.ProtReadExec); err != nil {
				return fmt.Errorf("code memory: publish entry %d: %w", i, err)
			}
			e.published = true
			if c.current == i {
				c.current = -1
			}
		}

		if err := c.registerUnwind(EntryHandle(i), e); err != nil {
			return err
		}
		c.logger.Debug("entry published",
			zap.Uint32("entry", uint32(i)),
			zap.Uintptr("base", e.mmap.Base()),
			zap.Int("bytes", e.cursor))
	}
	return nil
}

func (c *CodeMemory) registerUnwind(h EntryHandle, e *codeEntry) error {
	if c.unwind == nil {
		e.unwindDone = true
		return nil
	}
	var table []RuntimeFunction
	for _, f := range e.functions {
		if f.unwindLength == 0 {
			continue
		}
		table = append(table, RuntimeFunction{
			Begin:      uint32(f.offset),
			End:        uint32(f.offset + f.length),
			UnwindInfo: uint32(f.unwindOffset),
		})
	}
	if len(table) == 0 {
		e.unwindDone = true
		return nil
	}
	handle, err := c.unwind.RegisterTable(e.mmap.Base(), e.cursor, table)
	if err != nil {
		return fmt.Errorf("code memory: register unwind info of entry %d: %w", h, err)
	}
	e.unwind, e.registered, e.unwindDone = handle, true, true
	c.registrations = append(c.registrations, h)
	return nil
}

// EntryCount returns the number of entries.
func (c *CodeMemory) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entry returns the state of entry h.
func (c *CodeMemory) Entry(h EntryHandle) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(h) >= len(c.entries) {
		return EntryInfo{}, false
	}
	e := &c.entries[h]
	base := e.mmap.Base()
	return EntryInfo{
		Start:     base,
		End:       base + uintptr(e.cursor),
		Reserved:  e.mmap.Len(),
		Published: e.published,
	}, true
}

// Close deregisters unwind tables in reverse registration order, then releases
// every entry. Function pointers into this CodeMemory are invalid afterwards.
func (c *CodeMemory) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.registrations) - 1; i >= 0; i-- {
		e := &c.entries[c.registrations[i]]
		err = multierr.Append(err, c.unwind.DeregisterTable(e.unwind))
		e.registered = false
	}
	c.registrations = nil

	for i := range c.entries {
		if uerr := c.alloc.Unmap(c.entries[i].mmap); uerr != nil {
			c.logger.Error("failed to release code entry", zap.Int("entry", i), zap.Error(uerr))
			err = multierr.Append(err, uerr)
		}
	}
	c.entries = nil
	c.current = -1
	return
}
