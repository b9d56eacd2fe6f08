package memory

import (
	"math"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazguard/internal/platform"
)

// Option configures New.
type Option func(*LinearMemory)

// WithAllocator overrides platform.DefaultAllocator.
func WithAllocator(a platform.Allocator) Option {
	return func(m *LinearMemory) {
		m.alloc = a
	}
}

// WithLogger sets the logger used for growth and release events.
func WithLogger(l *zap.Logger) Option {
	return func(m *LinearMemory) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithOnClose sets a function called once, after the first Close.
func WithOnClose(f func(*LinearMemory)) Option {
	return func(m *LinearMemory) {
		m.onClose = f
	}
}

// LinearMemory is one instance's linear memory.
//
// All metadata reads and Grow are serialized by an internal lock, so a
// LinearMemory may be shared between goroutines. Generated code reading a
// previously fetched VMMemoryDefinition still races with Grow on a Dynamic
// memory: such code must re-fetch the definition after any grow it observes.
type LinearMemory struct {
	mu     sync.RWMutex
	alloc  platform.Allocator
	logger *zap.Logger

	// mmap is the current reservation; nil for an empty dynamic memory.
	mmap         *platform.Mmap
	currentPages Pages
	maximum      Pages
	hasMaximum   bool
	style        MemoryStyle
	onClose      func(*LinearMemory)
}

// New reserves a linear memory for typ. The first typ.Minimum pages are
// readable and writable when New returns.
func New(typ MemoryType, style MemoryStyle, opts ...Option) (*LinearMemory, error) {
	if err := validate(typ, style); err != nil {
		return nil, err
	}

	m := &LinearMemory{
		alloc:        platform.DefaultAllocator,
		logger:       zap.NewNop(),
		currentPages: typ.Minimum,
		maximum:      typ.Maximum,
		hasMaximum:   typ.HasMaximum,
		style:        style,
	}
	for _, opt := range opts {
		opt(m)
	}

	var reserve uint64
	if style.Kind == StyleStatic {
		reserve = style.Bound.Bytes() + style.OffsetGuardBytes
	} else {
		reserve = typ.Minimum.Bytes() + style.OffsetGuardBytes
	}
	if reserve > math.MaxInt {
		return nil, invalidPlan("reservation of %#x bytes exceeds the address space", reserve)
	}
	if reserve == 0 {
		return m, nil
	}

	mm, err := m.reserve(int(reserve), int(typ.Minimum.Bytes()))
	if err != nil {
		return nil, err
	}
	m.mmap = mm
	m.logger.Debug("memory reserved",
		zap.Stringer("style", style),
		zap.Uint32("pages", uint32(typ.Minimum)),
		zap.Uintptr("base", mm.Base()),
		zap.Int("reserved", mm.Len()))
	return m, nil
}

func validate(typ MemoryType, style MemoryStyle) error {
	if typ.Minimum > MaxPages {
		return invalidPlan("minimum %d pages exceeds %d", typ.Minimum, MaxPages)
	}
	if typ.HasMaximum {
		if typ.Maximum > MaxPages {
			return invalidPlan("maximum %d pages exceeds %d", typ.Maximum, MaxPages)
		}
		if typ.Maximum < typ.Minimum {
			return invalidPlan("maximum %d pages is less than minimum %d", typ.Maximum, typ.Minimum)
		}
	}
	switch style.Kind {
	case StyleStatic:
		if style.Bound > MaxPages {
			return invalidPlan("static bound %d pages exceeds %d", style.Bound, MaxPages)
		}
		if style.Bound < typ.Minimum {
			return invalidPlan("static bound %d pages is less than minimum %d", style.Bound, typ.Minimum)
		}
	case StyleDynamic:
	default:
		return invalidPlan("unknown memory style %s", style.Kind)
	}
	return nil
}

// reserve maps size inaccessible bytes and opens the first accessible bytes.
func (m *LinearMemory) reserve(size, accessible int) (*platform.Mmap, error) {
	mm, err := m.alloc.Map(size, platform.ProtNone)
	if err != nil {
		return nil, regionError(err)
	}
	if accessible > 0 {
		if err = m.alloc.Protect(mm, 0, accessible, platform.ProtReadWrite); err != nil {
			if uerr := m.alloc.Unmap(mm); uerr != nil {
				m.logger.Error("failed to release reservation", zap.Error(uerr))
			}
			return nil, regionError(err)
		}
	}
	return mm, nil
}

// Size returns the current size in pages.
func (m *LinearMemory) Size() Pages {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentPages
}

// Maximum returns the declared maximum, if any.
func (m *LinearMemory) Maximum() (Pages, bool) {
	return m.maximum, m.hasMaximum
}

// Style returns the style the memory was created with.
func (m *LinearMemory) Style() MemoryStyle {
	return m.style
}

// Grow extends the memory by delta pages.
// The logic here is described in https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem.
//
// Returns the size before growing. On error the size is unchanged and err is a
// *MemoryError; a KindCouldNotGrow error is the wasm -1 result (see GrowResult).
func (m *LinearMemory) Grow(delta Pages) (previous Pages, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous = m.currentPages
	if delta == 0 {
		return previous, nil
	}

	sum := uint64(previous) + uint64(delta)
	if sum > math.MaxUint32 {
		return previous, couldNotGrow(previous, delta)
	}
	next := Pages(sum)
	if m.hasMaximum {
		if next > m.maximum {
			return previous, couldNotGrow(previous, delta)
		}
	} else if next >= MaxPages {
		// Memories are never allowed to grow beyond what is indexable.
		return previous, couldNotGrow(previous, delta)
	}

	prevBytes, nextBytes := int(previous.Bytes()), int(next.Bytes())
	switch m.style.Kind {
	case StyleStatic:
		if next > m.style.Bound {
			m.logger.Warn("static memory grow past its bound",
				zap.Uint32("bound", uint32(m.style.Bound)),
				zap.Uint32("attempted", uint32(next)))
			return previous, couldNotGrow(previous, delta)
		}
		if err = m.alloc.Protect(m.mmap, prevBytes, nextBytes-prevBytes, platform.ProtReadWrite); err != nil {
			return previous, regionError(err)
		}
	case StyleDynamic:
		if uint64(nextBytes)+m.style.OffsetGuardBytes <= uint64(m.mmap.Len()) {
			if err = m.alloc.Protect(m.mmap, prevBytes, nextBytes-prevBytes, platform.ProtReadWrite); err != nil {
				return previous, regionError(err)
			}
		} else if err = m.reallocate(prevBytes, nextBytes); err != nil {
			return previous, err
		}
	}

	m.currentPages = next
	m.logger.Debug("memory grown",
		zap.Uint32("previous", uint32(previous)),
		zap.Uint32("pages", uint32(next)),
		zap.Uintptr("base", m.mmap.Base()))
	return previous, nil
}

// reallocate moves a dynamic memory to a new reservation of nextBytes plus
// guard, copying the live bytes. The guard is not copied.
func (m *LinearMemory) reallocate(prevBytes, nextBytes int) error {
	reserve := uint64(nextBytes) + m.style.OffsetGuardBytes
	if reserve > math.MaxInt {
		return couldNotGrow(BytesToPages(uint64(prevBytes)), BytesToPages(uint64(nextBytes-prevBytes)))
	}
	mm, err := m.reserve(int(reserve), nextBytes)
	if err != nil {
		return err
	}

	old := m.mmap
	if old != nil {
		copy(mm.Bytes()[:prevBytes], old.Bytes()[:prevBytes])
		if err = m.alloc.Unmap(old); err != nil {
			// The new reservation is already in use, so leak the old one.
			m.logger.Error("failed to release previous reservation", zap.Error(err))
		}
	}
	m.mmap = mm
	return nil
}

// VMMemory returns the definition read by generated code. It is only valid until
// the next Grow.
func (m *LinearMemory) VMMemory() VMMemoryDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var def VMMemoryDefinition
	if b := m.mmap.Bytes(); len(b) > 0 {
		def.Base = (*byte)(unsafe.Pointer(unsafe.SliceData(b)))
	}
	def.CurrentLength = m.currentPages.Bytes()
	return def
}

// Buffer returns the accessible bytes. It is only valid until the next Grow.
func (m *LinearMemory) Buffer() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b := m.mmap.Bytes()
	if b == nil {
		return nil
	}
	n := m.currentPages.Bytes()
	return b[:n:n]
}

// Close releases the reservation. Any VMMemoryDefinition or Buffer is invalid
// afterwards.
func (m *LinearMemory) Close() error {
	m.mu.Lock()
	onClose := m.onClose
	m.onClose = nil
	var err error
	if m.mmap != nil {
		err = m.alloc.Unmap(m.mmap)
		m.mmap = nil
		m.currentPages = 0
	}
	m.mu.Unlock()

	if onClose != nil {
		onClose(m)
	}
	if err != nil {
		return regionError(err)
	}
	return nil
}
