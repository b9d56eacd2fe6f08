package memory

import (
	"fmt"
	"math/bits"
)

const (
	// DefaultStaticMemoryGuardSize is large enough that any 32-bit constant
	// offset added to an in-bounds 32-bit index stays inside the reservation.
	DefaultStaticMemoryGuardSize uint64 = 2 << 30
	// DefaultDynamicMemoryGuardSize covers small constant offsets only; larger
	// ones must be bounds checked by the compiler.
	DefaultDynamicMemoryGuardSize uint64 = 64 << 10
)

// StyleKind selects how a memory's address space is reserved.
type StyleKind uint8

const (
	// StyleStatic reserves Bound pages up front. The base never moves.
	StyleStatic StyleKind = iota
	// StyleDynamic reserves only the current size. Growth may move the base.
	StyleDynamic
)

func (k StyleKind) String() string {
	switch k {
	case StyleStatic:
		return "static"
	case StyleDynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("style(%d)", uint8(k))
	}
}

// MemoryStyle is chosen once when a memory is created and never changes.
type MemoryStyle struct {
	Kind StyleKind
	// Bound is the reserved page count of a static memory.
	Bound Pages
	// OffsetGuardBytes is the inaccessible space after the usable bytes.
	OffsetGuardBytes uint64
}

// StaticStyle returns a static style reserving bound pages plus guardBytes.
func StaticStyle(bound Pages, guardBytes uint64) MemoryStyle {
	return MemoryStyle{Kind: StyleStatic, Bound: bound, OffsetGuardBytes: guardBytes}
}

// DynamicStyle returns a dynamic style with guardBytes after the usable bytes.
func DynamicStyle(guardBytes uint64) MemoryStyle {
	return MemoryStyle{Kind: StyleDynamic, OffsetGuardBytes: guardBytes}
}

func (s MemoryStyle) String() string {
	if s.Kind == StyleStatic {
		return fmt.Sprintf("static(bound=%s, guard=%#x)", s.Bound, s.OffsetGuardBytes)
	}
	return fmt.Sprintf("dynamic(guard=%#x)", s.OffsetGuardBytes)
}

// Tunables is the engine policy that picks a MemoryStyle from declared limits.
type Tunables struct {
	// StaticMemoryBound is the largest memory, in pages, reserved statically.
	StaticMemoryBound Pages
	// StaticMemoryOffsetGuardSize is the guard after a static memory's bound.
	StaticMemoryOffsetGuardSize uint64
	// DynamicMemoryOffsetGuardSize is the guard after a dynamic memory.
	DynamicMemoryOffsetGuardSize uint64
}

// DefaultTunables reserves the whole 4 GiB index space plus a 2 GiB guard on
// 64-bit hosts, so that every memory is static. 32-bit hosts cannot afford the
// reservation and always use dynamic memories.
func DefaultTunables() Tunables {
	if bits.UintSize == 32 {
		return Tunables{
			StaticMemoryBound:            0,
			StaticMemoryOffsetGuardSize:  0,
			DynamicMemoryOffsetGuardSize: 0,
		}
	}
	return Tunables{
		StaticMemoryBound:            MaxPages,
		StaticMemoryOffsetGuardSize:  DefaultStaticMemoryGuardSize,
		DynamicMemoryOffsetGuardSize: DefaultDynamicMemoryGuardSize,
	}
}

// MemoryStyle returns StyleStatic when the declared maximum, or MaxPages if
// none, fits StaticMemoryBound, and StyleDynamic otherwise.
func (t Tunables) MemoryStyle(typ MemoryType) MemoryStyle {
	maximum := MaxPages
	if typ.HasMaximum {
		maximum = typ.Maximum
	}
	if t.StaticMemoryBound > 0 && maximum <= t.StaticMemoryBound {
		return StaticStyle(t.StaticMemoryBound, t.StaticMemoryOffsetGuardSize)
	}
	return DynamicStyle(t.DynamicMemoryOffsetGuardSize)
}
