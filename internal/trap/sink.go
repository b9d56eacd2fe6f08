package trap

import (
	"fmt"
	"math"
	"sort"

	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

// TrapInformation records that the instruction at CodeOffset traps with Code.
type TrapInformation struct {
	CodeOffset uint32
	Code       wasmruntime.TrapCode
}

// TrapSink maps code offsets of one module to trap codes. It is immutable and
// may be shared between goroutines.
type TrapSink struct {
	base  uintptr
	traps []TrapInformation
}

// NewTrapSink returns a TrapSink of traps, which may be in any order. Offsets
// must be unique.
func NewTrapSink(traps []TrapInformation) (*TrapSink, error) {
	sorted := append([]TrapInformation(nil), traps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CodeOffset < sorted[j].CodeOffset })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].CodeOffset == sorted[i].CodeOffset {
			return nil, fmt.Errorf("duplicate trap site at offset %#x", sorted[i].CodeOffset)
		}
	}
	return &TrapSink{traps: sorted}, nil
}

// Bind returns a copy of the sink whose offsets are relative to base, the
// start of the module's code.
func (s *TrapSink) Bind(base uintptr) *TrapSink {
	return &TrapSink{base: base, traps: s.traps}
}

// Base returns the address the sink is bound to.
func (s *TrapSink) Base() uintptr {
	if s == nil {
		return 0
	}
	return s.base
}

// Len returns the number of trap sites.
func (s *TrapSink) Len() int {
	if s == nil {
		return 0
	}
	return len(s.traps)
}

// Lookup returns the trap code of the instruction at pc.
func (s *TrapSink) Lookup(pc uintptr) (wasmruntime.TrapCode, bool) {
	if s == nil || pc < s.base || pc-s.base > math.MaxUint32 {
		return 0, false
	}
	return s.LookupOffset(uint32(pc - s.base))
}

// LookupOffset returns the trap code of the instruction at the module-relative
// offset.
func (s *TrapSink) LookupOffset(offset uint32) (wasmruntime.TrapCode, bool) {
	if s == nil {
		return 0, false
	}
	i := sort.Search(len(s.traps), func(i int) bool { return s.traps[i].CodeOffset >= offset })
	if i == len(s.traps) || s.traps[i].CodeOffset != offset {
		return 0, false
	}
	return s.traps[i].Code, true
}
