// Package memory implements WebAssembly linear memories backed by guarded
// virtual memory.
//
// A LinearMemory reserves its address space with platform.Allocator and only
// ever changes protections, or for the Dynamic style reallocates, inside Grow.
// Generated code reads the memory through VMMemoryDefinition, which must be
// fetched again after every Grow.
package memory

import (
	"fmt"
)

const (
	// PageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	PageSize = 65536
	// PageSizeInBits satisfies the relation: "1 << PageSizeInBits == PageSize".
	PageSizeInBits = 16
	// MaxPages is maximum number of pages addressable with a 32-bit index (2^16).
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	MaxPages Pages = 65536
)

// Pages is a count of WebAssembly pages.
type Pages uint32

// Bytes converts the given pages into the number of bytes contained in these pages.
func (p Pages) Bytes() uint64 {
	return uint64(p) << PageSizeInBits
}

// BytesToPages converts the given number of bytes into the number of whole pages.
func BytesToPages(n uint64) Pages {
	return Pages(n >> PageSizeInBits)
}

// String returns the size in a human-readable form, e.g. "64 Ki".
func (p Pages) String() string {
	return PagesToUnitOfBytes(uint32(p))
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64Ki"
//
// See https://www.w3.org/TR/wasm-core-1/#memory-instances%E2%91%A0
func PagesToUnitOfBytes(pages uint32) string {
	k := uint64(pages) * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	g := m / 1024
	if g < 1024 {
		return fmt.Sprintf("%d Gi", g)
	}
	return fmt.Sprintf("%d Ti", g/1024)
}

// MemoryType is the declared limits of a memory.
type MemoryType struct {
	Minimum    Pages
	Maximum    Pages
	HasMaximum bool
	// Shared is true for memories declared shared between threads. Growth is
	// always synchronized; Shared only documents that concurrent readers exist.
	Shared bool
}

// GrowResult converts the result of LinearMemory.Grow into the value pushed by
// memory.grow: the previous size, or -1 as an unsigned 32-bit integer.
func GrowResult(previous Pages, err error) uint32 {
	if err != nil {
		return 0xffffffff // = -1 in signed 32-bit integer.
	}
	return uint32(previous)
}
