// Package platform includes the OS virtual memory primitives used by linear
// memories and code memory.
package platform

import (
	"errors"
	"fmt"
	"os"
	"runtime"
)

// ErrUnsupported is returned by the default allocator on platforms without
// the mmap family of system calls.
var ErrUnsupported = fmt.Errorf("virtual memory unsupported on GOOS=%s GOARCH=%s", runtime.GOOS, runtime.GOARCH)

var pageSize = os.Getpagesize()

// PageSize returns the OS page size, the granularity of protection changes.
func PageSize() int {
	return pageSize
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Supported returns true if guarded memories and fault recovery work on the
// current runtime.GOOS and runtime.GOARCH.
func Supported() bool {
	if !mmapSupported {
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	default:
		return false
	}
}

// Protection is the access permitted on a range of a Mmap.
type Protection uint8

const (
	// ProtNone makes the range inaccessible: any access faults.
	ProtNone Protection = iota
	// ProtReadWrite allows loads and stores.
	ProtReadWrite
	// ProtReadExec allows loads and instruction fetch.
	ProtReadExec
)

func (p Protection) String() string {
	switch p {
	case ProtNone:
		return "---"
	case ProtReadWrite:
		return "rw-"
	case ProtReadExec:
		return "r-x"
	default:
		return fmt.Sprintf("prot(%d)", uint8(p))
	}
}

// Allocator reserves, protects and releases anonymous private mappings.
//
// Implementations other than DefaultAllocator are mainly useful in tests to
// count or fail system calls.
type Allocator interface {
	// Map reserves size bytes, all with the given protection.
	Map(size int, prot Protection) (*Mmap, error)
	// Protect changes the protection of [offset, offset+length) of m. offset
	// must be a multiple of PageSize.
	Protect(m *Mmap, offset, length int, prot Protection) error
	// Unmap releases m. Any use of m after Unmap is invalid.
	Unmap(m *Mmap) error
}

// DefaultAllocator is backed by mmap, mprotect and munmap.
var DefaultAllocator Allocator = osAllocator{}

// Mmap is one owned mapping. The zero value owns nothing.
type Mmap struct {
	buf []byte
}

// Base returns the address of the first byte of the mapping, or zero.
func (m *Mmap) Base() uintptr {
	if m == nil || len(m.buf) == 0 {
		return 0
	}
	return uintptrOf(m.buf)
}

// Len returns the reserved length in bytes.
func (m *Mmap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// Bytes returns the whole reservation, including inaccessible ranges.
func (m *Mmap) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Contains returns true if addr lies inside the reservation.
func (m *Mmap) Contains(addr uintptr) bool {
	base := m.Base()
	return base != 0 && addr >= base && addr < base+uintptr(len(m.buf))
}

func (m *Mmap) checkRange(offset, length int) error {
	if m == nil || m.buf == nil {
		return errors.New("mapping already released")
	}
	if offset < 0 || length < 0 || offset+length > len(m.buf) {
		return fmt.Errorf("range [%d, %d) outside mapping of %d bytes", offset, offset+length, len(m.buf))
	}
	if offset%pageSize != 0 {
		return fmt.Errorf("offset %d is not aligned to page size %d", offset, pageSize)
	}
	return nil
}
