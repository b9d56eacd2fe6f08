//go:build unix && !tinygo

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const mmapSupported = true

type osAllocator struct{}

func unixProt(p Protection) int {
	switch p {
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ProtReadExec:
		return unix.PROT_READ | unix.PROT_EXEC
	default:
		return unix.PROT_NONE
	}
}

// Map implements Allocator.Map
func (osAllocator) Map(size int, prot Protection) (*Mmap, error) {
	if size <= 0 {
		panic(errors.New("BUG: Map with zero length"))
	}
	// Anonymous as this is not an actual file, but a memory,
	// Private as this is in-process memory region.
	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	if prot == ProtNone {
		// Reservations are mostly guard space: never commit swap for them.
		flags |= mapNoReserve
	}
	b, err := mmap(size, unixProt(prot), flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes %s: %w", size, prot, err)
	}
	return &Mmap{buf: b}, nil
}

// Protect implements Allocator.Protect
func (osAllocator) Protect(m *Mmap, offset, length int, prot Protection) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := unix.Mprotect(m.buf[offset:offset+length], unixProt(prot)); err != nil {
		return fmt.Errorf("mprotect [%#x, %#x) %s: %w", m.Base()+uintptr(offset), m.Base()+uintptr(offset+length), prot, err)
	}
	return nil
}

// Unmap implements Allocator.Unmap
func (osAllocator) Unmap(m *Mmap) error {
	if m == nil || m.buf == nil {
		return errors.New("mapping already released")
	}
	if err := unix.Munmap(m.buf); err != nil {
		return fmt.Errorf("munmap %d bytes: %w", len(m.buf), err)
	}
	m.buf = nil
	return nil
}
