//go:build unix && !linux && !tinygo

package platform

import "golang.org/x/sys/unix"

// Only Linux is known to honor MAP_NORESERVE for anonymous mappings.
const mapNoReserve = 0

func mmap(size, prot, flags int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, prot, flags)
}
