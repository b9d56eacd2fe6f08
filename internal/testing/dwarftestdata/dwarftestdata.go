// Package dwarftestdata loads DWARF for tests from the running test binary,
// whose line tables cover the addresses the Go runtime reports.
package dwarftestdata

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"os"
	"reflect"
	"runtime"
)

// ErrUnavailable is returned when the test binary has no usable DWARF.
var ErrUnavailable = errors.New("no DWARF for absolute addresses in the test binary")

// TestBinary returns the DWARF of the running test binary. It requires a
// non-PIE ELF executable, so that DWARF addresses are runtime addresses.
func TestBinary() (*dwarf.Data, error) {
	if runtime.GOOS != "linux" {
		return nil, ErrUnavailable
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	f, err := elf.Open(exe)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if f.Type != elf.ET_EXEC {
		return nil, ErrUnavailable
	}
	d, err := f.DWARF()
	if err != nil {
		return nil, ErrUnavailable
	}
	return d, nil
}

// Entry returns the entry address of the Go function fn.
func Entry(fn any) uintptr {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Entry()
}
