package trap

import (
	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

// userError is the panic value of Raise.
type userError struct {
	err error
}

// trapSignal is the panic value of RaiseTrap.
type trapSignal wasmruntime.TrapCode

// Raise aborts the current protected call with err. It must be called on the
// goroutine running the protected call, typically from a host function called
// by compiled code. errors.Is and errors.As on the resulting RuntimeError
// reach err.
//
//go:noinline
func Raise(err error) {
	panic(&userError{err: err})
}

// RaiseTrap aborts the current protected call with a wasm trap. Compiled code
// uses it for traps that are not hardware faults, such as unreachable or a
// failed signature check.
//
//go:noinline
func RaiseTrap(code wasmruntime.TrapCode) {
	panic(trapSignal(code))
}
