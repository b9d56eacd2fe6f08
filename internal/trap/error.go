package trap

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazguard/internal/frameinfo"
	"github.com/tetratelabs/wazguard/internal/wasmdebug"
	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

// Kind is the cause category of a RuntimeError.
type Kind uint8

const (
	// KindGeneric is a fault without a precise trap code, or an unexpected
	// panic of the called function.
	KindGeneric Kind = iota
	// KindTrap is a wasm trap with a TrapCode.
	KindTrap
	// KindUser is an error raised by a host function with Raise.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindTrap:
		return "trap"
	case KindUser:
		return "user"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// RuntimeError is the error returned by a protected call that did not return
// normally. It is immutable once returned and safe to share.
type RuntimeError struct {
	kind    Kind
	code    wasmruntime.TrapCode
	message string
	// cause is the user error of KindUser, or the Go error recovered for
	// KindGeneric.
	cause     error
	trace     []frameinfo.FrameInfo
	native    []uintptr
	faultPC   uintptr
	faultAddr uintptr
}

func newTrapError(code wasmruntime.TrapCode) *RuntimeError {
	return &RuntimeError{kind: KindTrap, code: code, message: code.Message()}
}

// Kind returns the cause category.
func (e *RuntimeError) Kind() Kind {
	return e.kind
}

// TrapCode returns the trap code, valid when Kind is KindTrap.
func (e *RuntimeError) TrapCode() (wasmruntime.TrapCode, bool) {
	return e.code, e.kind == KindTrap
}

// Message returns the message without the stack trace.
func (e *RuntimeError) Message() string {
	return e.message
}

// Trace returns the wasm frames, innermost first.
func (e *RuntimeError) Trace() []frameinfo.FrameInfo {
	return e.trace
}

// Unwrap returns the error passed to Raise, or the recovered Go error.
func (e *RuntimeError) Unwrap() error {
	return e.cause
}

// FaultPC returns the address of the faulting instruction, or zero when the
// error was not caused by a memory fault.
func (e *RuntimeError) FaultPC() uintptr {
	return e.faultPC
}

// FaultAddr returns the faulting data address, when the platform reports it.
func (e *RuntimeError) FaultAddr() uintptr {
	return e.faultAddr
}

// NativeBacktrace returns the native return addresses between the trap and
// the protected call boundary, innermost first. The first one is the
// faulting instruction when FaultPC is not zero.
func (e *RuntimeError) NativeBacktrace() []uintptr {
	return e.native
}

// Error implements error.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	if e.kind == KindUser {
		b.WriteString(e.message)
		b.WriteString(" (raised by host function)")
	} else {
		b.WriteString("wasm error: ")
		b.WriteString(e.message)
	}

	var st wasmdebug.StackTrace
	for _, f := range e.trace {
		var sources []string
		if f.Source != "" {
			sources = []string{f.Source}
		}
		st.AddFrame(f.String(), sources)
	}
	if st.Len() > 0 {
		b.WriteByte('\n')
		b.WriteString(st.String())
	}
	return b.String()
}
