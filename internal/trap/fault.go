package trap

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

// addrError is implemented by the runtime.Error of a memory fault at a
// non-nil address.
type addrError interface {
	runtime.Error
	Addr() uintptr
}

// faultRecord holds the faulting instruction and data address of one trap. It
// lives in the recovery frame of the goroutine that trapped and is written only
// there, so it needs no synchronization.
type faultRecord struct {
	pc, addr uintptr
	valid    bool
}

// record stores a fault reported by a signal. addr is zero when the platform
// does not report it.
func (f *faultRecord) record(pc, addr uintptr) {
	f.pc, f.addr, f.valid = pc, addr, true
}

// take returns the recorded fault once and clears the record.
func (f *faultRecord) take() (pc, addr uintptr, ok bool) {
	pc, addr, ok = f.pc, f.addr, f.valid
	*f = faultRecord{}
	return
}

// faultAddrOf returns the data address of a memory fault panic, or zero.
func faultAddrOf(r any) uintptr {
	if err, ok := r.(error); ok {
		var ae addrError
		if errors.As(err, &ae) {
			return ae.Addr()
		}
	}
	return 0
}

// classify turns a recovered panic value into an unfinished RuntimeError.
func classify(r any, sink *TrapSink, fault *faultRecord) *RuntimeError {
	switch v := r.(type) {
	case *userError:
		if v.err == nil {
			return &RuntimeError{kind: KindGeneric, message: "host function raised a nil error"}
		}
		return &RuntimeError{kind: KindUser, message: v.err.Error(), cause: v.err}
	case trapSignal:
		return newTrapError(wasmruntime.TrapCode(v))
	case runtime.Error:
		faultPC, faultAddr, _ := fault.take()
		return classifyRuntimeError(v, sink, faultPC, faultAddr)
	case error:
		return &RuntimeError{kind: KindGeneric, message: v.Error(), cause: v}
	default:
		return &RuntimeError{kind: KindGeneric, message: fmt.Sprint(v)}
	}
}

func classifyRuntimeError(err runtime.Error, sink *TrapSink, faultPC, faultAddr uintptr) *RuntimeError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "integer divide by zero"):
		e := newTrapError(wasmruntime.IntegerDivisionByZero)
		e.faultPC = faultPC
		return e
	case strings.Contains(msg, "integer overflow"):
		e := newTrapError(wasmruntime.IntegerOverflow)
		e.faultPC = faultPC
		return e
	}

	if faultAddr == 0 && (faultPC == 0 || !strings.Contains(msg, "invalid memory address")) {
		return &RuntimeError{kind: KindGeneric, message: msg, cause: err}
	}

	var e *RuntimeError
	if code, ok := sink.Lookup(faultPC); ok && faultPC != 0 {
		e = newTrapError(code)
	} else {
		e = &RuntimeError{
			kind:    KindGeneric,
			message: wasmruntime.HeapAccessOutOfBounds.Message(),
			cause:   err,
		}
	}
	e.faultPC = faultPC
	e.faultAddr = faultAddr
	return e
}
