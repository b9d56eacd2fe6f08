package trap

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// CallProtected calls f on the current goroutine and returns its result, or a
// *RuntimeError if f trapped. sink attributes faults inside the module it is
// bound to and may be nil. Calls nest: a host function called from protected
// code may itself make protected calls.
//
// Any other Go panic in f, including a bug in host code such as an index out
// of range, is recovered too and returned as a KindGeneric *RuntimeError that
// unwraps to the recovered value when it is an error. It is not re-panicked.
func CallProtected[T any](d *Domain, sink *TrapSink, f func() T) (T, error) {
	var ret T
	err := d.protect(sink, func() { ret = f() })
	return ret, err
}

// Call is CallProtected for functions without a result.
func (d *Domain) Call(sink *TrapSink, f func()) error {
	return d.protect(sink, f)
}

// protect is the boundary frame where backtraces stop.
//
//go:noinline
func (d *Domain) protect(sink *TrapSink, f func()) (err error) {
	if d.refs.Load() <= 0 {
		return &RuntimeError{kind: KindGeneric, message: ErrReleased.Error(), cause: ErrReleased}
	}

	prev := debug.SetPanicOnFault(true)
	defer func() {
		// Restore first so a fault while building the error is not recovered.
		debug.SetPanicOnFault(prev)
		if r := recover(); r != nil {
			err = d.recovered(r, sink)
		}
	}()
	f()
	return nil
}

func (d *Domain) recovered(r any, sink *TrapSink) *RuntimeError {
	var fault faultRecord
	addrs, faultPC := backtrace()
	if addr := faultAddrOf(r); faultPC != 0 || addr != 0 {
		fault.record(faultPC, addr)
	}
	e := classify(r, sink, &fault)
	e.native = addrs
	e.trace = d.frames.Trace(addrs, faultPC)

	if ce := d.logger.Check(zap.WarnLevel, "trap recovered"); ce != nil {
		fields := []zap.Field{
			zap.Stringer("kind", e.kind),
			zap.String("message", e.message),
			zap.Int("frames", len(e.trace)),
		}
		if code, ok := e.TrapCode(); ok {
			fields = append(fields, zap.Stringer("code", code))
		}
		if e.faultPC != 0 {
			fields = append(fields, zap.String("pc", fmt.Sprintf("%#x", e.faultPC)))
		}
		ce.Write(fields...)
	}
	return e
}
