package trap

import (
	"reflect"
	"runtime"
	"strings"
)

// maxNativeFrames bounds the native stack captured for a trap.
const maxNativeFrames = 256

var (
	pkgPath = reflect.TypeOf((*Domain)(nil)).Elem().PkgPath()
	// boundaryFunc is the frame where a walk stops: the deferred recovery of
	// the innermost protected call.
	boundaryFunc = pkgPath + ".(*Domain).protect"
	// raiseFuncs are frames between the panic and the code that raised it.
	raiseFuncs = map[string]struct{}{
		pkgPath + ".Raise":                    {},
		pkgPath + ".RaiseTrap":                {},
		pkgPath + ".(*InterruptHandle).Check": {},
	}
)

func funcName(pc uintptr) string {
	if f := runtime.FuncForPC(pc - 1); f != nil {
		return f.Name()
	}
	return ""
}

// backtrace must be called from the deferred recovery of a protected call
// while the panic is in flight. It returns the native addresses from the
// origin of the panic to the boundary, innermost first, and the faulting PC
// when the origin is a memory or arithmetic fault raised by a signal.
//
// Return addresses are kept as is. The faulting frame is reported as the PC
// of the faulting instruction itself.
func backtrace() (addrs []uintptr, faultPC uintptr) {
	pcs := make([]uintptr, maxNativeFrames)
	pcs = pcs[:runtime.Callers(1, pcs)]

	i := 0
	for ; i < len(pcs); i++ {
		if funcName(pcs[i]) == "runtime.gopanic" {
			break
		}
	}
	if i == len(pcs) {
		return nil, 0
	}

	// The frame above runtime.sigpanic faulted, even a runtime one such as
	// memmove. Without a signal the origin is the first frame that is neither
	// runtime nor raise machinery.
	signaled := false
	for i++; i < len(pcs); i++ {
		name := funcName(pcs[i])
		if name == "runtime.sigpanic" {
			signaled = true
			i++
			break
		}
		if _, ok := raiseFuncs[name]; ok || strings.HasPrefix(name, "runtime.") {
			continue
		}
		break
	}

	for j := i; j < len(pcs); j++ {
		pc := pcs[j]
		if funcName(pc) == boundaryFunc {
			break
		}
		if j == i && signaled {
			// The unwinder reports a trapping frame as its PC plus one.
			pc--
			faultPC = pc
		}
		addrs = append(addrs, pc)
	}
	return
}
