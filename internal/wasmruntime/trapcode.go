// Package wasmruntime contains the trap taxonomy shared by the memory, code and
// recovery layers.
package wasmruntime

import "fmt"

// TrapCode is the semantic cause of a WebAssembly trap.
//
// The numeric values are stable: they are recorded in trap sinks produced by the
// compilers and must not be reordered.
type TrapCode uint8

const (
	// StackOverflow is raised when the wasm call stack is exhausted.
	StackOverflow TrapCode = iota
	// HeapAccessOutOfBounds is a load or store outside the linear memory.
	HeapAccessOutOfBounds
	// HeapSetterOutOfBounds is a data segment that does not fit in the memory.
	HeapSetterOutOfBounds
	// TableAccessOutOfBounds is a table.get/set or call_indirect past the table end.
	TableAccessOutOfBounds
	// TableSetterOutOfBounds is an element segment that does not fit in the table.
	TableSetterOutOfBounds
	// IndirectCallToNull is a call_indirect through an uninitialized element.
	IndirectCallToNull
	// BadSignature is a call_indirect whose callee type does not match.
	BadSignature
	// IntegerOverflow is a signed division overflow (INT_MIN / -1).
	IntegerOverflow
	// IntegerDivisionByZero is an integer division or remainder by zero.
	IntegerDivisionByZero
	// BadConversionToInteger is a trapping float to int conversion of NaN or an
	// out of range value.
	BadConversionToInteger
	// UnreachableCodeReached is the unreachable instruction.
	UnreachableCodeReached
	// Interrupt is a cooperative cancellation requested by the host.
	Interrupt
	// UnalignedAtomic is an atomic access on a misaligned address.
	UnalignedAtomic
	// OutOfMemory is an allocation failure while executing wasm code.
	OutOfMemory

	trapCodeCount
)

var trapCodeNames = [trapCodeCount]string{
	StackOverflow:          "stk_ovf",
	HeapAccessOutOfBounds:  "heap_oob",
	HeapSetterOutOfBounds:  "heap_set_oob",
	TableAccessOutOfBounds: "table_oob",
	TableSetterOutOfBounds: "table_set_oob",
	IndirectCallToNull:     "icall_null",
	BadSignature:           "bad_sig",
	IntegerOverflow:        "int_ovf",
	IntegerDivisionByZero:  "int_divz",
	BadConversionToInteger: "bad_toint",
	UnreachableCodeReached: "unreachable",
	Interrupt:              "interrupt",
	UnalignedAtomic:        "unalign_atom",
	OutOfMemory:            "oom",
}

var trapCodeMessages = [trapCodeCount]string{
	StackOverflow:          "stack overflow",
	HeapAccessOutOfBounds:  "out of bounds memory access",
	HeapSetterOutOfBounds:  "data segment does not fit",
	TableAccessOutOfBounds: "out of bounds table access",
	TableSetterOutOfBounds: "elements segment does not fit",
	IndirectCallToNull:     "uninitialized element",
	BadSignature:           "indirect call type mismatch",
	IntegerOverflow:        "integer overflow",
	IntegerDivisionByZero:  "integer divide by zero",
	BadConversionToInteger: "invalid conversion to integer",
	UnreachableCodeReached: "unreachable",
	Interrupt:              "interrupted",
	UnalignedAtomic:        "unaligned atomic",
	OutOfMemory:            "out of memory",
}

// TrapCodes returns every defined TrapCode in declaration order.
func TrapCodes() []TrapCode {
	ret := make([]TrapCode, trapCodeCount)
	for i := range ret {
		ret[i] = TrapCode(i)
	}
	return ret
}

// String returns the short identifier of the code, e.g. "heap_oob".
func (c TrapCode) String() string {
	if c < trapCodeCount {
		return trapCodeNames[c]
	}
	return fmt.Sprintf("trapcode(%d)", uint8(c))
}

// Message returns the human-readable description of the code.
func (c TrapCode) Message() string {
	if c < trapCodeCount {
		return trapCodeMessages[c]
	}
	return "unknown trap"
}

// ParseTrapCode is the inverse of TrapCode.String.
func ParseTrapCode(s string) (TrapCode, error) {
	for i, name := range trapCodeNames {
		if name == s {
			return TrapCode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trap code %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (c TrapCode) MarshalText() ([]byte, error) {
	if c >= trapCodeCount {
		return nil, fmt.Errorf("invalid trap code %d", uint8(c))
	}
	return []byte(trapCodeNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *TrapCode) UnmarshalText(text []byte) error {
	parsed, err := ParseTrapCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
