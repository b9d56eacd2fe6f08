package memory

import (
	"errors"
	"fmt"
)

// MemoryErrorKind categorizes a MemoryError.
type MemoryErrorKind uint8

const (
	// KindInvalidPlan means the declared limits or style are inconsistent.
	KindInvalidPlan MemoryErrorKind = iota
	// KindCouldNotGrow means Grow was refused. This is the wasm -1 result, not a trap.
	KindCouldNotGrow
	// KindRegion means the OS refused to map or protect memory.
	KindRegion
	// KindGeneric is any other failure.
	KindGeneric
)

func (k MemoryErrorKind) String() string {
	switch k {
	case KindInvalidPlan:
		return "invalid plan"
	case KindCouldNotGrow:
		return "could not grow"
	case KindRegion:
		return "region"
	default:
		return "generic"
	}
}

// MemoryError is returned by New and Grow. It is never retried.
type MemoryError struct {
	Kind MemoryErrorKind
	// Reason explains KindInvalidPlan and KindGeneric errors.
	Reason string
	// Current and AttemptedDelta describe a KindCouldNotGrow error.
	Current, AttemptedDelta Pages
	// Err is the OS error of a KindRegion error.
	Err error
}

var (
	// ErrInvalidPlan matches any KindInvalidPlan MemoryError with errors.Is.
	ErrInvalidPlan = &MemoryError{Kind: KindInvalidPlan}
	// ErrCouldNotGrow matches any KindCouldNotGrow MemoryError with errors.Is.
	ErrCouldNotGrow = &MemoryError{Kind: KindCouldNotGrow}
	// ErrRegion matches any KindRegion MemoryError with errors.Is.
	ErrRegion = &MemoryError{Kind: KindRegion}
)

// Error implements error.
func (e *MemoryError) Error() string {
	switch e.Kind {
	case KindInvalidPlan:
		return "invalid memory plan: " + e.Reason
	case KindCouldNotGrow:
		return fmt.Sprintf("could not grow memory from %d pages by %d pages", e.Current, e.AttemptedDelta)
	case KindRegion:
		return fmt.Sprintf("memory region: %v", e.Err)
	default:
		return "memory: " + e.Reason
	}
}

// Unwrap returns the OS error of a KindRegion error.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a MemoryError of the same kind.
func (e *MemoryError) Is(target error) bool {
	var t *MemoryError
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func invalidPlan(format string, args ...interface{}) error {
	return &MemoryError{Kind: KindInvalidPlan, Reason: fmt.Sprintf(format, args...)}
}

func couldNotGrow(current, delta Pages) error {
	return &MemoryError{Kind: KindCouldNotGrow, Current: current, AttemptedDelta: delta}
}

func regionError(err error) error {
	return &MemoryError{Kind: KindRegion, Err: err}
}
