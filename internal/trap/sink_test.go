package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

func TestNewTrapSink(t *testing.T) {
	_, err := NewTrapSink([]TrapInformation{
		{CodeOffset: 8, Code: wasmruntime.HeapAccessOutOfBounds},
		{CodeOffset: 8, Code: wasmruntime.IntegerOverflow},
	})
	require.EqualError(t, err, "duplicate trap site at offset 0x8")

	s, err := NewTrapSink(nil)
	require.NoError(t, err)
	require.Zero(t, s.Len())
}

func TestTrapSink_Lookup(t *testing.T) {
	traps := []TrapInformation{
		{CodeOffset: 0x30, Code: wasmruntime.UnreachableCodeReached},
		{CodeOffset: 0x10, Code: wasmruntime.HeapAccessOutOfBounds},
		{CodeOffset: 0x20, Code: wasmruntime.IntegerDivisionByZero},
	}
	unbound, err := NewTrapSink(traps)
	require.NoError(t, err)
	require.Equal(t, 3, unbound.Len())
	// Input is not modified.
	require.Equal(t, uint32(0x30), traps[0].CodeOffset)

	s := unbound.Bind(0x1000)
	require.Equal(t, uintptr(0x1000), s.Base())
	require.Zero(t, unbound.Base())

	tests := []struct {
		pc       uintptr
		expected wasmruntime.TrapCode
		ok       bool
	}{
		{pc: 0x10},
		{pc: 0x1000},
		{pc: 0x1010, expected: wasmruntime.HeapAccessOutOfBounds, ok: true},
		{pc: 0x1011},
		{pc: 0x1020, expected: wasmruntime.IntegerDivisionByZero, ok: true},
		{pc: 0x1030, expected: wasmruntime.UnreachableCodeReached, ok: true},
		{pc: 0x1040},
	}
	for _, tc := range tests {
		code, ok := s.Lookup(tc.pc)
		require.Equal(t, tc.ok, ok, "%#x", tc.pc)
		require.Equal(t, tc.expected, code, "%#x", tc.pc)
	}

	code, ok := s.LookupOffset(0x20)
	require.True(t, ok)
	require.Equal(t, wasmruntime.IntegerDivisionByZero, code)
}

func TestTrapSink_nil(t *testing.T) {
	var s *TrapSink
	_, ok := s.Lookup(0x1000)
	require.False(t, ok)
	_, ok = s.LookupOffset(0)
	require.False(t, ok)
	require.Zero(t, s.Len())
	require.Zero(t, s.Base())
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "generic", KindGeneric.String())
	require.Equal(t, "trap", KindTrap.String())
	require.Equal(t, "user", KindUser.String())
	require.Equal(t, "kind(9)", Kind(9).String())
}
