package asm

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

func TestNewEmitter(t *testing.T) {
	_, err := NewEmitter("riscv64")
	require.EqualError(t, err, `unsupported architecture "riscv64"`)

	for _, arch := range []string{"amd64", "arm64"} {
		e, err := NewEmitter(arch)
		require.NoError(t, err)
		require.NotNil(t, e)
	}
}

func TestEmitter_Assemble(t *testing.T) {
	t.Run("amd64", func(t *testing.T) {
		e, err := NewEmitter("amd64")
		require.NoError(t, err)
		e.MovConst(42)
		ret := e.Return()

		code, sites := e.Assemble()
		require.Empty(t, sites)
		require.Equal(t, byte(0xc3), code[len(code)-1], "ends with RET")
		require.Equal(t, uint32(len(code)-1), ret.OffsetInBinary())
	})
	t.Run("arm64", func(t *testing.T) {
		e, err := NewEmitter("arm64")
		require.NoError(t, err)
		e.MovConst(42)
		ret := e.Return()

		code, _ := e.Assemble()
		// MOVD $42, R0 and RET, fixed width.
		require.Equal(t, 8, len(code))
		require.Equal(t, uint32(4), ret.OffsetInBinary())
		// RET (R30), little endian.
		require.Equal(t, []byte{0xc0, 0x03, 0x5f, 0xd6}, code[4:])
	})
}

func TestEmitter_Traps(t *testing.T) {
	for _, arch := range []string{"amd64", "arm64"} {
		a := arch
		t.Run(a, func(t *testing.T) {
			e, err := NewEmitter(a)
			require.NoError(t, err)
			e.Trap(wasmruntime.HeapAccessOutOfBounds)
			e.MovConst(1)
			e.Trap(wasmruntime.IntegerDivisionByZero)
			e.Return()

			code, sites := e.Assemble()
			require.Len(t, sites, 2)
			require.Equal(t, uint32(0), sites[0].Offset)
			require.Equal(t, wasmruntime.HeapAccessOutOfBounds, sites[0].Code)
			require.Equal(t, wasmruntime.IntegerDivisionByZero, sites[1].Code)
			require.True(t, sites[1].Offset > sites[0].Offset)
			require.True(t, int(sites[1].Offset) < len(code))
		})
	}
}

func TestFunctionWithTraps(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip()
	}
	code, sites, err := FunctionWithTraps(wasmruntime.UnreachableCodeReached)
	require.NoError(t, err)
	require.NotEmpty(t, code)
	require.Equal(t, []TrapSite{{Offset: 0, Code: wasmruntime.UnreachableCodeReached}}, sites)
}
