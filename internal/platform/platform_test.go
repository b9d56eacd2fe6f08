package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSupported(t *testing.T) {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64", "linux/arm64", "darwin/amd64", "darwin/arm64", "freebsd/amd64":
		require.True(t, Supported())
	case "windows/amd64", "js/wasm", "wasip1/wasm":
		require.False(t, Supported())
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ n, align, expected int }{
		{n: 0, align: 16, expected: 0},
		{n: 1, align: 16, expected: 16},
		{n: 16, align: 16, expected: 16},
		{n: 17, align: 4, expected: 20},
		{n: 65537, align: 65536, expected: 131072},
	}
	for _, tc := range tests {
		require.Equal(t, tc.expected, AlignUp(tc.n, tc.align))
	}
}

func TestProtection_String(t *testing.T) {
	require.Equal(t, "---", ProtNone.String())
	require.Equal(t, "rw-", ProtReadWrite.String())
	require.Equal(t, "r-x", ProtReadExec.String())
	require.Equal(t, "prot(9)", Protection(9).String())
}

func TestPageSize(t *testing.T) {
	require.True(t, PageSize() >= 4096)
	require.Equal(t, 0, PageSize()&(PageSize()-1))
	// WebAssembly pages must be protectable independently.
	require.Equal(t, 0, 65536%PageSize())
}
