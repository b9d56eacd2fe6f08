package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTunables_MemoryStyle(t *testing.T) {
	tunables := Tunables{
		StaticMemoryBound:            0x100,
		StaticMemoryOffsetGuardSize:  DefaultStaticMemoryGuardSize,
		DynamicMemoryOffsetGuardSize: DefaultDynamicMemoryGuardSize,
	}

	tests := []struct {
		name     string
		typ      MemoryType
		expected MemoryStyle
	}{
		{
			name:     "maximum fits bound",
			typ:      MemoryType{Minimum: 1, Maximum: 0x100, HasMaximum: true},
			expected: StaticStyle(0x100, DefaultStaticMemoryGuardSize),
		},
		{
			name:     "maximum exceeds bound",
			typ:      MemoryType{Minimum: 1, Maximum: 0x101, HasMaximum: true},
			expected: DynamicStyle(DefaultDynamicMemoryGuardSize),
		},
		{
			name:     "no maximum",
			typ:      MemoryType{Minimum: 1},
			expected: DynamicStyle(DefaultDynamicMemoryGuardSize),
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tunables.MemoryStyle(tc.typ))
		})
	}

	t.Run("default reserves the index space", func(t *testing.T) {
		d := DefaultTunables()
		if d.StaticMemoryBound == 0 {
			t.Skip("32-bit host")
		}
		require.Equal(t, StaticStyle(MaxPages, DefaultStaticMemoryGuardSize), d.MemoryStyle(MemoryType{}))
	})
}

func TestMemoryStyle_String(t *testing.T) {
	require.Equal(t, "static(bound=4 Gi, guard=0x80000000)", StaticStyle(MaxPages, DefaultStaticMemoryGuardSize).String())
	require.Equal(t, "dynamic(guard=0x10000)", DynamicStyle(DefaultDynamicMemoryGuardSize).String())
	require.Equal(t, "style(7)", StyleKind(7).String())
}

func TestMemoryError_Is(t *testing.T) {
	err := couldNotGrow(1, 2)
	require.True(t, errors.Is(err, ErrCouldNotGrow))
	require.False(t, errors.Is(err, ErrInvalidPlan))
	require.EqualError(t, err, "could not grow memory from 1 pages by 2 pages")

	osErr := errors.New("ENOMEM")
	err = regionError(osErr)
	require.True(t, errors.Is(err, ErrRegion))
	require.True(t, errors.Is(err, osErr))

	require.EqualError(t, &MemoryError{Kind: KindGeneric, Reason: "boom"}, "memory: boom")
	require.Equal(t, "could not grow", KindCouldNotGrow.String())
}

func TestGrowResult(t *testing.T) {
	require.Equal(t, uint32(3), GrowResult(3, nil))
	require.Equal(t, uint32(0xffffffff), GrowResult(3, couldNotGrow(3, 1)))
}
