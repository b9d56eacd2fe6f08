package memory

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazguard/internal/platform"
)

// countingAllocator counts system calls made through platform.DefaultAllocator.
type countingAllocator struct {
	maps, protects, unmaps int
	failMap                bool
}

func (a *countingAllocator) calls() int {
	return a.maps + a.protects + a.unmaps
}

func (a *countingAllocator) Map(size int, prot platform.Protection) (*platform.Mmap, error) {
	a.maps++
	if a.failMap {
		return nil, errors.New("out of address space")
	}
	return platform.DefaultAllocator.Map(size, prot)
}

func (a *countingAllocator) Protect(m *platform.Mmap, offset, length int, prot platform.Protection) error {
	a.protects++
	return platform.DefaultAllocator.Protect(m, offset, length, prot)
}

func (a *countingAllocator) Unmap(m *platform.Mmap) error {
	a.unmaps++
	return platform.DefaultAllocator.Unmap(m)
}

func requireSupported(t *testing.T) {
	if !platform.Supported() {
		t.Skip()
	}
}

func newMemory(t *testing.T, typ MemoryType, style MemoryStyle, opts ...Option) *LinearMemory {
	m, err := New(typ, style, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func styles() map[string]MemoryStyle {
	return map[string]MemoryStyle{
		"static":             StaticStyle(16, DefaultStaticMemoryGuardSize),
		"dynamic":            DynamicStyle(DefaultDynamicMemoryGuardSize),
		"dynamic zero guard": DynamicStyle(0),
	}
}

func TestNew_InvalidPlan(t *testing.T) {
	tests := []struct {
		name        string
		typ         MemoryType
		style       MemoryStyle
		expectedErr string
	}{
		{
			name:        "minimum too large",
			typ:         MemoryType{Minimum: MaxPages + 1},
			style:       DynamicStyle(0),
			expectedErr: "invalid memory plan: minimum 65537 pages exceeds 65536",
		},
		{
			name:        "maximum too large",
			typ:         MemoryType{Maximum: MaxPages + 1, HasMaximum: true},
			style:       DynamicStyle(0),
			expectedErr: "invalid memory plan: maximum 65537 pages exceeds 65536",
		},
		{
			name:        "maximum below minimum",
			typ:         MemoryType{Minimum: 2, Maximum: 1, HasMaximum: true},
			style:       DynamicStyle(0),
			expectedErr: "invalid memory plan: maximum 1 pages is less than minimum 2",
		},
		{
			name:        "static bound below minimum",
			typ:         MemoryType{Minimum: 4},
			style:       StaticStyle(2, 0),
			expectedErr: "invalid memory plan: static bound 2 pages is less than minimum 4",
		},
		{
			name:        "static bound too large",
			typ:         MemoryType{},
			style:       StaticStyle(MaxPages+1, 0),
			expectedErr: "invalid memory plan: static bound 65537 pages exceeds 65536",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			alloc := &countingAllocator{}
			_, err := New(tc.typ, tc.style, WithAllocator(alloc))
			require.EqualError(t, err, tc.expectedErr)
			require.True(t, errors.Is(err, ErrInvalidPlan))
			require.Zero(t, alloc.calls())
		})
	}
}

func TestNew_RegionError(t *testing.T) {
	alloc := &countingAllocator{failMap: true}
	_, err := New(MemoryType{Minimum: 1}, DynamicStyle(0), WithAllocator(alloc))
	require.True(t, errors.Is(err, ErrRegion))
	require.EqualError(t, err, "memory region: out of address space")
}

func TestNew_Reservation(t *testing.T) {
	requireSupported(t)

	t.Run("static", func(t *testing.T) {
		m := newMemory(t, MemoryType{Minimum: 1}, StaticStyle(4, DefaultStaticMemoryGuardSize))
		require.Equal(t, Pages(1), m.Size())
		require.Equal(t, int(Pages(4).Bytes()+DefaultStaticMemoryGuardSize), m.mmap.Len())
		require.Len(t, m.Buffer(), PageSize)
	})
	t.Run("dynamic", func(t *testing.T) {
		m := newMemory(t, MemoryType{Minimum: 2}, DynamicStyle(DefaultDynamicMemoryGuardSize))
		require.Equal(t, int(Pages(2).Bytes()+DefaultDynamicMemoryGuardSize), m.mmap.Len())
		require.Len(t, m.Buffer(), 2*PageSize)
	})
	t.Run("empty dynamic", func(t *testing.T) {
		alloc := &countingAllocator{}
		m := newMemory(t, MemoryType{}, DynamicStyle(0), WithAllocator(alloc))
		require.Zero(t, alloc.calls())
		require.Nil(t, m.Buffer())
		require.Equal(t, VMMemoryDefinition{}, m.VMMemory())
	})
}

func TestLinearMemory_GrowZero(t *testing.T) {
	requireSupported(t)

	for name, style := range styles() {
		st := style
		t.Run(name, func(t *testing.T) {
			alloc := &countingAllocator{}
			m := newMemory(t, MemoryType{Minimum: 1, Maximum: 2, HasMaximum: true}, st, WithAllocator(alloc))
			before := alloc.calls()
			def := m.VMMemory()

			for i := 0; i < 10; i++ {
				prev, err := m.Grow(0)
				require.NoError(t, err)
				require.Equal(t, Pages(1), prev)
			}
			require.Equal(t, before, alloc.calls())
			require.Equal(t, def, m.VMMemory())
		})
	}
}

func TestLinearMemory_GrowToMaximum(t *testing.T) {
	requireSupported(t)

	r := rand.New(rand.NewSource(0))
	for name, style := range styles() {
		st := style
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 8; i++ {
				minimum := Pages(r.Intn(4))
				maximum := minimum + Pages(r.Intn(8))
				if st.Kind == StyleStatic {
					maximum = minimum + Pages(r.Intn(int(st.Bound-minimum)+1))
				}

				m, err := New(MemoryType{Minimum: minimum, Maximum: maximum, HasMaximum: true}, st)
				require.NoError(t, err)

				for expected := minimum; expected < maximum; expected++ {
					prev, err := m.Grow(1)
					require.NoError(t, err)
					require.Equal(t, expected, prev)
					require.Equal(t, expected+1, m.Size())
					require.Equal(t, (expected + 1).Bytes(), m.VMMemory().CurrentLength)
				}

				_, err = m.Grow(1)
				require.True(t, errors.Is(err, ErrCouldNotGrow))
				require.EqualError(t, err, (&MemoryError{Kind: KindCouldNotGrow, Current: maximum, AttemptedDelta: 1}).Error())
				require.Equal(t, maximum, m.Size())
				require.NoError(t, m.Close())
			}
		})
	}
}

func TestLinearMemory_GrowErrors(t *testing.T) {
	requireSupported(t)

	tests := []struct {
		name  string
		typ   MemoryType
		style MemoryStyle
		delta Pages
	}{
		{
			name:  "overflow",
			typ:   MemoryType{Minimum: 1},
			style: DynamicStyle(0),
			delta: 0xffffffff,
		},
		{
			name:  "index space without maximum",
			typ:   MemoryType{Minimum: 1},
			style: DynamicStyle(0),
			delta: MaxPages - 1,
		},
		{
			name:  "past maximum",
			typ:   MemoryType{Minimum: 1, Maximum: 3, HasMaximum: true},
			style: DynamicStyle(0),
			delta: 3,
		},
		{
			name:  "past static bound",
			typ:   MemoryType{Minimum: 1},
			style: StaticStyle(2, 0),
			delta: 2,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			alloc := &countingAllocator{}
			m := newMemory(t, tc.typ, tc.style, WithAllocator(alloc))
			before := alloc.calls()

			prev, err := m.Grow(tc.delta)
			require.True(t, errors.Is(err, ErrCouldNotGrow))
			require.Equal(t, tc.typ.Minimum, prev)
			require.Equal(t, tc.typ.Minimum, m.Size())
			require.Equal(t, uint32(0xffffffff), GrowResult(prev, err))
			require.Equal(t, before, alloc.calls())
		})
	}
}

func TestLinearMemory_StaticBaseStable(t *testing.T) {
	requireSupported(t)

	alloc := &countingAllocator{}
	m := newMemory(t, MemoryType{Minimum: 0, Maximum: 16, HasMaximum: true}, StaticStyle(16, DefaultStaticMemoryGuardSize), WithAllocator(alloc))
	base := m.VMMemory().Base
	require.NotNil(t, base)

	for i := 0; i < 16; i++ {
		_, err := m.Grow(1)
		require.NoError(t, err)
		require.Equal(t, base, m.VMMemory().Base)

		// The newly opened page is writable.
		buf := m.Buffer()
		buf[len(buf)-1] = byte(i)
	}
	require.Equal(t, 1, alloc.maps)
	require.Equal(t, 16, alloc.protects)
}

func TestLinearMemory_DynamicGrowPreservesBytes(t *testing.T) {
	requireSupported(t)

	alloc := &countingAllocator{}
	m := newMemory(t, MemoryType{Minimum: 1}, DynamicStyle(DefaultDynamicMemoryGuardSize), WithAllocator(alloc))

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 4; i++ {
		before := m.Buffer()
		r.Read(before) //nolint
		snapshot := append([]byte(nil), before...)
		// The old reservation is unmapped by Grow: compare addresses only.
		oldBase := uintptr(unsafe.Pointer(m.VMMemory().Base))

		prev, err := m.Grow(Pages(i + 1))
		require.NoError(t, err)
		require.Equal(t, BytesToPages(uint64(len(snapshot))), prev)

		def := m.VMMemory()
		require.NotEqual(t, oldBase, uintptr(unsafe.Pointer(def.Base)), "reallocation moves the base")
		after := m.Buffer()
		require.Equal(t, int(def.CurrentLength), len(after))
		require.Equal(t, snapshot, after[:len(snapshot)])
		for _, b := range after[len(snapshot):] {
			require.Zero(t, b)
		}
	}
	// One reservation per grow plus the initial one, each old one released.
	require.Equal(t, 5, alloc.maps)
	require.Equal(t, 4, alloc.unmaps)
}

func TestLinearMemory_DynamicGrowFromEmpty(t *testing.T) {
	requireSupported(t)

	m := newMemory(t, MemoryType{}, DynamicStyle(0))
	prev, err := m.Grow(2)
	require.NoError(t, err)
	require.Equal(t, Pages(0), prev)
	require.Len(t, m.Buffer(), 2*PageSize)
	require.NotNil(t, m.VMMemory().Base)
}

func TestLinearMemory_ConcurrentGrow(t *testing.T) {
	requireSupported(t)

	const goroutines, perGoroutine = 8, 4
	m := newMemory(t, MemoryType{Maximum: goroutines * perGoroutine, HasMaximum: true}, DynamicStyle(0))

	var wg sync.WaitGroup
	results := make(chan Pages, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				prev, err := m.Grow(1)
				if err == nil {
					results <- prev
				}
				_ = m.VMMemory()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[Pages]bool{}
	for p := range results {
		require.False(t, seen[p], "previous size %d returned twice", p)
		seen[p] = true
	}
	require.Len(t, seen, goroutines*perGoroutine)
	require.Equal(t, Pages(goroutines*perGoroutine), m.Size())
}

func TestLinearMemory_Close(t *testing.T) {
	requireSupported(t)

	alloc := &countingAllocator{}
	m, err := New(MemoryType{Minimum: 1}, DynamicStyle(0), WithAllocator(alloc))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Equal(t, 1, alloc.unmaps)
	require.Zero(t, m.Size())
}

func TestLinearMemory_Close_onClose(t *testing.T) {
	requireSupported(t)

	var closed []*LinearMemory
	onClose := WithOnClose(func(m *LinearMemory) { closed = append(closed, m) })

	m, err := New(MemoryType{Minimum: 1}, DynamicStyle(0), onClose)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Equal(t, []*LinearMemory{m}, closed)

	// An empty memory has no reservation but is still closed once.
	empty, err := New(MemoryType{}, DynamicStyle(0), onClose)
	require.NoError(t, err)
	require.NoError(t, empty.Close())
	require.Len(t, closed, 2)
	require.Same(t, empty, closed[1])
}

func TestVMMemoryDefinition_Layout(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("ABI is only defined for 64-bit hosts")
	}
	var def VMMemoryDefinition
	require.Equal(t, uintptr(VMMemoryDefinitionBaseOffset), unsafe.Offsetof(def.Base))
	require.Equal(t, uintptr(VMMemoryDefinitionCurrentLengthOffset), unsafe.Offsetof(def.CurrentLength))
	require.Equal(t, uintptr(VMMemoryDefinitionSize), unsafe.Sizeof(def))
}

func TestPagesToUnitOfBytes(t *testing.T) {
	tests := []struct {
		name     string
		pages    uint32
		expected string
	}{
		{name: "zero", pages: 0, expected: "0 Ki"},
		{name: "one", pages: 1, expected: "64 Ki"},
		{name: "megs", pages: 16, expected: "1 Mi"},
		{name: "max", pages: uint32(MaxPages), expected: "4 Gi"},
		{name: "max uint32", pages: 0xffffffff, expected: "255 Ti"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, PagesToUnitOfBytes(tc.pages))
		})
	}
}
