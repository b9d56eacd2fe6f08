// Package wazguard runs compiled WebAssembly code in guarded memory.
//
// An Engine owns one fault domain. Memories created by the engine are
// reserved with guard regions, so an out of bounds access by compiled code
// faults. Modules loaded into the engine are placed in write-then-execute code
// memory, and every call into them through Call turns such faults, and traps
// raised by host functions, into a *RuntimeError with a wasm stack trace.
package wazguard

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/wazguard/internal/codemem"
	"github.com/tetratelabs/wazguard/internal/features"
	"github.com/tetratelabs/wazguard/internal/frameinfo"
	"github.com/tetratelabs/wazguard/internal/memory"
	"github.com/tetratelabs/wazguard/internal/trap"
	"github.com/tetratelabs/wazguard/internal/wasmdebug"
	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

type (
	// Pages is a count of 64KiB wasm pages.
	Pages = memory.Pages
	// MemoryType is the declared limits of a memory.
	MemoryType = memory.MemoryType
	// Memory is a guarded linear memory.
	Memory = memory.LinearMemory
	// MemoryError is the error of Engine.NewMemory and Memory.Grow.
	MemoryError = memory.MemoryError
	// VMMemoryDefinition is the view of a Memory read by compiled code.
	VMMemoryDefinition = memory.VMMemoryDefinition
	// TrapCode is the cause of a wasm trap.
	TrapCode = wasmruntime.TrapCode
	// TrapInformation is a trap site of a compiled function.
	TrapInformation = trap.TrapInformation
	// InstructionAddress maps compiled code back to the module binary.
	InstructionAddress = frameinfo.InstructionAddress
	// FrameInfo is one frame of a RuntimeError trace.
	FrameInfo = frameinfo.FrameInfo
	// RuntimeError is the error of a call that trapped.
	RuntimeError = trap.RuntimeError
	// InterruptHandle stops running code at its next interruption check.
	InterruptHandle = trap.InterruptHandle
)

// NewInterruptHandle returns a handle that is not interrupted.
func NewInterruptHandle() *InterruptHandle {
	return trap.NewInterruptHandle()
}

// Raise aborts the current Call with err. It must be called by a host function
// on the goroutine running the call.
//
//go:noinline
func Raise(err error) {
	trap.Raise(err)
}

// RaiseTrap aborts the current Call with a wasm trap.
//
//go:noinline
func RaiseTrap(code TrapCode) {
	trap.RaiseTrap(code)
}

// ErrClosed is returned when using a closed Engine.
var ErrClosed = errors.New("engine closed")

// CompiledFunction is the output of a compiler for one function.
type CompiledFunction struct {
	// Index is the position in the module's function index space.
	Index uint32
	// Name is the possibly mangled name from the name section.
	Name string
	// Body is the machine code.
	Body []byte
	// UnwindInfo is the platform unwind descriptor of Body, if any.
	UnwindInfo []byte
	// Traps are the trap sites of Body, with offsets relative to Body.
	Traps []TrapInformation
	// StartSrcLoc is the offset of the function body in the module binary.
	StartSrcLoc uint32
	// Instructions map offsets in Body to offsets in the module binary.
	Instructions []InstructionAddress
}

// Engine is the composition root of one fault domain: it creates memories,
// loads modules and calls into them. An Engine is safe for concurrent use.
type Engine struct {
	logger   *zap.Logger
	tunables memory.Tunables
	domain   *trap.Domain
	unwind   *codemem.UnwindTable

	mu       sync.Mutex
	closed   bool
	modules  map[*Module]struct{}
	memories map[*Memory]struct{}
}

// NewEngine returns an Engine configured with cfg, or NewRuntimeConfig when
// nil. It fails when faults cannot be recovered on this platform.
func NewEngine(cfg RuntimeConfig) (*Engine, error) {
	if cfg == nil {
		cfg = NewRuntimeConfig()
	}
	c := cfg.(*runtimeConfig)

	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	features.EnableFromEnvironment()
	if c.hugePages {
		features.Enable(features.HugePages)
	}

	domain, err := trap.NewDomain(trap.WithLogger(logger.Named("trap")))
	if err != nil {
		return nil, err
	}

	logger.Debug("engine created",
		zap.Stringer("static_bound", c.tunables.StaticMemoryBound),
		zap.Uint64("static_guard", c.tunables.StaticMemoryOffsetGuardSize),
		zap.Uint64("dynamic_guard", c.tunables.DynamicMemoryOffsetGuardSize),
		zap.Strings("features", features.List()))

	return &Engine{
		logger:   logger,
		tunables: c.tunables,
		domain:   domain,
		unwind:   codemem.NewUnwindTable(),
		modules:  map[*Module]struct{}{},
		memories: map[*Memory]struct{}{},
	}, nil
}

// Tunables returns the policy NewMemory picks memory styles with.
func (e *Engine) Tunables() memory.Tunables {
	return e.tunables
}

// Domain returns the fault domain of the engine.
func (e *Engine) Domain() *trap.Domain {
	return e.domain
}

// NewMemory reserves a memory for typ, static or dynamic per the engine
// tunables. The memory is released by its Close or by Engine.Close.
func (e *Engine) NewMemory(typ MemoryType) (*Memory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	style := e.tunables.MemoryStyle(typ)
	m, err := memory.New(typ, style,
		memory.WithLogger(e.logger.Named("memory")),
		memory.WithOnClose(e.forgetMemory))
	if err != nil {
		return nil, err
	}
	e.memories[m] = struct{}{}
	return m, nil
}

func (e *Engine) forgetMemory(m *Memory) {
	e.mu.Lock()
	delete(e.memories, m)
	e.mu.Unlock()
}

// ModuleOption configures Engine.LoadModule.
type ModuleOption func(*moduleConfig)

type moduleConfig struct {
	lines *wasmdebug.DWARFLines
}

// WithDWARF adds the source lines of the module binary to trace frames. d maps
// offsets in the module binary, the SrcLoc of CompiledFunction.Instructions.
func WithDWARF(d *dwarf.Data) ModuleOption {
	return func(c *moduleConfig) {
		c.lines = wasmdebug.NewDWARFLines(d)
	}
}

// LoadModule places functions in executable memory and registers their trap
// sites and frame information. Functions are laid out in the given order.
func (e *Engine) LoadModule(name string, functions []CompiledFunction, opts ...ModuleOption) (*Module, error) {
	var cfg moduleConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(functions) == 0 {
		return nil, fmt.Errorf("module %q has no functions", name)
	}
	bodies := make([]codemem.FunctionBody, len(functions))
	for i, f := range functions {
		if len(f.Body) == 0 {
			return nil, fmt.Errorf("module %q: function %d has an empty body", name, f.Index)
		}
		bodies[i] = codemem.FunctionBody{Body: f.Body, UnwindInfo: f.UnwindInfo}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	code := codemem.New(
		codemem.WithUnwindRegistry(e.unwind),
		codemem.WithLogger(e.logger.Named("codemem")))
	m, err := e.load(name, code, functions, bodies, cfg.lines)
	if err != nil {
		return nil, multierr.Append(err, code.Close())
	}
	e.modules[m] = struct{}{}
	e.logger.Debug("module loaded",
		zap.String("module", name),
		zap.Int("functions", len(functions)),
		zap.Int("traps", m.sink.Len()))
	return m, nil
}

func (e *Engine) load(name string, code *codemem.CodeMemory, functions []CompiledFunction, bodies []codemem.FunctionBody, lines *wasmdebug.DWARFLines) (*Module, error) {
	placed, err := code.AllocateForCompilation(bodies)
	if err != nil {
		return nil, err
	}
	if err = code.Publish(); err != nil {
		return nil, err
	}

	// A batch lands in one entry, in order: offsets from the first body are
	// module-relative.
	base := addressOf(placed[0])
	info := &frameinfo.ModuleInfo{Name: name, Base: base, Functions: make([]frameinfo.FunctionInfo, len(functions)), DWARF: lines}
	var traps []trap.TrapInformation
	for i, f := range functions {
		start := uint32(addressOf(placed[i]) - base)
		info.Functions[i] = frameinfo.FunctionInfo{
			Index:        f.Index,
			Name:         f.Name,
			Start:        start,
			End:          start + uint32(len(f.Body)),
			StartSrcLoc:  f.StartSrcLoc,
			Instructions: f.Instructions,
		}
		for _, t := range f.Traps {
			if int(t.CodeOffset) >= len(f.Body) {
				return nil, fmt.Errorf("module %q: function %d: trap site %#x outside body of %d bytes", name, f.Index, t.CodeOffset, len(f.Body))
			}
			traps = append(traps, trap.TrapInformation{CodeOffset: start + t.CodeOffset, Code: t.Code})
		}
	}

	sink, err := trap.NewTrapSink(traps)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", name, err)
	}
	if err = e.domain.Frames().Register(info); err != nil {
		return nil, err
	}
	return &Module{
		name:   name,
		engine: e,
		code:   code,
		sink:   sink.Bind(base),
		info:   info,
		bodies: placed,
	}, nil
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Call calls f, which runs code of m, under trap recovery. m may be nil for
// calls that do not enter a loaded module. A trap is returned as a
// *RuntimeError.
func Call[T any](e *Engine, m *Module, f func() T) (T, error) {
	var sink *trap.TrapSink
	if m != nil {
		sink = m.sink
	}
	return trap.CallProtected(e.domain, sink, f)
}

// Close closes every module and memory of the engine and releases its fault
// domain. Closing twice is a no-op.
func (e *Engine) Close() (err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	modules, memories := e.modules, e.memories
	e.modules, e.memories = nil, nil
	e.mu.Unlock()

	for m := range modules {
		err = multierr.Append(err, m.close())
	}
	for m := range memories {
		err = multierr.Append(err, m.Close())
	}
	if _, rerr := e.domain.Release(); rerr != nil {
		err = multierr.Append(err, rerr)
	}
	if err != nil {
		e.logger.Error("engine closed with errors", zap.Error(err))
	}
	return
}

// Module is code loaded by Engine.LoadModule.
type Module struct {
	name   string
	engine *Engine
	code   *codemem.CodeMemory
	sink   *trap.TrapSink
	info   *frameinfo.ModuleInfo
	bodies [][]byte

	closeOnce sync.Once
	closeErr  error
}

// Name returns the name the module was loaded with.
func (m *Module) Name() string {
	return m.name
}

// FunctionCount returns the number of loaded functions.
func (m *Module) FunctionCount() int {
	return len(m.bodies)
}

// FunctionAddress returns the entry address of the i-th loaded function.
func (m *Module) FunctionAddress(i int) uintptr {
	return addressOf(m.bodies[i])
}

// Body returns the executable bytes of the i-th loaded function. They must not
// be written.
func (m *Module) Body(i int) []byte {
	return m.bodies[i]
}

// TrapSink returns the trap sites of the module, bound to its code.
func (m *Module) TrapSink() *trap.TrapSink {
	return m.sink
}

// Close unregisters the module and releases its code. No call into the module
// may be running or started afterwards.
func (m *Module) Close() error {
	e := m.engine
	e.mu.Lock()
	delete(e.modules, m)
	e.mu.Unlock()
	return m.close()
}

func (m *Module) close() error {
	m.closeOnce.Do(func() {
		_, err := m.engine.domain.Frames().Release(m.info)
		m.closeErr = multierr.Append(err, m.code.Close())
	})
	return m.closeErr
}
