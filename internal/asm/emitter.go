// Package asm emits small native function bodies with golang-asm.
//
// The bodies are real machine code for the host architecture: they are what
// tests and tools place in code memory and describe with trap sites, in place
// of the output of a full compiler backend.
package asm

import (
	"fmt"
	"runtime"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

// Node is one emitted instruction.
type Node struct {
	prog *obj.Prog
}

// OffsetInBinary returns the offset of the instruction in the assembled body.
// It is only meaningful after Emitter.Assemble.
func (n Node) OffsetInBinary() uint32 {
	return uint32(n.prog.Pc)
}

// String implements fmt.Stringer.
func (n Node) String() string {
	return n.prog.String()
}

// TrapSite is an instruction offset that traps with Code.
type TrapSite struct {
	Offset uint32
	Code   wasmruntime.TrapCode
}

type trapNode struct {
	node Node
	code wasmruntime.TrapCode
}

// Emitter builds one function body.
type Emitter struct {
	arch  string
	b     *goasm.Builder
	traps []trapNode
}

// NewEmitter returns an Emitter for arch, either "amd64" or "arm64".
func NewEmitter(arch string) (*Emitter, error) {
	switch arch {
	case "amd64", "arm64":
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
	b, err := goasm.NewBuilder(arch, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &Emitter{arch: arch, b: b}, nil
}

// NewHostEmitter returns an Emitter for runtime.GOARCH.
func NewHostEmitter() (*Emitter, error) {
	return NewEmitter(runtime.GOARCH)
}

func (e *Emitter) add(p *obj.Prog) Node {
	e.b.AddInstruction(p)
	return Node{prog: p}
}

// MovConst loads v into the first return register.
func (e *Emitter) MovConst(v int64) Node {
	p := e.b.NewProg()
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = v
	p.To.Type = obj.TYPE_REG
	if e.arch == "amd64" {
		p.As = x86.AMOVQ
		p.To.Reg = x86.REG_AX
	} else {
		p.As = arm64.AMOVD
		p.To.Reg = arm64.REG_R0
	}
	return e.add(p)
}

// Trap emits a trap site for code. The instruction at the site loads the trap
// code into the return register, standing in for the faulting instruction a
// compiler would place there.
func (e *Emitter) Trap(code wasmruntime.TrapCode) Node {
	n := e.MovConst(int64(code))
	e.traps = append(e.traps, trapNode{node: n, code: code})
	return n
}

// Return emits a return to the caller.
func (e *Emitter) Return() Node {
	p := e.b.NewProg()
	p.As = obj.ARET
	if e.arch == "arm64" {
		// The arm64 assembler needs the link register spelled out.
		p.To.Type = obj.TYPE_REG
		p.To.Reg = arm64.REG_R30
	}
	return e.add(p)
}

// Assemble returns the machine code and the offsets of every trap site.
func (e *Emitter) Assemble() ([]byte, []TrapSite) {
	code := e.b.Assemble()
	sites := make([]TrapSite, len(e.traps))
	for i, t := range e.traps {
		sites[i] = TrapSite{Offset: t.node.OffsetInBinary(), Code: t.code}
	}
	return code, sites
}

// FunctionWithTraps assembles for runtime.GOARCH a function that passes
// through one trap site per code and returns.
func FunctionWithTraps(codes ...wasmruntime.TrapCode) ([]byte, []TrapSite, error) {
	e, err := NewHostEmitter()
	if err != nil {
		return nil, nil, err
	}
	for _, c := range codes {
		e.Trap(c)
	}
	e.Return()
	body, sites := e.Assemble()
	return body, sites, nil
}
