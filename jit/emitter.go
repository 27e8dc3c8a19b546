// Package jit compiles hot bytecode functions to x86-64 machine code.
//
// Compiled code never touches VM state directly. It calls back into
// the runtime through C function pointers carried in a context struct
// whose first register (rbx) stays loaded for the whole function.
// The emitter here is pure Go and produces raw bytes; the cgo layer
// in this package maps them executable and provides the callbacks.
package jit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hackeros/hl/pkg/bytecode"
)

// ErrUnsupportedFlow marks a function whose control flow leaves its
// own body. Such functions stay interpreted.
var ErrUnsupportedFlow = errors.New("jit: jump leaves function body")

// Context struct offsets, fixed by the hl_ctx layout in the cgo layer.
const (
	ctxExec     = 0
	ctxCond     = 8
	ctxSetEnv   = 16
	ctxSetLocal = 24
	ctxCallFunc = 32
	ctxAssert   = 40
	ctxFallback = 48

	ctxExitCode   = 64
	ctxShouldExit = 68
)

// epilogueTarget is the relocation destination for exits and returns.
const epilogueTarget = -1

type reloc struct {
	off    int // offset of the rel32 field
	target int // local instruction index, or epilogueTarget
}

type emitter struct {
	buf    []byte
	relocs []reloc
	ipOff  []int
}

func (e *emitter) raw(b ...byte) {
	e.buf = append(e.buf, b...)
}

func (e *emitter) imm32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

func (e *emitter) imm64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// movCtxToArg0 loads the context pointer into rdi.
func (e *emitter) movCtxToArg0() {
	e.raw(0x48, 0x89, 0xDF) // mov rdi, rbx
}

// movImmToArg1 loads an absolute address into rsi.
func (e *emitter) movImmToArg1(v uintptr) {
	e.raw(0x48, 0xBE) // movabs rsi, imm64
	e.imm64(uint64(v))
}

// movImmToArg2 loads an absolute address into rdx.
func (e *emitter) movImmToArg2(v uintptr) {
	e.raw(0x48, 0xBA) // movabs rdx, imm64
	e.imm64(uint64(v))
}

// movIntToArg2 loads a small integer into edx.
func (e *emitter) movIntToArg2(v int32) {
	if v == 0 {
		e.raw(0x31, 0xD2) // xor edx, edx
		return
	}
	e.raw(0xBA) // mov edx, imm32
	e.imm32(v)
}

// movIntToArg1 loads a small integer into esi.
func (e *emitter) movIntToArg1(v int32) {
	e.raw(0xBE) // mov esi, imm32
	e.imm32(v)
}

// callCtx calls through a function pointer slot in the context.
func (e *emitter) callCtx(slot int) {
	e.raw(0xFF, 0x53, byte(slot)) // call qword [rbx+slot]
}

// checkShouldExit branches to the epilogue when a callback requested
// termination.
func (e *emitter) checkShouldExit() {
	e.raw(0xF6, 0x43, ctxShouldExit, 0x01) // test byte [rbx+68], 1
	e.raw(0x0F, 0x85)                      // jnz rel32
	e.relocs = append(e.relocs, reloc{off: len(e.buf), target: epilogueTarget})
	e.imm32(0)
}

// jumpTo emits an unconditional jump to a local instruction index.
func (e *emitter) jumpTo(target int) {
	e.raw(0xE9) // jmp rel32
	e.relocs = append(e.relocs, reloc{off: len(e.buf), target: target})
	e.imm32(0)
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// EmitFunc compiles a function body to machine code. ops is the body
// slice starting at program index entry; jump targets inside ops are
// absolute program indices and must stay within the body. strAddr
// resolves a pool id to the address of a NUL-terminated copy of the
// string.
func EmitFunc(ops []bytecode.Instr, entry int, strAddr func(uint32) uintptr) ([]byte, error) {
	e := &emitter{ipOff: make([]int, len(ops)+1)}

	// Prologue: save callee-saved registers, pin the context in rbx.
	// Three pushes also leave rsp 16-aligned for the callbacks.
	e.raw(0x53)       // push rbx
	e.raw(0x41, 0x54) // push r12
	e.raw(0x41, 0x55) // push r13
	e.raw(0x48, 0x89, 0xFB) // mov rbx, rdi

	for i, in := range ops {
		e.ipOff[i] = len(e.buf)

		switch in.Op {
		case bytecode.OpNop:

		case bytecode.OpExec:
			e.movCtxToArg0()
			e.movImmToArg1(strAddr(in.A))
			e.movIntToArg2(boolToInt32(in.Sudo))
			e.callCtx(ctxExec)
			e.checkShouldExit()

		case bytecode.OpJumpIfFalse:
			local := in.Target - entry
			if local < 0 || local > len(ops) {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedFlow, in.Target)
			}
			e.movCtxToArg0()
			e.movImmToArg1(strAddr(in.A))
			e.movIntToArg2(boolToInt32(in.Sudo))
			e.callCtx(ctxCond)
			e.checkShouldExit()
			e.raw(0x85, 0xC0) // test eax, eax
			e.raw(0x0F, 0x84) // jz rel32
			e.relocs = append(e.relocs, reloc{off: len(e.buf), target: local})
			e.imm32(0)

		case bytecode.OpJump:
			local := in.Target - entry
			if local < 0 || local > len(ops) {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedFlow, in.Target)
			}
			e.jumpTo(local)

		case bytecode.OpSetEnv:
			e.movCtxToArg0()
			e.movImmToArg1(strAddr(in.A))
			e.movImmToArg2(strAddr(in.B))
			e.callCtx(ctxSetEnv)
			e.checkShouldExit()

		case bytecode.OpSetLocal:
			if in.Raw {
				e.emitFallback(entry + i)
				break
			}
			e.movCtxToArg0()
			e.movImmToArg1(strAddr(in.A))
			e.movImmToArg2(strAddr(in.B))
			e.callCtx(ctxSetLocal)
			e.checkShouldExit()

		case bytecode.OpCall:
			e.movCtxToArg0()
			e.movImmToArg1(strAddr(in.A))
			e.callCtx(ctxCallFunc)
			e.checkShouldExit()

		case bytecode.OpAssert:
			e.movCtxToArg0()
			e.movImmToArg1(strAddr(in.A))
			if in.HasMsg {
				e.movImmToArg2(strAddr(in.B))
			} else {
				e.movIntToArg2(0)
			}
			e.callCtx(ctxAssert)
			e.checkShouldExit()

		case bytecode.OpExit:
			e.raw(0xC7, 0x43, ctxExitCode) // mov dword [rbx+64], imm32
			e.imm32(int32(in.Target))
			e.raw(0xC6, 0x43, ctxShouldExit, 0x01) // mov byte [rbx+68], 1
			e.jumpTo(epilogueTarget)

		case bytecode.OpReturn:
			e.jumpTo(epilogueTarget)

		default:
			// Session-state ops run through the interpreter fallback.
			e.emitFallback(entry + i)
		}
	}
	e.ipOff[len(ops)] = len(e.buf)

	// Epilogue.
	epilogue := len(e.buf)
	e.raw(0x41, 0x5D) // pop r13
	e.raw(0x41, 0x5C) // pop r12
	e.raw(0x5B)       // pop rbx
	e.raw(0xC3)       // ret

	// Second pass: resolve relocations now every offset is known.
	for _, r := range e.relocs {
		dest := epilogue
		if r.target != epilogueTarget {
			dest = e.ipOff[r.target]
		}
		rel := int32(dest - (r.off + 4))
		binary.LittleEndian.PutUint32(e.buf[r.off:], uint32(rel))
	}

	return e.buf, nil
}

// emitFallback hands one instruction back to the interpreter by
// absolute program index.
func (e *emitter) emitFallback(ip int) {
	e.movCtxToArg0()
	e.movIntToArg1(int32(ip))
	e.callCtx(ctxFallback)
	e.checkShouldExit()
}
