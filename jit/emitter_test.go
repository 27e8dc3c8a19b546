package jit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hackeros/hl/pkg/bytecode"
)

var (
	prologueBytes = []byte{0x53, 0x41, 0x54, 0x41, 0x55, 0x48, 0x89, 0xFB}
	epilogueBytes = []byte{0x41, 0x5D, 0x41, 0x5C, 0x5B, 0xC3}
)

func fixedAddr(uint32) uintptr { return 0xDEADBEEF }

func rel32At(t *testing.T, buf []byte, off int) int32 {
	t.Helper()
	if off+4 > len(buf) {
		t.Fatalf("rel32 at %d out of range (len %d)", off, len(buf))
	}
	return int32(binary.LittleEndian.Uint32(buf[off:]))
}

func TestEmitReturnOnly(t *testing.T) {
	buf, err := EmitFunc([]bytecode.Instr{{Op: bytecode.OpReturn}}, 0, fixedAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf, prologueBytes) {
		t.Errorf("prologue = % X", buf[:8])
	}
	if buf[8] != 0xE9 {
		t.Errorf("byte 8 = %#x, want jmp", buf[8])
	}
	// The epilogue starts right after the jump, so rel32 is zero.
	if rel := rel32At(t, buf, 9); rel != 0 {
		t.Errorf("return rel32 = %d, want 0", rel)
	}
	if !bytes.HasSuffix(buf, epilogueBytes) {
		t.Errorf("epilogue = % X", buf[len(buf)-6:])
	}
	if len(buf) != 8+5+6 {
		t.Errorf("len = %d, want 19", len(buf))
	}
}

func TestEmitExecSequence(t *testing.T) {
	p := bytecode.NewProgram()
	id := p.Pool.Intern("echo hi")
	ops := []bytecode.Instr{
		{Op: bytecode.OpExec, A: id},
		{Op: bytecode.OpReturn},
	}
	buf, err := EmitFunc(ops, 0, func(got uint32) uintptr {
		if got != id {
			t.Errorf("resolver asked for id %d, want %d", got, id)
		}
		return 0xDEADBEEF
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0x48, 0x89, 0xDF, // mov rdi, rbx
		0x48, 0xBE, 0xEF, 0xBE, 0xAD, 0xDE, 0, 0, 0, 0, // movabs rsi, 0xDEADBEEF
		0x31, 0xD2, // xor edx, edx (sudo=false)
		0xFF, 0x53, ctxExec, // call [rbx+0]
		0xF6, 0x43, ctxShouldExit, 0x01, // test byte [rbx+68], 1
		0x0F, 0x85, // jnz rel32
	}
	if !bytes.Equal(buf[8:8+len(want)], want) {
		t.Errorf("exec block:\n got % X\nwant % X", buf[8:8+len(want)], want)
	}

	// jnz lands on the epilogue, 5 bytes (the return jmp) ahead.
	jnzRel := 8 + len(want)
	if rel := rel32At(t, buf, jnzRel); rel != 5 {
		t.Errorf("should-exit rel32 = %d, want 5", rel)
	}
}

func TestEmitSudoFlag(t *testing.T) {
	p := bytecode.NewProgram()
	id := p.Pool.Intern("whoami")
	buf, err := EmitFunc([]bytecode.Instr{
		{Op: bytecode.OpExec, A: id, Sudo: true},
		{Op: bytecode.OpReturn},
	}, 0, fixedAddr)
	if err != nil {
		t.Fatal(err)
	}
	// mov edx, 1 instead of xor edx, edx.
	want := []byte{0xBA, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(buf[21:26], want) {
		t.Errorf("sudo arg = % X, want % X", buf[21:26], want)
	}
}

func TestEmitExitSetsContext(t *testing.T) {
	buf, err := EmitFunc([]bytecode.Instr{{Op: bytecode.OpExit, Target: 7}}, 0, fixedAddr)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0xC7, 0x43, ctxExitCode, 0x07, 0x00, 0x00, 0x00, // mov dword [rbx+64], 7
		0xC6, 0x43, ctxShouldExit, 0x01, // mov byte [rbx+68], 1
		0xE9, // jmp epilogue
	}
	if !bytes.Equal(buf[8:8+len(want)], want) {
		t.Errorf("exit block:\n got % X\nwant % X", buf[8:8+len(want)], want)
	}
	if rel := rel32At(t, buf, 8+len(want)); rel != 0 {
		t.Errorf("exit jmp rel32 = %d, want 0", rel)
	}
}

func TestEmitBackwardJump(t *testing.T) {
	p := bytecode.NewProgram()
	id := p.Pool.Intern("echo spin")
	buf, err := EmitFunc([]bytecode.Instr{
		{Op: bytecode.OpExec, A: id},
		{Op: bytecode.OpJump, Target: 0},
	}, 0, fixedAddr)
	if err != nil {
		t.Fatal(err)
	}
	// Exec block spans offsets 8..35; jump at 36, rel32 at 37.
	if buf[36] != 0xE9 {
		t.Fatalf("byte 36 = %#x, want jmp", buf[36])
	}
	if rel := rel32At(t, buf, 37); rel != int32(8-41) {
		t.Errorf("backward rel32 = %d, want %d", rel, 8-41)
	}
}

func TestEmitCondBranch(t *testing.T) {
	p := bytecode.NewProgram()
	cond := p.Pool.Intern("[[ $X == 1 ]]")
	body := p.Pool.Intern("echo yes")
	ops := []bytecode.Instr{
		{Op: bytecode.OpJumpIfFalse, A: cond, Target: 2},
		{Op: bytecode.OpExec, A: body},
		{Op: bytecode.OpReturn},
	}
	buf, err := EmitFunc(ops, 0, fixedAddr)
	if err != nil {
		t.Fatal(err)
	}
	// After the cond call and should-exit check: test eax, eax; jz.
	idx := bytes.Index(buf, []byte{0x85, 0xC0, 0x0F, 0x84})
	if idx < 0 {
		t.Fatal("test/jz sequence not found")
	}
	relOff := idx + 4
	dest := relOff + 4 + int(rel32At(t, buf, relOff))
	// Destination is the start of the Return's code (offset of op 2).
	execStart := relOff + 4
	execLen := 3 + 10 + 2 + 3 + 4 + 6 // exec block incl. should-exit check
	if dest != execStart+execLen {
		t.Errorf("jz dest = %d, want %d", dest, execStart+execLen)
	}
}

func TestEmitFallbackForSessionOps(t *testing.T) {
	p := bytecode.NewProgram()
	id := p.Pool.Intern("worker.sh")
	buf, err := EmitFunc([]bytecode.Instr{
		{Op: bytecode.OpSpawnBg, A: id},
		{Op: bytecode.OpReturn},
	}, 40, fixedAddr)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x48, 0x89, 0xDF, // mov rdi, rbx
		0xBE, 0x28, 0x00, 0x00, 0x00, // mov esi, 40 (absolute ip)
		0xFF, 0x53, ctxFallback, // call [rbx+48]
	}
	if !bytes.Equal(buf[8:8+len(want)], want) {
		t.Errorf("fallback block:\n got % X\nwant % X", buf[8:8+len(want)], want)
	}
}

func TestEmitRejectsEscapingJump(t *testing.T) {
	_, err := EmitFunc([]bytecode.Instr{
		{Op: bytecode.OpJump, Target: 99},
		{Op: bytecode.OpReturn},
	}, 10, fixedAddr)
	if !errors.Is(err, ErrUnsupportedFlow) {
		t.Errorf("err = %v, want ErrUnsupportedFlow", err)
	}
}

func TestEmitRawStoreFallsBack(t *testing.T) {
	p := bytecode.NewProgram()
	k := p.Pool.Intern("K")
	v := p.Pool.Intern("$(date)")
	buf, err := EmitFunc([]bytecode.Instr{
		{Op: bytecode.OpSetLocal, A: k, B: v, Raw: true},
		{Op: bytecode.OpReturn},
	}, 0, fixedAddr)
	if err != nil {
		t.Fatal(err)
	}
	// Raw stores go through the interpreter, not the set_local slot.
	if !bytes.Contains(buf, []byte{0xFF, 0x53, ctxFallback}) {
		t.Error("no fallback call emitted")
	}
	if bytes.Contains(buf, []byte{0xFF, 0x53, ctxSetLocal}) {
		t.Error("raw store compiled natively")
	}
}
