package bytecode

import (
	"bytes"
	"testing"
)

func TestStringPoolIntern(t *testing.T) {
	p := NewStringPool()

	id0 := p.Intern("echo hi")
	if id0 != 0 {
		t.Errorf("first id = %d, want 0", id0)
	}

	id1 := p.Intern("echo bye")
	if id1 != 1 {
		t.Errorf("second id = %d, want 1", id1)
	}

	// Duplicate returns the existing id.
	if id := p.Intern("echo hi"); id != id0 {
		t.Errorf("duplicate id = %d, want %d", id, id0)
	}

	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
	if p.Get(id1) != "echo bye" {
		t.Errorf("Get(%d) = %q", id1, p.Get(id1))
	}
	if p.Get(99) != "" {
		t.Errorf("Get(99) = %q, want empty", p.Get(99))
	}
}

func TestStringPoolRebuildIndex(t *testing.T) {
	p := &StringPool{Strings: []string{"a", "b", "c"}}
	p.RebuildIndex()

	id, ok := p.Lookup("b")
	if !ok || id != 1 {
		t.Errorf("Lookup(b) = %d, %v", id, ok)
	}
	// Interning an existing string after a rebuild must not duplicate it.
	if id := p.Intern("c"); id != 2 {
		t.Errorf("Intern(c) = %d, want 2", id)
	}
	if p.Len() != 3 {
		t.Errorf("Len() = %d, want 3", p.Len())
	}
}

func TestAllOpsHaveInfo(t *testing.T) {
	for _, op := range AllOps() {
		info := op.Info()
		if info.Name == "" || len(info.Name) > 10 {
			t.Errorf("opcode 0x%02X has bad name %q", uint8(op), info.Name)
		}
	}
	if got := Op(0xEE).Info().Name; got != "UNKNOWN(0xEE)" {
		t.Errorf("unknown opcode name = %q", got)
	}
}

func TestOpPredicates(t *testing.T) {
	if !OpJump.IsJump() || !OpJumpIfFalse.IsJump() {
		t.Error("jump opcodes not recognized")
	}
	if OpExec.IsJump() {
		t.Error("EXEC classified as jump")
	}
	if !OpReturn.IsTerminator() || !OpExit.IsTerminator() {
		t.Error("terminators not recognized")
	}
}

func TestProgramValidate(t *testing.T) {
	p := NewProgram()
	cond := p.Pool.Intern("[[ 1 == 1 ]]")
	p.Emit(Instr{Op: OpJumpIfFalse, A: cond, Target: 2})
	p.Emit(Instr{Op: OpExec, A: p.Pool.Intern("echo ok")})
	p.Emit(Instr{Op: OpExit})
	p.Functions["f"] = 2

	if err := p.Validate(); err != nil {
		t.Errorf("valid program rejected: %v", err)
	}

	p.Ops[0].Target = 99
	if err := p.Validate(); err == nil {
		t.Error("out-of-range jump accepted")
	}
	p.Ops[0].Target = 2

	p.Functions["g"] = -1
	if err := p.Validate(); err == nil {
		t.Error("negative function entry accepted")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	p := NewProgram()
	cmd := p.Pool.Intern("echo hello")
	cond := p.Pool.Intern("[[ $X == 1 ]]")
	p.Emit(Instr{Op: OpSetLocal, A: p.Pool.Intern("X"), B: p.Pool.Intern("1")})
	p.Emit(Instr{Op: OpJumpIfFalse, A: cond, Target: 4})
	p.Emit(Instr{Op: OpExec, A: cmd, Sudo: true})
	p.Emit(Instr{Op: OpJump, Target: 4})
	p.Emit(Instr{Op: OpExit})
	p.Functions["main_helper"] = 4

	data, err := Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.HasPrefix(data, Magic) {
		t.Error("missing magic header")
	}

	q, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(q.Ops) != len(p.Ops) {
		t.Fatalf("ops = %d, want %d", len(q.Ops), len(p.Ops))
	}
	for i := range p.Ops {
		if q.Ops[i] != p.Ops[i] {
			t.Errorf("op %d = %+v, want %+v", i, q.Ops[i], p.Ops[i])
		}
	}
	if q.Functions["main_helper"] != 4 {
		t.Errorf("function entry = %d, want 4", q.Functions["main_helper"])
	}
	if q.Str(cmd) != "echo hello" {
		t.Errorf("pool text = %q", q.Str(cmd))
	}
	// The rebuilt index must resolve existing entries.
	if id, ok := q.Pool.Lookup("echo hello"); !ok || id != cmd {
		t.Errorf("Lookup after round trip = %d, %v", id, ok)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	build := func() *Program {
		p := NewProgram()
		p.Emit(Instr{Op: OpExec, A: p.Pool.Intern("true")})
		p.Emit(Instr{Op: OpExit})
		p.Functions["a"] = 0
		p.Functions["b"] = 1
		return p
	}
	d1, err := Marshal(build())
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Marshal(build())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d1, d2) {
		t.Error("identical programs encode differently")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("not a program")); err == nil {
		t.Error("bad magic accepted")
	}

	p := NewProgram()
	p.Schema = SchemaVersion + 1
	data, err := Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); err == nil {
		t.Error("wrong schema version accepted")
	}

	// Magic present but truncated body.
	if _, err := Unmarshal(append(append([]byte{}, Magic...), 0xFF)); err == nil {
		t.Error("corrupt body accepted")
	}
}
