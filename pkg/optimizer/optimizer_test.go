package optimizer

import (
	"testing"

	"github.com/hackeros/hl/pkg/bytecode"
)

func TestEvalStatic(t *testing.T) {
	cases := []struct {
		cond   string
		result bool
		ok     bool
	}{
		{`[[ "dev" == "dev" ]]`, true, true},
		{`[[ "dev" == "prod" ]]`, false, true},
		{`[[ a != b ]]`, true, true},
		{`[ x = x ]`, true, true},
		{`[[ 1 -eq 1 ]]`, true, true},
		{`[[ 2 -lt 10 ]]`, true, true},
		{`[[ 10 -le 9 ]]`, false, true},
		{`[[ -n "hello" ]]`, true, true},
		{`[[ -n "" ]]`, false, true},
		{`[[ -z "" ]]`, true, true},
		{`[[ $X == 1 ]]`, false, false},
		{`[[ 'a' == 'a' ]]`, false, false},
		{`[[ $(id -u) -eq 0 ]]`, false, false},
		{`[[ abc -lt 5 ]]`, false, false},
		{`[[ -f /etc/passwd ]]`, false, false},
	}
	for _, tc := range cases {
		res, ok := evalStatic(tc.cond)
		if ok != tc.ok || (ok && res != tc.result) {
			t.Errorf("evalStatic(%q) = (%v, %v), want (%v, %v)",
				tc.cond, res, ok, tc.result, tc.ok)
		}
	}
}

func progWith(ops ...bytecode.Instr) *bytecode.Program {
	p := bytecode.NewProgram()
	for _, in := range ops {
		p.Emit(in)
	}
	return p
}

func TestFoldTrueBranch(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpJumpIfFalse, A: p.Pool.Intern(`[[ 1 -eq 1 ]]`), Target: 2})
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo hit")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})

	st := Optimize(p)
	if st.FoldedBranches != 1 {
		t.Fatalf("folded = %d, want 1", st.FoldedBranches)
	}
	if len(p.Ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(p.Ops))
	}
	if p.Ops[0].Op != bytecode.OpExec || p.Str(p.Ops[0].A) != "echo hit" {
		t.Errorf("guarded body dropped: %+v", p.Ops[0])
	}
}

func TestFoldFalseBranchDropsBlock(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpJumpIfFalse, A: p.Pool.Intern(`[[ "a" == "b" ]]`), Target: 3})
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo unreachable")})
	p.Emit(bytecode.Instr{Op: bytecode.OpJump, Target: 3})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})

	Optimize(p)
	if len(p.Ops) != 1 {
		t.Fatalf("ops = %d, want 1", len(p.Ops))
	}
	if p.Ops[0].Op != bytecode.OpExit {
		t.Errorf("surviving op = %v, want EXIT", p.Ops[0].Op)
	}
}

func TestFoldFalseBackwardBranchUntouched(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo body")})
	p.Emit(bytecode.Instr{Op: bytecode.OpJumpIfFalse, A: p.Pool.Intern(`[[ 1 == 2 ]]`), Target: 0})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})

	st := Optimize(p)
	if st.FoldedBranches != 0 {
		t.Errorf("folded = %d, want 0", st.FoldedBranches)
	}
	if len(p.Ops) != 3 || p.Ops[1].Op != bytecode.OpJumpIfFalse || p.Ops[1].Target != 0 {
		t.Errorf("backward branch rewritten: %v", p.Ops)
	}
}

func TestDeadStoreEliminated(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpSetLocal, A: p.Pool.Intern("X"), B: p.Pool.Intern("1")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo no vars here")})
	p.Emit(bytecode.Instr{Op: bytecode.OpSetLocal, A: p.Pool.Intern("X"), B: p.Pool.Intern("2")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo $X")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})

	st := Optimize(p)
	if st.DeadStores != 1 {
		t.Fatalf("dead stores = %d, want 1", st.DeadStores)
	}
	// The surviving store is the second one.
	if p.Ops[0].Op != bytecode.OpSetLocal || p.Str(p.Ops[0].B) != "2" {
		// First op after compaction is the untouched exec.
		if p.Str(p.Ops[1].B) != "2" {
			t.Errorf("wrong store survived: %+v", p.Ops)
		}
	}
}

func TestStoreKeptWhenRead(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpSetLocal, A: p.Pool.Intern("X"), B: p.Pool.Intern("1")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo $X")})
	p.Emit(bytecode.Instr{Op: bytecode.OpSetLocal, A: p.Pool.Intern("X"), B: p.Pool.Intern("2")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})

	st := Optimize(p)
	if st.DeadStores != 0 {
		t.Errorf("dead stores = %d, want 0", st.DeadStores)
	}
}

func TestStoreKeptAcrossCall(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpSetLocal, A: p.Pool.Intern("X"), B: p.Pool.Intern("1")})
	p.Emit(bytecode.Instr{Op: bytecode.OpCall, A: p.Pool.Intern("observer")})
	p.Emit(bytecode.Instr{Op: bytecode.OpSetLocal, A: p.Pool.Intern("X"), B: p.Pool.Intern("2")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})
	p.Functions["observer"] = p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo $X")})
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})

	st := Optimize(p)
	if st.DeadStores != 0 {
		t.Errorf("dead stores = %d, want 0", st.DeadStores)
	}
}

func TestTailCallBecomesJump(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpExit}) // 0: main
	entryA := p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo a; echo a; echo a; echo a")})
	p.Emit(bytecode.Instr{Op: bytecode.OpCall, A: p.Pool.Intern("b")})
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})
	p.Functions["a"] = entryA
	// b is large enough that it cannot be inlined away first.
	entryB := len(p.Ops)
	for i := 0; i < InlineThreshold+1; i++ {
		p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo b")})
	}
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})
	p.Functions["b"] = entryB

	st := Optimize(p)
	if st.TailCalls != 1 {
		t.Fatalf("tail calls = %d, want 1", st.TailCalls)
	}
	a := p.Functions["a"]
	jmp := p.Ops[a+1]
	if jmp.Op != bytecode.OpJump {
		t.Fatalf("op after exec = %v, want JMP", jmp.Op)
	}
	if jmp.Target != p.Functions["b"] {
		t.Errorf("jump target = %d, want entry of b (%d)", jmp.Target, p.Functions["b"])
	}
}

func TestInlineSmallFunction(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpCall, A: p.Pool.Intern("tiny")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo after")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})
	p.Functions["tiny"] = p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo tiny")})
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})

	st := Optimize(p)
	if st.InlinedCalls != 1 {
		t.Fatalf("inlined = %d, want 1", st.InlinedCalls)
	}
	if p.Ops[0].Op != bytecode.OpExec || p.Str(p.Ops[0].A) != "echo tiny" {
		t.Errorf("call site not substituted: %+v", p.Ops[0])
	}
	if p.Ops[1].Op != bytecode.OpExec || p.Str(p.Ops[1].A) != "echo after" {
		t.Errorf("following op disturbed: %+v", p.Ops[1])
	}
	if err := p.Validate(); err != nil {
		t.Errorf("invalid after optimize: %v", err)
	}
}

func TestNoInlineOverThreshold(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpCall, A: p.Pool.Intern("big")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})
	entry := len(p.Ops)
	for i := 0; i < InlineThreshold+1; i++ {
		p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo x")})
	}
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})
	p.Functions["big"] = entry

	st := Optimize(p)
	if st.InlinedCalls != 0 {
		t.Errorf("inlined = %d, want 0", st.InlinedCalls)
	}
	if p.Ops[0].Op != bytecode.OpCall {
		t.Errorf("call removed: %+v", p.Ops[0])
	}
}

func TestNoInlineSelfCall(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})
	entry := len(p.Ops)
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo spin")})
	p.Emit(bytecode.Instr{Op: bytecode.OpCall, A: p.Pool.Intern("rec")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo more")})
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})
	p.Functions["rec"] = entry

	st := Optimize(p)
	if st.InlinedCalls != 0 {
		t.Errorf("inlined = %d, want 0", st.InlinedCalls)
	}
}

func TestNoInlineWithExit(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpCall, A: p.Pool.Intern("fatal")})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})
	entry := len(p.Ops)
	p.Emit(bytecode.Instr{Op: bytecode.OpExit, Target: 1})
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})
	p.Functions["fatal"] = entry

	st := Optimize(p)
	if st.InlinedCalls != 0 {
		t.Errorf("inlined = %d, want 0", st.InlinedCalls)
	}
}

func TestCompactionRemapsFunctionEntries(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpNop})
	p.Emit(bytecode.Instr{Op: bytecode.OpNop})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})
	entry := len(p.Ops)
	p.Emit(bytecode.Instr{Op: bytecode.OpExec, A: p.Pool.Intern("echo f; echo f; echo f; echo f; echo f; echo f; echo f; echo f; echo f")})
	p.Emit(bytecode.Instr{Op: bytecode.OpReturn})
	p.Functions["f"] = entry

	Optimize(p)
	if got := p.Functions["f"]; got != 1 {
		t.Errorf("entry remapped to %d, want 1", got)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("invalid after compaction: %v", err)
	}
}

func TestJumpPastRemovedTailForwards(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.Instr{Op: bytecode.OpJump, Target: 2})
	p.Emit(bytecode.Instr{Op: bytecode.OpNop})
	p.Emit(bytecode.Instr{Op: bytecode.OpExit})

	Optimize(p)
	if len(p.Ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(p.Ops))
	}
	if p.Ops[0].Target != 1 {
		t.Errorf("jump target = %d, want 1", p.Ops[0].Target)
	}
}

func TestExitCodeNotTreatedAsTarget(t *testing.T) {
	p := progWith(
		bytecode.Instr{Op: bytecode.OpNop},
		bytecode.Instr{Op: bytecode.OpExit, Target: 7},
	)
	Optimize(p)
	if p.Ops[0].Op != bytecode.OpExit || p.Ops[0].Target != 7 {
		t.Errorf("exit code disturbed: %+v", p.Ops[0])
	}
}
