package bytecode

import (
	"fmt"
	"io"
	"strings"
)

// Disassemble writes a human-readable listing of the program to w,
// including function labels and the string pool.
func Disassemble(p *Program, w io.Writer) {
	entryNames := make(map[int]string, len(p.Functions))
	for name, entry := range p.Functions {
		entryNames[entry] = name
	}

	fmt.Fprintf(w, "bytecode: %d ops, %d functions, %d strings in pool\n",
		len(p.Ops), len(p.Functions), p.Pool.Len())
	fmt.Fprintln(w, strings.Repeat("-", 60))

	for i, in := range p.Ops {
		if name, ok := entryNames[i]; ok {
			fmt.Fprintf(w, "\nfn .%s:\n", name)
		}
		fmt.Fprintf(w, "%5d:  %s\n", i, FormatInstr(p, in))
	}

	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w, "string pool:")
	for i, s := range p.Pool.Strings {
		fmt.Fprintf(w, "  %4d: %q\n", i, s)
	}
}

// FormatInstr renders a single instruction with resolved operands.
func FormatInstr(p *Program, in Instr) string {
	sudo := ""
	if in.Sudo {
		sudo = " SUDO"
	}

	switch in.Op {
	case OpExec:
		return fmt.Sprintf("EXEC%s %q", sudo, p.Str(in.A))
	case OpSpawnBg:
		return fmt.Sprintf("SPAWN%s %q", sudo, p.Str(in.A))
	case OpSpawnAssign:
		return fmt.Sprintf("SPAWNA%s %s = spawn %q", sudo, p.Str(in.A), p.Str(in.B))
	case OpAwaitPid:
		return fmt.Sprintf("AWAIT %s", p.Str(in.A))
	case OpAwaitAssign:
		return fmt.Sprintf("AWAITA %s = await %s", p.Str(in.A), p.Str(in.B))
	case OpPlugin:
		return fmt.Sprintf("PLGN%s \\%s %s", sudo, p.Str(in.A), p.Str(in.B))
	case OpSetEnv:
		return fmt.Sprintf("SENV %s = %q", p.Str(in.A), p.Str(in.B))
	case OpSetLocal:
		raw := ""
		if in.Raw {
			raw = " RAW"
		}
		return fmt.Sprintf("SLOC%s $%s = %q", raw, p.Str(in.A), p.Str(in.B))
	case OpSetConst:
		return fmt.Sprintf("SCONST %%%s = %q", p.Str(in.A), p.Str(in.B))
	case OpSetOut:
		return fmt.Sprintf("OUT %q", p.Str(in.A))
	case OpLock:
		return fmt.Sprintf("LOCK %s = %s", p.Str(in.A), p.Str(in.B))
	case OpUnlock:
		return fmt.Sprintf("ULCK %s", p.Str(in.A))
	case OpJump:
		return fmt.Sprintf("JMP  -> %d", in.Target)
	case OpJumpIfFalse:
		return fmt.Sprintf("JIF  %s  -> %d", p.Str(in.A), in.Target)
	case OpCall:
		return fmt.Sprintf("CALL .%s", p.Str(in.A))
	case OpReturn:
		return "RET"
	case OpExit:
		return fmt.Sprintf("EXIT %d", in.Target)
	case OpAssert:
		if in.HasMsg {
			return fmt.Sprintf("ASSERT %s -> %q", p.Str(in.A), p.Str(in.B))
		}
		return fmt.Sprintf("ASSERT %s", p.Str(in.A))
	case OpNop:
		return "NOP"
	}
	return in.Op.String()
}
