// Package optimizer rewrites bytecode programs before execution.
//
// Four passes run in order: constant branch folding, dead store
// elimination, tail call elimination and small-function inlining.
// Passes mark instructions as Nop; compaction strips the Nops and
// remaps every jump target and function entry afterwards.
package optimizer

import (
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/hackeros/hl/pkg/bytecode"
)

var log = commonlog.GetLogger("hl.optimizer")

// InlineThreshold caps the body size, in live instructions, of a
// function eligible for inlining at its call sites.
const InlineThreshold = 8

// Stats counts the rewrites each pass performed.
type Stats struct {
	FoldedBranches int
	DeadStores     int
	TailCalls      int
	InlinedCalls   int
	StrippedNops   int
}

// Optimize runs all passes over the program in place with the default
// inline threshold.
func Optimize(p *bytecode.Program) Stats {
	return OptimizeWithThreshold(p, InlineThreshold)
}

// OptimizeWithThreshold runs all passes with a caller-chosen inline
// threshold.
func OptimizeWithThreshold(p *bytecode.Program, inlineMax int) Stats {
	var st Stats

	st.FoldedBranches = foldBranches(p)
	st.StrippedNops += stripNops(p)

	st.DeadStores = eliminateDeadStores(p)
	st.StrippedNops += stripNops(p)

	st.TailCalls = eliminateTailCalls(p)
	st.StrippedNops += stripNops(p)

	st.InlinedCalls = inlineCalls(p, inlineMax)
	st.StrippedNops += stripNops(p)

	log.Debugf("folded=%d dead=%d tco=%d inlined=%d stripped=%d",
		st.FoldedBranches, st.DeadStores, st.TailCalls, st.InlinedCalls, st.StrippedNops)
	return st
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// evalStatic decides a condition at compile time when it contains no
// shell state. Anything with variables, substitution or single quotes
// is left for the shell.
func evalStatic(cond string) (result, ok bool) {
	t := strings.TrimSpace(cond)
	if r, found := strings.CutPrefix(t, "[["); found {
		t = strings.TrimSuffix(r, "]]")
	} else if r, found := strings.CutPrefix(t, "["); found {
		t = strings.TrimSuffix(r, "]")
	}
	t = strings.TrimSpace(t)

	if strings.ContainsAny(t, "'$`(") {
		return false, false
	}

	if arg, found := strings.CutPrefix(t, "-n "); found {
		return unquote(arg) != "", true
	}
	if arg, found := strings.CutPrefix(t, "-z "); found {
		return unquote(arg) == "", true
	}

	for _, op := range []string{" == ", " != ", " = "} {
		l, r, found := strings.Cut(t, op)
		if !found {
			continue
		}
		eq := unquote(l) == unquote(r)
		if op == " != " {
			return !eq, true
		}
		return eq, true
	}

	numOps := map[string]func(a, b int) bool{
		" -eq ": func(a, b int) bool { return a == b },
		" -ne ": func(a, b int) bool { return a != b },
		" -lt ": func(a, b int) bool { return a < b },
		" -le ": func(a, b int) bool { return a <= b },
		" -gt ": func(a, b int) bool { return a > b },
		" -ge ": func(a, b int) bool { return a >= b },
	}
	for op, cmp := range numOps {
		l, r, found := strings.Cut(t, op)
		if !found {
			continue
		}
		a, errA := strconv.Atoi(strings.TrimSpace(unquote(l)))
		b, errB := strconv.Atoi(strings.TrimSpace(unquote(r)))
		if errA != nil || errB != nil {
			return false, false
		}
		return cmp(a, b), true
	}

	return false, false
}

// foldBranches removes conditional jumps whose condition is static.
// A true condition drops the jump; a false one drops the jump and the
// guarded block up to its target.
func foldBranches(p *bytecode.Program) int {
	n := 0
	for i := range p.Ops {
		in := &p.Ops[i]
		if in.Op != bytecode.OpJumpIfFalse {
			continue
		}
		res, ok := evalStatic(p.Str(in.A))
		if !ok {
			continue
		}
		if res {
			in.Op = bytecode.OpNop
			n++
			continue
		}
		end := in.Target
		if end > len(p.Ops) {
			end = len(p.Ops)
		}
		// A backward target leaves nothing to blank out.
		if end <= i {
			continue
		}
		n++
		for j := i; j < end; j++ {
			p.Ops[j] = bytecode.Instr{Op: bytecode.OpNop}
		}
	}
	return n
}

// instrStrings lists the pool strings an instruction can read. Dead
// store analysis treats any mention of a variable here as a use.
func instrStrings(p *bytecode.Program, in *bytecode.Instr) []string {
	switch in.Op {
	case bytecode.OpExec, bytecode.OpSpawnBg, bytecode.OpSetOut, bytecode.OpAwaitPid:
		return []string{p.Str(in.A)}
	case bytecode.OpSetEnv, bytecode.OpSetLocal, bytecode.OpSetConst,
		bytecode.OpSpawnAssign, bytecode.OpAwaitAssign, bytecode.OpLock, bytecode.OpPlugin:
		return []string{p.Str(in.B)}
	case bytecode.OpAssert, bytecode.OpJumpIfFalse:
		return []string{p.Str(in.A)}
	}
	return nil
}

func mentionsVar(s, name string) bool {
	return strings.Contains(s, "$"+name) || strings.Contains(s, "${"+name+"}")
}

// eliminateDeadStores drops a local store that is overwritten before
// anything can read it. Control flow, calls and plugins end the scan
// since the variable may escape through them.
func eliminateDeadStores(p *bytecode.Program) int {
	n := 0
scan:
	for i := range p.Ops {
		if p.Ops[i].Op != bytecode.OpSetLocal {
			continue
		}
		name := p.Str(p.Ops[i].A)
		for j := i + 1; j < len(p.Ops); j++ {
			in := &p.Ops[j]
			if in.Op == bytecode.OpNop {
				continue
			}
			if in.Op == bytecode.OpSetLocal && in.A == p.Ops[i].A {
				// Overwritten with no intervening read.
				if !mentionsVar(p.Str(in.B), name) {
					p.Ops[i] = bytecode.Instr{Op: bytecode.OpNop}
					n++
				}
				continue scan
			}
			for _, s := range instrStrings(p, in) {
				if mentionsVar(s, name) {
					continue scan
				}
			}
			switch {
			case in.Op.IsJump(), in.Op.IsTerminator():
				continue scan
			case in.Op == bytecode.OpCall, in.Op == bytecode.OpPlugin:
				continue scan
			}
		}
	}
	return n
}

// eliminateTailCalls turns a call immediately followed by a return
// into a jump to the callee's entry. The callee's own return then
// falls through to the original caller.
func eliminateTailCalls(p *bytecode.Program) int {
	n := 0
	for i := range p.Ops {
		if p.Ops[i].Op != bytecode.OpCall {
			continue
		}
		j := i + 1
		for j < len(p.Ops) && p.Ops[j].Op == bytecode.OpNop {
			j++
		}
		if j >= len(p.Ops) || p.Ops[j].Op != bytecode.OpReturn {
			continue
		}
		entry, ok := p.Functions[p.Str(p.Ops[i].A)]
		if !ok {
			continue
		}
		p.Ops[i] = bytecode.Instr{Op: bytecode.OpJump, Target: entry}
		p.Ops[j] = bytecode.Instr{Op: bytecode.OpNop}
		n++
	}
	return n
}

// inlinable reports whether the function starting at entry can be
// substituted at call sites, and returns its body without the final
// return. Bodies with control flow, exits or self calls stay out of
// line.
func inlinable(p *bytecode.Program, name string, entry, inlineMax int) ([]bytecode.Instr, bool) {
	var body []bytecode.Instr
	for i := entry; i < len(p.Ops); i++ {
		in := p.Ops[i]
		switch {
		case in.Op == bytecode.OpReturn:
			return body, true
		case in.Op == bytecode.OpNop:
			continue
		case in.Op.IsJump(), in.Op == bytecode.OpExit:
			return nil, false
		case in.Op == bytecode.OpCall && p.Str(in.A) == name:
			return nil, false
		}
		body = append(body, in)
		if len(body) > inlineMax {
			return nil, false
		}
	}
	return nil, false
}

// inlineCalls substitutes small function bodies at their call sites.
// The function definitions stay in place for any remaining callers.
func inlineCalls(p *bytecode.Program, inlineMax int) int {
	bodies := map[string][]bytecode.Instr{}
	for name, entry := range p.Functions {
		if body, ok := inlinable(p, name, entry, inlineMax); ok {
			bodies[name] = body
		}
	}
	if len(bodies) == 0 {
		return 0
	}

	n := 0
	newOps := make([]bytecode.Instr, 0, len(p.Ops))
	remap := make([]int, len(p.Ops)+1)
	for i, in := range p.Ops {
		remap[i] = len(newOps)
		if in.Op == bytecode.OpCall {
			if body, ok := bodies[p.Str(in.A)]; ok {
				newOps = append(newOps, body...)
				n++
				continue
			}
		}
		newOps = append(newOps, in)
	}
	remap[len(p.Ops)] = len(newOps)

	applyRemap(p, newOps, remap)
	return n
}

// stripNops removes Nop instructions and remaps targets. A target
// pointing at a removed instruction forwards to the next live one.
func stripNops(p *bytecode.Program) int {
	newOps := make([]bytecode.Instr, 0, len(p.Ops))
	remap := make([]int, len(p.Ops)+1)
	for i, in := range p.Ops {
		remap[i] = len(newOps)
		if in.Op == bytecode.OpNop {
			continue
		}
		newOps = append(newOps, in)
	}
	remap[len(p.Ops)] = len(newOps)

	removed := len(p.Ops) - len(newOps)
	if removed == 0 {
		return 0
	}
	applyRemap(p, newOps, remap)
	return removed
}

func applyRemap(p *bytecode.Program, newOps []bytecode.Instr, remap []int) {
	for i := range newOps {
		if newOps[i].Op.IsJump() {
			t := newOps[i].Target
			if t < 0 {
				t = 0
			}
			if t > len(remap)-1 {
				t = len(remap) - 1
			}
			newOps[i].Target = remap[t]
		}
	}
	for name, entry := range p.Functions {
		if entry > len(remap)-1 {
			entry = len(remap) - 1
		}
		p.Functions[name] = remap[entry]
	}
	p.Ops = newOps
}
