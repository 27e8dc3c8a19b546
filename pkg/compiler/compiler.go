// Package compiler lowers the front end's statement tree to bytecode.
//
// Control flow becomes explicit jumps with backpatched absolute targets;
// loops, match blocks and mixed pipes are lowered to equivalent shell
// text inside a single exec instruction, so the VM's own instruction
// stream stays flat.
package compiler

import (
	"fmt"
	"strings"

	"github.com/hackeros/hl/pkg/ast"
	"github.com/hackeros/hl/pkg/bytecode"
)

// WrapCond wraps a bare comparison in [[ ]] so the shell evaluates it
// as a test. Conditions already bracketed are left alone.
func WrapCond(cond string) string {
	t := strings.TrimSpace(cond)
	if strings.HasPrefix(t, "[") || strings.HasPrefix(t, "((") {
		return t
	}
	for _, op := range []string{" == ", " != ", " -eq ", " -ne ", " -lt ", " -le ", " -gt ", " -ge "} {
		if strings.Contains(t, op) {
			return "[[ " + t + " ]]"
		}
	}
	return t
}

// IsFuncCall reports whether cmd is a script-function call (".name …").
func IsFuncCall(cmd string) bool {
	t := strings.TrimSpace(cmd)
	if !strings.HasPrefix(t, ".") || len(t) < 2 {
		return false
	}
	c := t[1]
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// FuncName extracts the function name from a call: ".init $a" -> "init".
func FuncName(cmd string) string {
	t := strings.TrimPrefix(strings.TrimSpace(cmd), ".")
	if i := strings.IndexFunc(t, func(r rune) bool { return r == ' ' || r == '\t' }); i >= 0 {
		return t[:i]
	}
	return t
}

// ShellInline translates an embedded statement body to shell text.
// It understands log, end, out and the > raw prefix; anything else
// passes through untouched.
func ShellInline(cmd string) string {
	t := strings.TrimSpace(cmd)
	if r, ok := strings.CutPrefix(t, "log "); ok {
		return "echo " + r
	}
	if r, ok := strings.CutPrefix(t, "end "); ok {
		code := 0
		fmt.Sscanf(strings.TrimSpace(r), "%d", &code)
		return fmt.Sprintf("exit %d", code)
	}
	if t == "end" {
		return "exit 0"
	}
	if r, ok := strings.CutPrefix(t, "out "); ok {
		return "export _HL_OUT=" + r
	}
	if r, ok := strings.CutPrefix(t, "> "); ok {
		return r
	}
	if r, ok := strings.CutPrefix(t, ">"); ok {
		return strings.TrimSpace(r)
	}
	return t
}

// branch is one arm of an if/elif/else chain. A nil condition marks the
// else arm. Branch descriptors exist only during compilation and are
// never persisted.
type branch struct {
	cond     string
	hasCond  bool
	funcName string // set when the body is a function call
	shell    string // set otherwise
	sudo     bool
}

func classify(cmd string) (funcName, shell string) {
	if IsFuncCall(cmd) {
		return FuncName(cmd), ""
	}
	return "", ShellInline(cmd)
}

// emitIfChain lowers a collected if/elif/else chain. Each conditional
// arm gets a JumpIfFalse with a placeholder, patched to the start of the
// next arm once known; each arm body is followed by a Jump patched to
// the first instruction past the chain.
func emitIfChain(prog *bytecode.Program, branches []branch) {
	var endJumps []int

	for _, b := range branches {
		jifIdx := -1
		if b.hasCond {
			jifIdx = prog.Emit(bytecode.Instr{
				Op: bytecode.OpJumpIfFalse,
				A:  prog.Pool.Intern(b.cond),
			})
		}

		if b.funcName != "" {
			prog.Emit(bytecode.Instr{Op: bytecode.OpCall, A: prog.Pool.Intern(b.funcName)})
		} else {
			prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: prog.Pool.Intern(b.shell), Sudo: b.sudo})
		}

		endJumps = append(endJumps, prog.Emit(bytecode.Instr{Op: bytecode.OpJump}))

		if jifIdx >= 0 {
			prog.Ops[jifIdx].Target = len(prog.Ops)
		}
	}

	end := len(prog.Ops)
	for _, idx := range endJumps {
		prog.Ops[idx].Target = end
	}
}

// emitMatch lowers a match header plus its arms into one case…esac exec.
// The wildcard arm "_" becomes the shell's "*" pattern. One instruction
// regardless of arm count.
func emitMatch(prog *bytecode.Program, cond string, arms [][2]string, sudo bool) {
	if len(arms) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "case %s in\n", cond)
	for _, arm := range arms {
		val, cmd := arm[0], arm[1]
		if val == "_" {
			val = "*"
		} else {
			val = strings.Trim(val, `"'`)
		}
		fmt.Fprintf(&sb, "  %s) %s;;\n", val, ShellInline(cmd))
	}
	sb.WriteString("esac")

	prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: prog.Pool.Intern(sb.String()), Sudo: sudo})
}

// emitPipe lowers a pipe chain. When every stage is a function call the
// chain becomes a sequence of in-process calls with no subprocess; any
// plain command forces a single shell pipe exec.
func emitPipe(prog *bytecode.Program, steps []string, sudo bool) {
	if len(steps) == 0 {
		return
	}

	allFuncs := true
	for _, s := range steps {
		if !IsFuncCall(s) {
			allFuncs = false
			break
		}
	}

	if allFuncs {
		for _, s := range steps {
			prog.Emit(bytecode.Instr{Op: bytecode.OpCall, A: prog.Pool.Intern(FuncName(s))})
		}
		return
	}

	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		t := strings.TrimSpace(s)
		if IsFuncCall(t) {
			parts = append(parts, strings.TrimPrefix(t, "."))
		} else {
			parts = append(parts, ShellInline(t))
		}
	}
	prog.Emit(bytecode.Instr{
		Op:   bytecode.OpExec,
		A:    prog.Pool.Intern(strings.Join(parts, " | ")),
		Sudo: sudo,
	})
}

// compileBody walks a statement list, grouping if/elif/else chains and
// match arms before dispatching per-statement lowering.
func compileBody(prog *bytecode.Program, nodes []ast.Node) {
	i := 0
	for i < len(nodes) {
		node := &nodes[i]

		switch node.Content.Kind {

		case ast.KindIf:
			fn, sh := classify(node.Content.Cmd)
			branches := []branch{{
				cond: WrapCond(node.Content.Cond), hasCond: true,
				funcName: fn, shell: sh, sudo: node.IsSudo,
			}}
			i++
		chain:
			for i < len(nodes) {
				switch nodes[i].Content.Kind {
				case ast.KindElif:
					fn, sh := classify(nodes[i].Content.Cmd)
					branches = append(branches, branch{
						cond: WrapCond(nodes[i].Content.Cond), hasCond: true,
						funcName: fn, shell: sh, sudo: nodes[i].IsSudo,
					})
					i++
				case ast.KindElse:
					fn, sh := classify(nodes[i].Content.Cmd)
					branches = append(branches, branch{
						funcName: fn, shell: sh, sudo: nodes[i].IsSudo,
					})
					i++
					break chain
				default:
					break chain
				}
			}
			emitIfChain(prog, branches)

		case ast.KindMatch:
			cond := node.Content.Cond
			sudo := node.IsSudo
			var arms [][2]string
			i++
			for i < len(nodes) && nodes[i].Content.Kind == ast.KindMatchArm {
				arms = append(arms, [2]string{nodes[i].Content.Val, nodes[i].Content.Cmd})
				i++
			}
			emitMatch(prog, cond, arms, sudo)

		case ast.KindMatchArm:
			// A stray arm outside a match block is front-end noise.
			i++

		case ast.KindPipe:
			emitPipe(prog, node.Content.Steps, node.IsSudo)
			i++

		default:
			compileNode(prog, node)
			i++
		}
	}
}

// compileNode lowers a single statement that needs no lookahead.
func compileNode(prog *bytecode.Program, node *ast.Node) {
	c := &node.Content
	sudo := node.IsSudo
	pool := prog.Pool

	switch c.Kind {

	case ast.KindRawNoSub, ast.KindRawSub:
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern(c.Text), Sudo: sudo})

	case ast.KindIsolated:
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern("( " + c.Text + " )"), Sudo: sudo})

	case ast.KindAssignEnv:
		prog.Emit(bytecode.Instr{Op: bytecode.OpSetEnv, A: pool.Intern(c.Key), B: pool.Intern(c.Val)})

	case ast.KindAssignLocal:
		prog.Emit(bytecode.Instr{Op: bytecode.OpSetLocal, A: pool.Intern(c.Key), B: pool.Intern(c.Val), Raw: c.IsRaw})

	case ast.KindLoop:
		s := fmt.Sprintf("for _hl_i in $(seq 1 %d); do %s; done", c.Count, c.Cmd)
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern(s), Sudo: sudo})

	case ast.KindWhile:
		s := fmt.Sprintf("while %s; do %s; done", WrapCond(c.Cond), c.Cmd)
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern(s), Sudo: sudo})

	case ast.KindFor:
		s := fmt.Sprintf("for %s in %s; do %s; done", c.Var, c.In, c.Cmd)
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern(s), Sudo: sudo})

	case ast.KindBackground:
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern(c.Text + " &"), Sudo: sudo})

	case ast.KindCall:
		// Arguments travel through the _HL_ARGS local.
		if c.Args != "" {
			prog.Emit(bytecode.Instr{
				Op: bytecode.OpSetLocal,
				A:  pool.Intern("_HL_ARGS"),
				B:  pool.Intern(c.Args),
			})
		}
		prog.Emit(bytecode.Instr{Op: bytecode.OpCall, A: pool.Intern(strings.TrimPrefix(c.Path, "."))})

	case ast.KindPlugin:
		prog.Emit(bytecode.Instr{Op: bytecode.OpPlugin, A: pool.Intern(c.Name), B: pool.Intern(c.Args), Sudo: c.IsSuper})

	case ast.KindLog:
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern("echo " + c.Text), Sudo: sudo})

	case ast.KindLock:
		prog.Emit(bytecode.Instr{Op: bytecode.OpLock, A: pool.Intern(c.Key), B: pool.Intern(c.Val)})

	case ast.KindUnlock:
		prog.Emit(bytecode.Instr{Op: bytecode.OpUnlock, A: pool.Intern(c.Key)})

	case ast.KindTry:
		s := fmt.Sprintf("( %s ) || ( %s )", c.TryCmd, c.CatchCmd)
		prog.Emit(bytecode.Instr{Op: bytecode.OpExec, A: pool.Intern(s), Sudo: sudo})

	case ast.KindEnd:
		prog.Emit(bytecode.Instr{Op: bytecode.OpExit, Target: c.Code})

	case ast.KindOut:
		prog.Emit(bytecode.Instr{Op: bytecode.OpSetOut, A: pool.Intern(c.Text)})

	case ast.KindConst:
		prog.Emit(bytecode.Instr{Op: bytecode.OpSetConst, A: pool.Intern(c.Key), B: pool.Intern(c.Val)})

	case ast.KindSpawn:
		clean := strings.TrimPrefix(strings.TrimSpace(c.Text), ".")
		prog.Emit(bytecode.Instr{Op: bytecode.OpSpawnBg, A: pool.Intern(clean), Sudo: sudo})

	case ast.KindAssignSpawn:
		clean := strings.TrimPrefix(strings.TrimSpace(c.Task), ".")
		prog.Emit(bytecode.Instr{Op: bytecode.OpSpawnAssign, A: pool.Intern(c.Key), B: pool.Intern(clean), Sudo: sudo})

	case ast.KindAwait:
		prog.Emit(bytecode.Instr{Op: bytecode.OpAwaitPid, A: pool.Intern(strings.TrimSpace(c.Text))})

	case ast.KindAssignAwait:
		prog.Emit(bytecode.Instr{Op: bytecode.OpAwaitAssign, A: pool.Intern(c.Key), B: pool.Intern(strings.TrimSpace(c.Expr))})

	case ast.KindAssert:
		in := bytecode.Instr{Op: bytecode.OpAssert, A: pool.Intern(c.Cond)}
		if c.Msg != nil {
			in.B = pool.Intern(*c.Msg)
			in.HasMsg = true
		}
		prog.Emit(in)

	case ast.KindExtern, ast.KindEnum, ast.KindStruct, ast.KindImport:
		// Declaration metadata; nothing to execute.

	case ast.KindIf, ast.KindElif, ast.KindElse, ast.KindMatch, ast.KindMatchArm, ast.KindPipe:
		// Consumed by compileBody.
	}
}

// Compile translates an analysis result into a bytecode program. The
// main body ends with Exit 0; every function body ends with Return, so
// no path falls off the instruction stream.
func Compile(res *ast.AnalysisResult) *bytecode.Program {
	prog := bytecode.NewProgram()

	compileBody(prog, res.MainBody)
	prog.Emit(bytecode.Instr{Op: bytecode.OpExit})

	for name, fn := range res.Functions {
		prog.Functions[name] = len(prog.Ops)
		compileBody(prog, fn.Body)
		prog.Emit(bytecode.Instr{Op: bytecode.OpReturn})
	}

	return prog
}
