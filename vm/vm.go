// Package vm interprets compiled programs. The interpreter is single
// threaded: one instruction pointer, a return-address stack for
// function calls, and shared session state living in the shell child
// behind the executor.
package vm

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/hackeros/hl/executor"
	"github.com/hackeros/hl/gc"
	"github.com/hackeros/hl/jit"
	"github.com/hackeros/hl/pkg/bytecode"
)

var log = commonlog.GetLogger("hl.vm")

// Executor is the shell surface the VM drives. *executor.Manager
// implements it.
type Executor interface {
	Exec(cmd string, sudo bool) (int, error)
	EvalCond(cond string, sudo bool) (bool, error)
	SetEnv(key, val string) error
	InvalidateConds()
}

// Options tunes one VM instance.
type Options struct {
	DryRun      bool
	JIT         *jit.Compiler // nil disables native compilation
	PluginsRoot string
}

// returnSentinel marks a return address owned by a nested CallFunc
// loop rather than the main dispatch loop.
const returnSentinel = -1

type localVal struct {
	handle gc.Handle
	raw    bool
}

// VM executes one program. Not safe for concurrent use.
type VM struct {
	prog *bytecode.Program
	exec Executor
	opts Options

	ip       int
	retStack []int

	locals    map[string]localVal
	env       map[string]string
	heap      map[string][]byte
	constKeys map[string]struct{}
	hlOut     string

	gcol *gc.Collector

	exitCode int
	exited   bool
}

func New(prog *bytecode.Program, ex Executor, opts Options) *VM {
	return &VM{
		prog:      prog,
		exec:      ex,
		opts:      opts,
		locals:    make(map[string]localVal),
		env:       make(map[string]string),
		heap:      make(map[string][]byte),
		constKeys: make(map[string]struct{}),
		gcol:      gc.New(),
	}
}

// Run executes the program from the top and returns its exit code.
func (m *VM) Run() int {
	m.ip = 0
	for m.ip < len(m.prog.Ops) && !m.exited {
		m.step()
	}
	m.collect()
	return m.exitCode
}

// Out returns the last value captured through an out statement.
func (m *VM) Out() string { return m.hlOut }

// GCStats exposes the collector counters for --gc-stats.
func (m *VM) GCStats() gc.Stats { return m.gcol.Stats() }

// roots marks every handle still referenced by a local.
func (m *VM) roots(mark func(gc.Handle)) {
	for _, lv := range m.locals {
		mark(lv.handle)
	}
}

func (m *VM) collect()      { m.gcol.Collect(m.roots) }
func (m *VM) maybeCollect() { m.gcol.MaybeCollect(m.roots) }

// step dispatches the instruction under ip. Control-flow ops adjust
// ip themselves; everything else runs through execInstr and advances.
func (m *VM) step() {
	in := &m.prog.Ops[m.ip]

	switch in.Op {
	case bytecode.OpJump:
		m.ip = in.Target

	case bytecode.OpJumpIfFalse:
		if m.evalCond(m.substitute(m.prog.Str(in.A)), in.Sudo) {
			m.ip++
		} else {
			m.ip = in.Target
		}

	case bytecode.OpCall:
		m.CallFunc(m.prog.Str(in.A))
		m.ip++

	case bytecode.OpReturn:
		if n := len(m.retStack); n > 0 {
			ret := m.retStack[n-1]
			m.retStack = m.retStack[:n-1]
			if ret != returnSentinel {
				m.ip = ret
			}
			if len(m.retStack) == 0 {
				m.collect()
			}
		} else {
			// Stray top-level return; treat as a no-op.
			m.collect()
			m.ip++
		}

	case bytecode.OpExit:
		m.exitCode = in.Target
		m.exited = true
		m.collect()

	default:
		m.execInstr(m.ip)
		m.ip++
	}
}

// CallFunc runs a named function to completion: natively when the JIT
// has compiled it, otherwise through a nested dispatch loop. Unknown
// names are logged and skipped.
func (m *VM) CallFunc(name string) {
	entry, resolved, ok := m.resolveFunc(name)
	if !ok {
		log.Errorf("call to unresolved function %q", name)
		return
	}

	if m.opts.JIT != nil && !m.opts.DryRun {
		if f := m.opts.JIT.OnCall(resolved); f != nil {
			code, stop := f.Call(m)
			if stop {
				m.exitCode = code
				m.exited = true
			}
			return
		}
	}

	savedIP := m.ip
	savedDepth := len(m.retStack)
	m.retStack = append(m.retStack, returnSentinel)
	m.ip = entry
	for m.ip < len(m.prog.Ops) && !m.exited && len(m.retStack) > savedDepth {
		m.step()
	}
	if !m.exited {
		m.ip = savedIP
	}
}

// resolveFunc matches a call name against the function table: exact
// first, then as the unqualified tail of a library function.
func (m *VM) resolveFunc(name string) (int, string, bool) {
	name = strings.TrimPrefix(name, ".")
	if entry, ok := m.prog.Functions[name]; ok {
		return entry, name, true
	}
	for qualified, entry := range m.prog.Functions {
		if strings.HasSuffix(qualified, "."+name) {
			return entry, qualified, true
		}
	}
	return 0, "", false
}

// execInstr runs the non-control-flow instruction at an absolute
// index. The JIT fallback also enters here.
func (m *VM) execInstr(ip int) {
	in := &m.prog.Ops[ip]
	str := m.prog.Str

	switch in.Op {
	case bytecode.OpNop:

	case bytecode.OpExec:
		m.runShell(m.substitute(str(in.A)), in.Sudo)

	case bytecode.OpSpawnBg:
		m.runShell(m.substitute(str(in.A))+" &", in.Sudo)

	case bytecode.OpSpawnAssign:
		key, task := str(in.A), m.substitute(str(in.B))
		m.runShell(fmt.Sprintf("export %s=$( %s & echo $! )", key, task), in.Sudo)
		m.exec.InvalidateConds()

	case bytecode.OpAwaitPid:
		m.runShell("wait "+m.substitute(str(in.A)), false)

	case bytecode.OpAwaitAssign:
		m.awaitAssign(str(in.A), str(in.B))

	case bytecode.OpSetEnv:
		key, val := str(in.A), m.substitute(str(in.B))
		m.env[key] = val
		if !m.opts.DryRun {
			if err := m.exec.SetEnv(key, val); err != nil {
				log.Warningf("set env %s: %v", key, err)
			}
		}

	case bytecode.OpSetLocal:
		val := str(in.B)
		if !in.Raw {
			val = m.substitute(val)
		}
		m.setLocal(str(in.A), val, in.Raw)

	case bytecode.OpSetConst:
		m.setConst(str(in.A), m.substitute(str(in.B)))

	case bytecode.OpSetOut:
		m.hlOut = m.substitute(str(in.A))
		// The caller reads the value back through $_HL_OUT, so it is
		// exported to the session as well as kept in the out slot.
		m.env["_HL_OUT"] = m.hlOut
		if !m.opts.DryRun {
			if err := m.exec.SetEnv("_HL_OUT", m.hlOut); err != nil {
				log.Warningf("set out: %v", err)
			}
		}

	case bytecode.OpLock:
		m.lock(str(in.A), m.substitute(str(in.B)))

	case bytecode.OpUnlock:
		delete(m.heap, str(in.A))

	case bytecode.OpAssert:
		m.assert(in)

	case bytecode.OpPlugin:
		m.runPlugin(str(in.A), m.substitute(str(in.B)), in.Sudo)

	default:
		log.Errorf("instruction %s cannot run outside the dispatch loop", in.Op)
	}
}

// runShell executes command text, honoring dry-run mode.
func (m *VM) runShell(cmd string, sudo bool) int {
	if m.opts.DryRun {
		fmt.Fprintln(os.Stdout, "[dry-run] "+cmd)
		return 0
	}
	code, err := m.exec.Exec(cmd, sudo)
	if err != nil {
		log.Errorf("exec: %v", err)
		return -1
	}
	if code != 0 {
		log.Debugf("command exited %d: %s", code, cmd)
	}
	return code
}

// evalCond evaluates substituted condition text. Dry-run walks every
// guarded block instead of asking the shell.
func (m *VM) evalCond(cond string, sudo bool) bool {
	if m.opts.DryRun {
		fmt.Fprintln(os.Stdout, "[dry-run] cond "+cond)
		return true
	}
	ok, err := m.exec.EvalCond(cond, sudo)
	if err != nil {
		log.Warningf("condition %q: %v", cond, err)
		return false
	}
	return ok
}

// awaitAssign captures the result of a finished job or expression.
func (m *VM) awaitAssign(key, expr string) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "."):
		// Function result travels through the out slot.
		m.CallFunc(expr)
		m.setLocal(key, m.hlOut, false)
	case strings.HasPrefix(expr, "$"):
		pid := m.substitute(expr)
		m.runShell(fmt.Sprintf("wait %s; export %s=$?", pid, key), false)
		m.exec.InvalidateConds()
	default:
		m.runShell(fmt.Sprintf("export %s=$( %s )", key, m.substitute(expr)), false)
		m.exec.InvalidateConds()
	}
}

// setLocal stores a local variable in the managed heap.
func (m *VM) setLocal(key, val string, raw bool) {
	if lv, ok := m.locals[key]; ok {
		m.gcol.Update(lv.handle, []byte(val))
		lv.raw = raw
		m.locals[key] = lv
	} else {
		m.locals[key] = localVal{handle: m.gcol.Alloc([]byte(val)), raw: raw}
	}
	m.exec.InvalidateConds()
	m.maybeCollect()
}

// localValue resolves a local through its handle.
func (m *VM) localValue(key string) (string, bool) {
	lv, ok := m.locals[key]
	if !ok {
		return "", false
	}
	data, ok := m.gcol.Get(lv.handle)
	if !ok {
		return "", false
	}
	return string(data), true
}

// setConst stores a constant as an exported variable. Reassignment
// warns and keeps the first value.
func (m *VM) setConst(key, val string) {
	if _, ok := m.constKeys[key]; ok {
		log.Warningf("constant %s already set, ignoring reassignment", key)
		return
	}
	m.constKeys[key] = struct{}{}
	m.env[key] = val
	if !m.opts.DryRun {
		if err := m.exec.SetEnv(key, val); err != nil {
			log.Warningf("set const %s: %v", key, err)
		}
	}
}

// lock reserves a named heap block. A numeric value is a size in
// bytes; anything else is stored verbatim.
func (m *VM) lock(key, val string) {
	if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n >= 0 {
		m.heap[key] = make([]byte, n)
		return
	}
	m.heap[key] = []byte(val)
}

// assert evaluates a condition and stops the program with exit code 1
// when it does not hold.
func (m *VM) assert(in *bytecode.Instr) {
	cond := executor.WrapCond(m.substitute(m.prog.Str(in.A)))
	if m.opts.DryRun {
		fmt.Fprintln(os.Stdout, "[dry-run] assert "+cond)
		return
	}
	ok, err := m.exec.EvalCond(cond, false)
	if err != nil {
		log.Warningf("assert %q: %v", cond, err)
	}
	if ok {
		return
	}
	if in.HasMsg {
		log.Errorf("assertion failed: %s", m.prog.Str(in.B))
	} else {
		log.Errorf("assertion failed: %s", cond)
	}
	m.exitCode = 1
	m.exited = true
}
