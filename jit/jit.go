package jit

import (
	"sort"

	"github.com/tliron/commonlog"

	"github.com/hackeros/hl/pkg/bytecode"
)

var log = commonlog.GetLogger("hl.jit")

// HotThreshold is the default call count at which a function is
// compiled.
const HotThreshold = 10

// Backend is the runtime surface compiled code calls back into. The
// interpreter implements it; exits requested by a callback (an exit
// statement in a callee, a failed assert) are polled after every call.
type Backend interface {
	Exec(cmd string, sudo bool) int
	EvalCond(cond string, sudo bool) bool
	SetEnv(key, val string)
	SetLocal(key, val string)
	CallFunc(name string)
	Fallback(ip int)
	ExitRequested() (code int, stop bool)
}

// Stats reports JIT activity.
type Stats struct {
	Compiled    uint64
	Failed      uint64
	NativeCalls uint64
	TotalCalls  uint64
}

// Compiler tracks per-function call counts and compiles functions
// that cross the hot threshold. One compiler serves one program.
type Compiler struct {
	prog      *bytecode.Program
	threshold int

	counts   map[string]int
	compiled map[string]*Func
	failed   map[string]struct{}
	entries  []int // sorted function entry points, for body extents

	stats Stats
}

func NewCompiler(prog *bytecode.Program, threshold int) *Compiler {
	if threshold <= 0 {
		threshold = HotThreshold
	}
	entries := make([]int, 0, len(prog.Functions))
	for _, e := range prog.Functions {
		entries = append(entries, e)
	}
	sort.Ints(entries)
	return &Compiler{
		prog:      prog,
		threshold: threshold,
		counts:    make(map[string]int),
		compiled:  make(map[string]*Func),
		failed:    make(map[string]struct{}),
		entries:   entries,
	}
}

// bodyExtent returns the half-open instruction range of the function
// starting at entry: up to the next function entry or program end.
func (c *Compiler) bodyExtent(entry int) (int, int) {
	end := len(c.prog.Ops)
	for _, e := range c.entries {
		if e > entry && e < end {
			end = e
		}
	}
	return entry, end
}

// OnCall records a call to a named function and returns its compiled
// form once hot, or nil while it stays interpreted.
func (c *Compiler) OnCall(name string) *Func {
	c.stats.TotalCalls++
	if f, ok := c.compiled[name]; ok {
		c.stats.NativeCalls++
		return f
	}
	if _, ok := c.failed[name]; ok {
		return nil
	}
	c.counts[name]++
	if c.counts[name] < c.threshold || !Available() {
		return nil
	}

	entry, ok := c.prog.Functions[name]
	if !ok {
		c.failed[name] = struct{}{}
		return nil
	}
	start, end := c.bodyExtent(entry)
	f, err := compileFunc(c.prog, name, start, end)
	if err != nil {
		log.Debugf("compile %s: %v", name, err)
		c.failed[name] = struct{}{}
		c.stats.Failed++
		return nil
	}
	log.Debugf("compiled %s (%d ops)", name, end-start)
	c.compiled[name] = f
	c.stats.Compiled++
	c.stats.NativeCalls++
	return f
}

// Stats returns a snapshot of the counters.
func (c *Compiler) Stats() Stats {
	return c.stats
}
