package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hackeros/hl/jit"
)

// The VM is the runtime surface compiled code calls back into.
var _ jit.Backend = (*VM)(nil)

// Exec runs command text on behalf of compiled code. Substitution
// happens here since native code carries the raw pool string.
func (m *VM) Exec(cmd string, sudo bool) int {
	return m.runShell(m.substitute(cmd), sudo)
}

// EvalCond evaluates a condition on behalf of compiled code.
func (m *VM) EvalCond(cond string, sudo bool) bool {
	return m.evalCond(m.substitute(cond), sudo)
}

// SetEnv exports a variable on behalf of compiled code.
func (m *VM) SetEnv(key, val string) {
	val = m.substitute(val)
	m.env[key] = val
	if !m.opts.DryRun {
		if err := m.exec.SetEnv(key, val); err != nil {
			log.Warningf("set env %s: %v", key, err)
		}
	}
}

// SetLocal stores a local on behalf of compiled code. Raw stores
// never reach here; the compiler routes them through Fallback.
func (m *VM) SetLocal(key, val string) {
	m.setLocal(key, m.substitute(val), false)
}

// Fallback interprets a single instruction by absolute index for
// compiled code that does not lower it natively.
func (m *VM) Fallback(ip int) {
	if ip < 0 || ip >= len(m.prog.Ops) {
		log.Errorf("fallback index %d out of range", ip)
		return
	}
	m.execInstr(ip)
}

// ExitRequested reports a pending exit to the native call boundary.
func (m *VM) ExitRequested() (int, bool) {
	return m.exitCode, m.exited
}

// runPlugin resolves a plugin under the plugins root and executes it:
// a binary directly, a .hl source through a fresh interpreter run.
func (m *VM) runPlugin(name, args string, sudo bool) {
	root := m.opts.PluginsRoot
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Errorf("plugin %s: no home dir: %v", name, err)
			return
		}
		root = filepath.Join(home, ".hackeros", "hacker-lang", "plugins")
	}

	binPath := filepath.Join(root, name)
	if st, err := os.Stat(binPath); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
		m.runShell(joinCmd(binPath, args), sudo)
		return
	}
	srcPath := binPath + ".hl"
	if _, err := os.Stat(srcPath); err == nil {
		self, err := os.Executable()
		if err != nil {
			self = "hl"
		}
		m.runShell(joinCmd(fmt.Sprintf("%s %s", self, srcPath), args), sudo)
		return
	}
	log.Errorf("plugin %q not found under %s", name, root)
}

func joinCmd(cmd, args string) string {
	if args == "" {
		return cmd
	}
	return cmd + " " + args
}
