package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hl.executor")

// ErrCondTimeout is returned when a condition does not report within
// the condition deadline.
var ErrCondTimeout = errors.New("executor: condition evaluation timed out")

const (
	// DefaultExecTimeout bounds one command in a session.
	DefaultExecTimeout = 30 * time.Second
	// DefaultCondTimeout bounds one condition evaluation.
	DefaultCondTimeout = 5 * time.Second
	// envSyncTimeout bounds the round trip for an export.
	envSyncTimeout = 500 * time.Millisecond

	// timeoutExitCode mirrors the shell convention for killed-by-deadline.
	timeoutExitCode = 124
)

// Manager owns the persistent sessions, one normal and one elevated,
// plus the condition cache and metrics. Methods are not safe for
// concurrent use; the interpreter is single threaded.
type Manager struct {
	Shell       ShellKind
	ExecTimeout time.Duration
	CondTimeout time.Duration

	normal *Session
	sudo   *Session

	conds   *condCache
	metrics Metrics
}

func NewManager(shell ShellKind) *Manager {
	return &Manager{
		Shell:       shell,
		ExecTimeout: DefaultExecTimeout,
		CondTimeout: DefaultCondTimeout,
		conds:       newCondCache(),
	}
}

// session returns a live session, starting or respawning as needed.
func (m *Manager) session(sudo bool) (*Session, error) {
	slot := &m.normal
	if sudo {
		slot = &m.sudo
	}
	if *slot != nil && (*slot).Alive() {
		return *slot, nil
	}
	if *slot != nil {
		log.Warningf("session %s died, respawning", (*slot).ID)
		m.metrics.restarts.Add(1)
	}
	s, err := newSession(m.Shell, sudo)
	if err != nil {
		return nil, err
	}
	*slot = s
	log.Debugf("session %s started (shell=%s sudo=%v)", s.ID, m.Shell, sudo)
	return s, nil
}

// dropSession abandons a session after a timeout. The child is not
// killed; it exits on its own once stdin is closed and the current
// command finishes.
func (m *Manager) dropSession(sudo bool) {
	slot := &m.normal
	if sudo {
		slot = &m.sudo
	}
	if *slot != nil {
		(*slot).Close()
		*slot = nil
		m.metrics.restarts.Add(1)
	}
}

// Exec runs a command in the persistent session and returns its exit
// code. Program output streams to stdout as it arrives. A command
// exceeding the exec deadline is abandoned and reports exit code 124.
func (m *Manager) Exec(cmd string, sudo bool) (int, error) {
	return m.execTimed(adaptPosix(m.Shell, cmd), sudo, m.ExecTimeout)
}

func (m *Manager) execTimed(cmd string, sudo bool, timeout time.Duration) (int, error) {
	m.metrics.execs.Add(1)
	start := time.Now()
	defer func() { m.metrics.ipcNanos.Add(time.Since(start).Nanoseconds()) }()

	s, err := m.session(sudo)
	if err != nil {
		return m.execFallback(cmd, sudo)
	}
	if err := s.send(cmd + "\necho " + execSentinel + ":$?"); err != nil {
		log.Warningf("%v", err)
		return m.execFallback(cmd, sudo)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case l, ok := <-s.lines:
			if !ok {
				// Shell died mid-command.
				return m.execFallback(cmd, sudo)
			}
			switch l.kind {
			case lineOutput:
				fmt.Fprintln(os.Stdout, l.text)
			case lineExecDone:
				return l.code, nil
			case lineCondResult:
				// Stale result from an abandoned condition; skip.
			}
		case <-timer.C:
			m.metrics.timeouts.Add(1)
			log.Warningf("command exceeded %v, abandoning session %s: %s", timeout, s.ID, cmd)
			m.dropSession(sudo)
			return timeoutExitCode, nil
		}
	}
}

// execFallback runs a command in a one-shot shell when no session can
// be kept. Session state (exports, cwd) does not carry over.
func (m *Manager) execFallback(cmd string, sudo bool) (int, error) {
	m.metrics.fallbacks.Add(1)
	path, err := m.Shell.Path()
	if err != nil {
		return -1, err
	}
	var c *exec.Cmd
	if sudo {
		c = exec.Command("sudo", path, "-c", cmd)
	} else {
		c = exec.Command(path, "-c", cmd)
	}
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executor: fallback exec: %w", err)
	}
	return 0, nil
}

// EvalCond evaluates a shell condition and reports the boolean result.
// Results are memoized until the next variable write.
func (m *Manager) EvalCond(cond string, sudo bool) (bool, error) {
	cond = adaptCondPosix(m.Shell, cond)
	if v, ok := m.conds.get(cond); ok {
		m.metrics.condCacheHits.Add(1)
		return v, nil
	}
	m.metrics.conds.Add(1)

	s, err := m.session(sudo)
	if err != nil {
		return false, err
	}
	script := fmt.Sprintf("if %s; then echo %s:0; else echo %s:1; fi", cond, condSentinel, condSentinel)
	if err := s.send(script); err != nil {
		return false, err
	}

	timer := time.NewTimer(m.CondTimeout)
	defer timer.Stop()
	for {
		select {
		case l, ok := <-s.lines:
			if !ok {
				return false, fmt.Errorf("executor: session died evaluating condition %q", cond)
			}
			switch l.kind {
			case lineOutput:
				fmt.Fprintln(os.Stdout, l.text)
			case lineCondResult:
				result := l.code == 0
				m.conds.put(cond, result)
				return result, nil
			case lineExecDone:
				// Stale exec sentinel; skip.
			}
		case <-timer.C:
			m.metrics.timeouts.Add(1)
			m.dropSession(sudo)
			return false, ErrCondTimeout
		}
	}
}

// SetEnv exports a variable into both present sessions so later
// commands observe it, and invalidates memoized conditions. The
// export round trip has a short deadline of its own.
func (m *Manager) SetEnv(key, val string) error {
	m.InvalidateConds()
	cmd := fmt.Sprintf("export %s=%s", key, ShellEscape(val))
	code, err := m.execTimed(cmd, false, envSyncTimeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("executor: export %s failed with code %d", key, code)
	}
	if m.sudo != nil && m.sudo.Alive() {
		if _, err := m.execTimed(cmd, true, envSyncTimeout); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateConds clears memoized condition results. Called on any
// write that could change what a condition observes.
func (m *Manager) InvalidateConds() {
	m.conds.clear()
}

// Metrics returns a snapshot of the executor counters.
func (m *Manager) Metrics() MetricsSnapshot {
	return m.metrics.snapshot()
}

// Close shuts down both sessions.
func (m *Manager) Close() {
	if m.normal != nil {
		m.normal.Close()
		m.normal = nil
	}
	if m.sudo != nil {
		m.sudo.Close()
		m.sudo = nil
	}
}
