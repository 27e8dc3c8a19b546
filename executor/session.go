package executor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Sentinel prefixes printed by injected shell fragments. The reader
// goroutine strips them from program output.
const (
	execSentinel = "__HL_X__"
	condSentinel = "__HL_C__"
)

// lineChanCap bounds buffered program output per session. A command
// producing output faster than it is drained blocks the shell, which
// is the same backpressure a pipe gives.
const lineChanCap = 4096

type lineKind uint8

const (
	lineOutput lineKind = iota
	lineExecDone
	lineCondResult
)

type line struct {
	kind lineKind
	text string
	code int
}

// Session is one persistent shell child. Not safe for concurrent use;
// the Manager serializes access.
type Session struct {
	ID    string
	shell ShellKind
	sudo  bool

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan line
	done  chan struct{}
}

// newSession starts a shell child and its reader goroutines.
func newSession(shell ShellKind, sudo bool) (*Session, error) {
	path, err := shell.Path()
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if sudo {
		cmd = exec.Command("sudo", append([]string{path}, shell.InitArgs()...)...)
	} else {
		cmd = exec.Command(path, shell.InitArgs()...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: start %s: %w", shell, err)
	}

	s := &Session{
		ID:    uuid.NewString(),
		shell: shell,
		sudo:  sudo,
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan line, lineChanCap),
		done:  make(chan struct{}),
	}

	go s.readStdout(stdout)
	go func() {
		// Program stderr passes straight through.
		io.Copy(os.Stderr, stderr)
	}()
	go func() {
		cmd.Wait()
		close(s.done)
	}()

	return s, nil
}

// readStdout classifies each stdout line as program output or a
// sentinel and forwards it on the line channel.
func (s *Session) readStdout(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		if rest, ok := strings.CutPrefix(text, execSentinel+":"); ok {
			code, _ := strconv.Atoi(strings.TrimSpace(rest))
			s.lines <- line{kind: lineExecDone, code: code}
			continue
		}
		if rest, ok := strings.CutPrefix(text, condSentinel+":"); ok {
			code, _ := strconv.Atoi(strings.TrimSpace(rest))
			s.lines <- line{kind: lineCondResult, code: code}
			continue
		}
		s.lines <- line{kind: lineOutput, text: text}
	}
	close(s.lines)
}

// Alive reports whether the shell child is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// send writes a command fragment to the shell's stdin.
func (s *Session) send(text string) error {
	if !s.Alive() {
		return fmt.Errorf("executor: session %s is dead", s.ID)
	}
	if _, err := io.WriteString(s.stdin, text+"\n"); err != nil {
		return fmt.Errorf("executor: write to session %s: %w", s.ID, err)
	}
	return nil
}

// Close shuts the session down by closing stdin; the shell exits on
// EOF. The child is reaped by the wait goroutine.
func (s *Session) Close() {
	s.stdin.Close()
}
