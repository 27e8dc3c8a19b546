// Package executor runs program commands through persistent shell
// sessions. A session is one long-lived shell child; commands are
// written to its stdin and completion is detected through sentinel
// lines on stdout, so shell state (exports, cwd, aliases) survives
// across commands.
package executor

import (
	"fmt"
	"os/exec"
	"strings"
)

// ShellKind selects the backing shell for sessions.
type ShellKind string

const (
	ShellBash ShellKind = "bash"
	ShellZsh  ShellKind = "zsh"
	ShellDash ShellKind = "dash"
)

// ParseShellKind validates a user-supplied shell name.
func ParseShellKind(name string) (ShellKind, error) {
	switch ShellKind(name) {
	case ShellBash, ShellZsh, ShellDash:
		return ShellKind(name), nil
	}
	return "", fmt.Errorf("executor: unsupported shell %q", name)
}

// InitArgs returns the flags that keep a session free of user rc
// files, so runs behave the same on every machine.
func (k ShellKind) InitArgs() []string {
	switch k {
	case ShellBash:
		return []string{"--norc", "--noprofile"}
	case ShellZsh:
		return []string{"--no-rcs", "--no-globalrcs", "+Z"}
	default:
		return nil
	}
}

// SupportsDoubleBracket reports whether the shell understands the
// [[ ]] test syntax. Dash is POSIX only.
func (k ShellKind) SupportsDoubleBracket() bool {
	return k == ShellBash || k == ShellZsh
}

// Path resolves the shell binary on PATH.
func (k ShellKind) Path() (string, error) {
	p, err := exec.LookPath(string(k))
	if err != nil {
		return "", fmt.Errorf("executor: shell %s not found: %w", k, err)
	}
	return p, nil
}

// adaptPosix downgrades [[ ]] tests for shells without them.
func adaptPosix(k ShellKind, cmd string) string {
	if k.SupportsDoubleBracket() {
		return cmd
	}
	cmd = strings.ReplaceAll(cmd, "[[", "[")
	return strings.ReplaceAll(cmd, "]]", "]")
}

// adaptCondPosix additionally rewrites == which POSIX test lacks.
func adaptCondPosix(k ShellKind, cond string) string {
	if k.SupportsDoubleBracket() {
		return cond
	}
	cond = adaptPosix(k, cond)
	return strings.ReplaceAll(cond, " == ", " = ")
}

// WrapCond brackets a bare comparison in [[ ]] so the shell evaluates
// it as a test. Already-bracketed conditions pass through unchanged.
func WrapCond(cond string) string {
	if strings.HasPrefix(strings.TrimSpace(cond), "[") {
		return cond
	}
	return "[[ " + cond + " ]]"
}

// ShellEscape wraps a value in single quotes for safe interpolation.
func ShellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
