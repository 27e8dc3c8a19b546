package executor

import "testing"

func TestParseShellKind(t *testing.T) {
	for _, name := range []string{"bash", "zsh", "dash"} {
		k, err := ParseShellKind(name)
		if err != nil || string(k) != name {
			t.Errorf("ParseShellKind(%q) = (%v, %v)", name, k, err)
		}
	}
	if _, err := ParseShellKind("fish"); err == nil {
		t.Error("unsupported shell accepted")
	}
}

func TestInitArgs(t *testing.T) {
	if got := ShellBash.InitArgs(); len(got) != 2 || got[0] != "--norc" {
		t.Errorf("bash args = %v", got)
	}
	if got := ShellZsh.InitArgs(); len(got) != 3 || got[2] != "+Z" {
		t.Errorf("zsh args = %v", got)
	}
	if got := ShellDash.InitArgs(); got != nil {
		t.Errorf("dash args = %v", got)
	}
}

func TestDoubleBracketSupport(t *testing.T) {
	if !ShellBash.SupportsDoubleBracket() || !ShellZsh.SupportsDoubleBracket() {
		t.Error("bash/zsh should support [[ ]]")
	}
	if ShellDash.SupportsDoubleBracket() {
		t.Error("dash should not support [[ ]]")
	}
}

func TestAdaptPosix(t *testing.T) {
	in := `if [[ -f /x ]]; then echo y; fi`
	if got := adaptPosix(ShellBash, in); got != in {
		t.Errorf("bash text rewritten: %q", got)
	}
	want := `if [ -f /x ]; then echo y; fi`
	if got := adaptPosix(ShellDash, in); got != want {
		t.Errorf("dash text = %q, want %q", got, want)
	}
}

func TestAdaptCondPosix(t *testing.T) {
	in := `[[ $X == 1 ]]`
	if got := adaptCondPosix(ShellDash, in); got != `[ $X = 1 ]` {
		t.Errorf("dash cond = %q", got)
	}
	if got := adaptCondPosix(ShellBash, in); got != in {
		t.Errorf("bash cond rewritten: %q", got)
	}
}

func TestWrapCond(t *testing.T) {
	cases := []struct{ in, want string }{
		{"$X == 1", "[[ $X == 1 ]]"},
		{"-f /etc/hosts", "[[ -f /etc/hosts ]]"},
		{"[[ $X == 1 ]]", "[[ $X == 1 ]]"},
		{"[ -n $Y ]", "[ -n $Y ]"},
		{"  [[ $Z ]]", "  [[ $Z ]]"},
	}
	for _, tc := range cases {
		if got := WrapCond(tc.in); got != tc.want {
			t.Errorf("WrapCond(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestShellEscape(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tc := range cases {
		if got := ShellEscape(tc.in); got != tc.want {
			t.Errorf("ShellEscape(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
