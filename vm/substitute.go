package vm

import (
	"sort"
	"strings"
)

// substitute expands ${name} and $name references to locals, then to
// program-set env variables. Anything unknown is left for the shell,
// which sees its own exported state.
func (m *VM) substitute(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	names := make([]string, 0, len(m.locals)+len(m.env))
	for k := range m.locals {
		names = append(names, k)
	}
	for k := range m.env {
		if _, shadowed := m.locals[k]; !shadowed {
			names = append(names, k)
		}
	}
	// Longer names first so $FOO_BAR is never clipped by $FOO.
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	for _, name := range names {
		if !strings.Contains(s, "$") {
			break
		}
		val, ok := m.localValue(name)
		if !ok {
			val = m.env[name]
		}
		s = strings.ReplaceAll(s, "${"+name+"}", val)
		s = strings.ReplaceAll(s, "$"+name, val)
	}
	return s
}
