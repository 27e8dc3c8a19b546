//go:build !cgo || !amd64

package jit

import (
	"errors"

	"github.com/hackeros/hl/pkg/bytecode"
)

// ErrUnavailable is returned on builds without native compilation.
var ErrUnavailable = errors.New("jit: not available on this platform")

// Available reports that native compilation is disabled on this
// build; every function stays interpreted.
func Available() bool { return false }

// Func is never constructed on this build.
type Func struct{}

func compileFunc(*bytecode.Program, string, int, int) (*Func, error) {
	return nil, ErrUnavailable
}

func (f *Func) Call(Backend) (int, bool) { return 0, false }

func (f *Func) Release() {}
