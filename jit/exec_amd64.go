//go:build cgo && amd64

package jit

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct hl_ctx {
	int (*exec)(void* ctx, const char* cmd, int sudo);
	int (*cond)(void* ctx, const char* cond, int sudo);
	int (*set_env)(void* ctx, const char* key, const char* val);
	int (*set_local)(void* ctx, const char* key, const char* val);
	int (*call_func)(void* ctx, const char* name);
	int (*assert_cond)(void* ctx, const char* cond, const char* msg);
	int (*fallback)(void* ctx, int ip);
	uintptr_t handle;
	int32_t exit_code;
	uint8_t should_exit;
} hl_ctx;

extern int hlExec(void* ctx, char* cmd, int sudo);
extern int hlCond(void* ctx, char* cond, int sudo);
extern int hlSetEnv(void* ctx, char* key, char* val);
extern int hlSetLocal(void* ctx, char* key, char* val);
extern int hlCallFunc(void* ctx, char* name);
extern int hlAssert(void* ctx, char* cond, char* msg);
extern int hlFallback(void* ctx, int ip);

static void hl_fill_ctx(hl_ctx* c) {
	c->exec        = (int (*)(void*, const char*, int))hlExec;
	c->cond        = (int (*)(void*, const char*, int))hlCond;
	c->set_env     = (int (*)(void*, const char*, const char*))hlSetEnv;
	c->set_local   = (int (*)(void*, const char*, const char*))hlSetLocal;
	c->call_func   = (int (*)(void*, const char*))hlCallFunc;
	c->assert_cond = (int (*)(void*, const char*, const char*))hlAssert;
	c->fallback    = (int (*)(void*, int))hlFallback;
	c->handle      = 0;
	c->exit_code   = 0;
	c->should_exit = 0;
}

static void hl_call(void* code, hl_ctx* c) {
	((void (*)(hl_ctx*))code)(c);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hackeros/hl/pkg/bytecode"
)

// Available reports that native compilation works on this build.
func Available() bool { return true }

// Func is one compiled function: an executable mapping plus pinned C
// copies of every pool string it references.
type Func struct {
	name string
	code []byte
	strs map[uint32]unsafe.Pointer
}

func freeStrs(strs map[uint32]unsafe.Pointer) {
	for _, p := range strs {
		C.free(p)
	}
}

// compileFunc emits and maps the body [start, end) of a named
// function. The mapping is written first, then flipped to
// read-execute; it is never writable and executable at once.
func compileFunc(prog *bytecode.Program, name string, start, end int) (*Func, error) {
	strs := make(map[uint32]unsafe.Pointer)
	pin := func(id uint32) uintptr {
		if p, ok := strs[id]; ok {
			return uintptr(p)
		}
		p := unsafe.Pointer(C.CString(prog.Str(id)))
		strs[id] = p
		return uintptr(p)
	}

	codeBytes, err := EmitFunc(prog.Ops[start:end], start, pin)
	if err != nil {
		freeStrs(strs)
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, len(codeBytes),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		freeStrs(strs)
		return nil, fmt.Errorf("jit: mmap: %w", err)
	}
	copy(mem, codeBytes)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		freeStrs(strs)
		return nil, fmt.Errorf("jit: mprotect: %w", err)
	}

	return &Func{name: name, code: mem, strs: strs}, nil
}

// Call runs the compiled function against a backend. It returns the
// requested exit code and whether the program should stop.
func (f *Func) Call(b Backend) (int, bool) {
	h := registerBackend(b)
	defer unregisterBackend(h)

	var ctx C.hl_ctx
	C.hl_fill_ctx(&ctx)
	ctx.handle = C.uintptr_t(h)
	C.hl_call(unsafe.Pointer(&f.code[0]), &ctx)
	return int(ctx.exit_code), ctx.should_exit != 0
}

// Release unmaps the code and frees the pinned strings.
func (f *Func) Release() {
	unix.Munmap(f.code)
	f.code = nil
	freeStrs(f.strs)
	f.strs = nil
}
