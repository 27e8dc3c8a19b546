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
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/hackeros/hl/executor"
)

// Compiled code carries an opaque handle rather than a Go pointer,
// per the cgo pointer passing rules. The registry maps handles back
// to backends for the duration of one native call.
var backends = struct {
	sync.Mutex
	next uintptr
	m    map[uintptr]Backend
}{next: 1, m: make(map[uintptr]Backend)}

func registerBackend(b Backend) uintptr {
	backends.Lock()
	defer backends.Unlock()
	h := backends.next
	backends.next++
	backends.m[h] = b
	return h
}

func unregisterBackend(h uintptr) {
	backends.Lock()
	defer backends.Unlock()
	delete(backends.m, h)
}

func lookupBackend(h uintptr) Backend {
	backends.Lock()
	defer backends.Unlock()
	return backends.m[h]
}

// pollExit copies a pending exit request into the context so the
// compiled code's should-exit check sees it.
func pollExit(c *C.hl_ctx, b Backend) {
	if code, stop := b.ExitRequested(); stop {
		c.exit_code = C.int32_t(code)
		c.should_exit = 1
	}
}

//export hlExec
func hlExec(p unsafe.Pointer, cmd *C.char, sudo C.int) C.int {
	c := (*C.hl_ctx)(p)
	b := lookupBackend(uintptr(c.handle))
	code := b.Exec(C.GoString(cmd), sudo != 0)
	pollExit(c, b)
	return C.int(code)
}

//export hlCond
func hlCond(p unsafe.Pointer, cond *C.char, sudo C.int) C.int {
	c := (*C.hl_ctx)(p)
	b := lookupBackend(uintptr(c.handle))
	result := b.EvalCond(C.GoString(cond), sudo != 0)
	pollExit(c, b)
	if result {
		return 1
	}
	return 0
}

//export hlSetEnv
func hlSetEnv(p unsafe.Pointer, key, val *C.char) C.int {
	c := (*C.hl_ctx)(p)
	b := lookupBackend(uintptr(c.handle))
	b.SetEnv(C.GoString(key), C.GoString(val))
	pollExit(c, b)
	return 0
}

//export hlSetLocal
func hlSetLocal(p unsafe.Pointer, key, val *C.char) C.int {
	c := (*C.hl_ctx)(p)
	b := lookupBackend(uintptr(c.handle))
	b.SetLocal(C.GoString(key), C.GoString(val))
	pollExit(c, b)
	return 0
}

//export hlCallFunc
func hlCallFunc(p unsafe.Pointer, name *C.char) C.int {
	c := (*C.hl_ctx)(p)
	b := lookupBackend(uintptr(c.handle))
	b.CallFunc(C.GoString(name))
	pollExit(c, b)
	return 0
}

//export hlAssert
func hlAssert(p unsafe.Pointer, cond, msg *C.char) C.int {
	c := (*C.hl_ctx)(p)
	b := lookupBackend(uintptr(c.handle))
	wrapped := executor.WrapCond(C.GoString(cond))
	if b.EvalCond(wrapped, false) {
		pollExit(c, b)
		return 0
	}
	if msg != nil {
		log.Errorf("assertion failed: %s", C.GoString(msg))
	} else {
		log.Errorf("assertion failed: %s", wrapped)
	}
	c.exit_code = 1
	c.should_exit = 1
	return 1
}

//export hlFallback
func hlFallback(p unsafe.Pointer, ip C.int) C.int {
	c := (*C.hl_ctx)(p)
	b := lookupBackend(uintptr(c.handle))
	b.Fallback(int(ip))
	pollExit(c, b)
	return 0
}
