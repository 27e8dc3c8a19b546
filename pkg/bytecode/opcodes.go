package bytecode

import "fmt"

// Op identifies a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Op uint8

const (
	// ========================================================================
	// Misc (0x00-0x0F)
	// ========================================================================

	OpNop Op = 0x00 // No operation; inserted by the optimizer, removed by compaction

	// ========================================================================
	// Process execution (0x10-0x1F)
	// ========================================================================

	OpExec        Op = 0x10 // Run shell text A through the session
	OpSpawnBg     Op = 0x11 // Run shell text A in the background, fire and forget
	OpSpawnAssign Op = 0x12 // Run shell text B in the background, assign $! to local A
	OpAwaitPid    Op = 0x13 // Wait on expression A (pid, function call, or shell text)
	OpAwaitAssign Op = 0x14 // Wait on expression B, assign the result to local A
	OpPlugin      Op = 0x15 // Run plugin A with argument string B

	// ========================================================================
	// Variables (0x20-0x2F)
	// ========================================================================

	OpSetEnv   Op = 0x20 // Export env var A = B after substitution
	OpSetLocal Op = 0x21 // Set local A = B; Raw skips collector-managed storage
	OpSetConst Op = 0x22 // Like OpSetEnv, but A is remembered as immutable
	OpSetOut   Op = 0x23 // Record A as the current function's return value (_HL_OUT)
	OpLock     Op = 0x24 // Allocate heap block named A of B bytes
	OpUnlock   Op = 0x25 // Release heap block named A

	// ========================================================================
	// Control flow (0x80-0x8F)
	// ========================================================================

	OpJump        Op = 0x80 // Unconditional jump to absolute index Target
	OpJumpIfFalse Op = 0x81 // Evaluate condition A; jump to Target when false
	OpCall        Op = 0x82 // Call function named A; push return address
	OpReturn      Op = 0x83 // Pop return address, or terminate at top level
	OpExit        Op = 0x84 // Terminate with exit code Target
	OpAssert      Op = 0x85 // Evaluate condition A; on failure report B and exit 1
)

// OpInfo provides metadata about each opcode for the disassembler and
// for structural validation.
type OpInfo struct {
	Name      string // Mnemonic
	HasA      bool   // A operand is a string-pool id
	HasB      bool   // B operand is a string-pool id
	HasTarget bool   // Target is an absolute instruction index
}

var opInfoTable = map[Op]OpInfo{
	OpNop: {"NOP", false, false, false},

	OpExec:        {"EXEC", true, false, false},
	OpSpawnBg:     {"SPAWN", true, false, false},
	OpSpawnAssign: {"SPAWNA", true, true, false},
	OpAwaitPid:    {"AWAIT", true, false, false},
	OpAwaitAssign: {"AWAITA", true, true, false},
	OpPlugin:      {"PLGN", true, true, false},

	OpSetEnv:   {"SENV", true, true, false},
	OpSetLocal: {"SLOC", true, true, false},
	OpSetConst: {"SCONST", true, true, false},
	OpSetOut:   {"OUT", true, false, false},
	OpLock:     {"LOCK", true, true, false},
	OpUnlock:   {"ULCK", true, false, false},

	OpJump:        {"JMP", false, false, true},
	OpJumpIfFalse: {"JIF", true, false, true},
	OpCall:        {"CALL", true, false, false},
	OpReturn:      {"RET", false, false, false},
	OpExit:        {"EXIT", false, false, false},
	OpAssert:      {"ASSERT", true, true, false},
}

// Info returns metadata for an opcode. Unknown opcodes get a synthetic
// UNKNOWN entry rather than an error.
func (op Op) Info() OpInfo {
	if info, ok := opInfoTable[op]; ok {
		return info
	}
	return OpInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", uint8(op))}
}

// String returns the opcode mnemonic.
func (op Op) String() string {
	return op.Info().Name
}

// IsJump reports whether the instruction's Target field is a jump
// destination that compaction must remap.
func (op Op) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse
}

// IsTerminator reports whether the instruction ends a control path.
func (op Op) IsTerminator() bool {
	return op == OpReturn || op == OpExit
}

// AllOps returns every defined opcode. Useful for testing that all
// opcodes carry metadata.
func AllOps() []Op {
	ops := make([]Op, 0, len(opInfoTable))
	for op := range opInfoTable {
		ops = append(ops, op)
	}
	return ops
}
