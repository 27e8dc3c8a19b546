// Package bytecode defines the instruction set, interned string pool and
// program container executed by the VM, together with their disk format.
package bytecode

import "fmt"

// SchemaVersion is the current bytecode format version. A cached program
// with any other version is discarded and recompiled.
const SchemaVersion uint32 = 6

// Instr is one instruction. The meaning of A, B and Target depends on
// the opcode; see the Op constants. Jump targets and function entries
// are absolute instruction indices. For OpExit, Target carries the exit
// code instead of an index.
type Instr struct {
	Op     Op     `cbor:"o"`
	A      uint32 `cbor:"a,omitempty"` // primary string-pool id (command, condition, key, name)
	B      uint32 `cbor:"b,omitempty"` // secondary string-pool id (value, args, message)
	Target int    `cbor:"t,omitempty"` // jump destination, or exit code for OpExit
	Sudo   bool   `cbor:"s,omitempty"` // run elevated
	Raw    bool   `cbor:"r,omitempty"` // OpSetLocal: keep the value out of managed storage
	HasMsg bool   `cbor:"m,omitempty"` // OpAssert: B holds a user-supplied message
}

// StringPool interns literal text into stable small integer ids.
// Ids never change once assigned within a compilation unit.
type StringPool struct {
	Strings []string `cbor:"strings"`

	// index is rebuilt after deserialization, never persisted.
	index map[string]uint32
}

// NewStringPool returns an empty pool.
func NewStringPool() *StringPool {
	return &StringPool{
		Strings: make([]string, 0, 256),
		index:   make(map[string]uint32, 256),
	}
}

// Intern returns the id for s, assigning a new one on first sight.
func (p *StringPool) Intern(s string) uint32 {
	if p.index == nil {
		p.RebuildIndex()
	}
	if id, ok := p.index[s]; ok {
		return id
	}
	id := uint32(len(p.Strings))
	p.Strings = append(p.Strings, s)
	p.index[s] = id
	return id
}

// Get returns the text for id, or the empty string for an id that was
// never assigned.
func (p *StringPool) Get(id uint32) string {
	if int(id) >= len(p.Strings) {
		return ""
	}
	return p.Strings[id]
}

// Lookup returns the id previously assigned to s, if any.
func (p *StringPool) Lookup(s string) (uint32, bool) {
	if p.index == nil {
		p.RebuildIndex()
	}
	id, ok := p.index[s]
	return id, ok
}

// Len returns the number of interned strings.
func (p *StringPool) Len() int {
	return len(p.Strings)
}

// RebuildIndex reconstructs the text→id map after deserialization.
func (p *StringPool) RebuildIndex() {
	p.index = make(map[string]uint32, len(p.Strings))
	for i, s := range p.Strings {
		p.index[s] = uint32(i)
	}
}

// Program is a compiled bytecode unit: the instruction stream, the pool
// its string operands point into, and the function entry table.
type Program struct {
	Schema    uint32         `cbor:"schema"`
	Ops       []Instr        `cbor:"ops"`
	Functions map[string]int `cbor:"functions"` // function name → entry index
	Pool      *StringPool    `cbor:"pool"`
}

// NewProgram returns an empty program at the current schema version.
func NewProgram() *Program {
	return &Program{
		Schema:    SchemaVersion,
		Ops:       make([]Instr, 0, 128),
		Functions: make(map[string]int),
		Pool:      NewStringPool(),
	}
}

// Str resolves a string-pool id.
func (p *Program) Str(id uint32) string {
	return p.Pool.Get(id)
}

// Emit appends an instruction and returns its index.
func (p *Program) Emit(in Instr) int {
	idx := len(p.Ops)
	p.Ops = append(p.Ops, in)
	return idx
}

// Validate checks the structural invariants the optimizer and the cache
// rely on: every jump target and function entry is a valid instruction
// index no greater than the program length.
func (p *Program) Validate() error {
	n := len(p.Ops)
	for i, in := range p.Ops {
		if in.Op.IsJump() && (in.Target < 0 || in.Target > n) {
			return &InvalidTargetError{Index: i, Target: in.Target, Len: n}
		}
	}
	for name, entry := range p.Functions {
		if entry < 0 || entry > n {
			return &InvalidEntryError{Name: name, Entry: entry, Len: n}
		}
	}
	return nil
}

// InvalidTargetError reports a jump whose target lies outside the program.
type InvalidTargetError struct {
	Index  int
	Target int
	Len    int
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("bytecode: instruction %d jumps to %d, program length %d",
		e.Index, e.Target, e.Len)
}

// InvalidEntryError reports a function entry outside the program.
type InvalidEntryError struct {
	Name  string
	Entry int
	Len   int
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("bytecode: function %s enters at %d, program length %d",
		e.Name, e.Entry, e.Len)
}
