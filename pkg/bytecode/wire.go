package bytecode

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Magic bytes for serialized programs: "HLBC".
var Magic = []byte{'H', 'L', 'B', 'C'}

// cborEncMode uses canonical mode so identical programs always encode
// to identical bytes; the cache compares encodings directly.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a Program: the magic header followed by the
// canonical CBOR encoding.
func Marshal(p *Program) ([]byte, error) {
	body, err := cborEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bytecode: marshal program: %w", err)
	}
	out := make([]byte, 0, len(Magic)+len(body))
	out = append(out, Magic...)
	out = append(out, body...)
	return out, nil
}

// Unmarshal deserializes a Program, checking the magic header and the
// schema version, and rebuilds the pool index.
func Unmarshal(data []byte) (*Program, error) {
	if !bytes.HasPrefix(data, Magic) {
		return nil, fmt.Errorf("bytecode: bad magic")
	}
	var p Program
	if err := cbor.Unmarshal(data[len(Magic):], &p); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal program: %w", err)
	}
	if p.Schema != SchemaVersion {
		return nil, fmt.Errorf("bytecode: schema v%d, want v%d", p.Schema, SchemaVersion)
	}
	if p.Pool == nil {
		p.Pool = NewStringPool()
	}
	p.Pool.RebuildIndex()
	if p.Functions == nil {
		p.Functions = make(map[string]int)
	}
	return &p, nil
}
