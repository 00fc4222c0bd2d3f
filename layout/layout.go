// Package layout turns compiler-emitted storage layout metadata into
// immutable, queryable slot-arithmetic descriptors. A compiled Layout is
// built once per contract address and shared read-only across concurrent
// trace invocations; nothing in this package mutates after construction.
package layout

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Kind classifies a storage variable by how its slots are derived.
type Kind int

const (
	Primitive Kind = iota
	Mapping
	StaticArray
	DynamicArray
	Struct
	Bytes // bytes and string share one encoding
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Primitive:
		return "primitive"
	case Mapping:
		return "mapping"
	case StaticArray:
		return "static_array"
	case DynamicArray:
		return "dynamic_array"
	case Struct:
		return "struct"
	case Bytes:
		return "bytes"
	}
	return "unknown"
}

// Variable describes one declared storage variable or nested member. For
// top-level variables Slot is the absolute base slot; for struct members it
// is relative to the enclosing struct's base. Variables are immutable after
// compilation.
type Variable struct {
	Label  string
	Type   string // solidity type label, e.g. "mapping(address => uint256)"
	Kind   Kind
	Slot   uint256.Int
	Offset uint64 // byte offset inside the slot (packing)
	Size   uint64 // total byte size of one value of this type

	// Mapping: declared key type label plus the value descriptor.
	KeyType string
	Value   *Variable

	// Arrays: element descriptor, plus the fixed element count for
	// static arrays.
	Elem  *Variable
	Count uint64

	// Struct: ordered member descriptors with struct-relative slots.
	Members []*Variable
}

// SlotCount returns the number of 32-byte slots one value of this type
// occupies starting at its base slot. Mappings and dynamic arrays occupy
// exactly their base slot; their derived slots are not counted here.
func (v *Variable) SlotCount() uint64 {
	if v.Kind == Mapping || v.Kind == DynamicArray {
		return 1
	}
	n := (v.Size + 31) / 32
	if n == 0 {
		n = 1
	}
	return n
}

// Bounded reports whether the variable's concrete slot set can be enumerated
// from the layout alone. Mappings and dynamic arrays derive their slots by
// hashing and are only resolvable through the matching engine's search
// passes. Long bytes/string content also lives behind a hash; Bounded still
// returns true for Bytes because the base slot (inline value or length) is
// concrete; the content slots are a declared resolution gap.
func (v *Variable) Bounded() bool {
	return v.Kind != Mapping && v.Kind != DynamicArray
}

// Slots enumerates every concrete slot the variable can occupy, counted from
// its own base slot. ok is false for unbounded kinds.
func (v *Variable) Slots() ([]uint256.Int, bool) {
	if !v.Bounded() {
		return nil, false
	}
	n := v.SlotCount()
	out := make([]uint256.Int, n)
	for i := uint64(0); i < n; i++ {
		out[i].AddUint64(&v.Slot, i)
	}
	return out, true
}

// ElemsPerSlot returns how many array elements share one slot, or 1 when an
// element occupies one or more full slots. The compiler never lets an
// element straddle a slot boundary.
func (v *Variable) ElemsPerSlot() uint64 {
	if v.Elem == nil || v.Elem.Size == 0 || v.Elem.Size >= 32 {
		return 1
	}
	return 32 / v.Elem.Size
}

// SlotHash renders a slot number as the 32-byte big-endian word used for
// hashing and observation keys.
func SlotHash(s *uint256.Int) common.Hash {
	return common.Hash(s.Bytes32())
}

// MappingSlot derives the value slot for one mapping key:
// keccak256(key ++ base), both encoded as 32-byte words.
func MappingSlot(key common.Hash, base common.Hash) common.Hash {
	return crypto.Keccak256Hash(key[:], base[:])
}

// ArrayDataSlot derives the first content slot of a dynamic array (or long
// bytes/string value): keccak256(base).
func ArrayDataSlot(base common.Hash) common.Hash {
	return crypto.Keccak256Hash(base[:])
}

// AddSlots returns base + n as a slot word, wrapping mod 2^256 like the EVM.
func AddSlots(base common.Hash, n uint64) common.Hash {
	var s uint256.Int
	s.SetBytes32(base[:])
	s.AddUint64(&s, n)
	return SlotHash(&s)
}

// SlotDistance returns observed - base mod 2^256. Callers bound-check the
// result themselves; a huge distance simply fails the bound.
func SlotDistance(base, observed common.Hash) *uint256.Int {
	var b, o, d uint256.Int
	b.SetBytes32(base[:])
	o.SetBytes32(observed[:])
	d.Sub(&o, &b)
	return &d
}
