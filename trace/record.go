// Package trace resolves raw per-slot storage observations captured during a
// contract call into named variable accesses: mapping keys, array indices,
// struct fields and packed sub-slot values. The engine is pure computation
// over already-fetched inputs; execution, RPC and ABI decoding live outside.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

var (
	// ErrMissingCurrent marks a structurally inconsistent observation: a
	// next value supplied without the matching current value.
	ErrMissingCurrent = errors.New("trace: observation has next value without current")

	// ErrDuplicateSlot marks two observations for the same slot of one
	// address within a single call.
	ErrDuplicateSlot = errors.New("trace: duplicate slot observation")

	// ErrBadBound rejects bound configuration values other than a
	// non-negative integer or the -1 sentinel.
	ErrBadBound = errors.New("trace: bound must be non-negative or -1")

	// ErrBadDepth rejects a maximum mapping depth below 1.
	ErrBadDepth = errors.New("trace: max depth must be at least 1")
)

// SlotObservation is one slot's captured current/next 32-byte value pair.
// A nil Next means the slot was only read.
type SlotObservation struct {
	Slot    common.Hash  `json:"slot"`
	Current *common.Hash `json:"current"`
	Next    *common.Hash `json:"next,omitempty"`
}

// AccountFields holds the intrinsic (non-storage) attributes of an account
// snapshot.
type AccountFields struct {
	Balance     *uint256.Int  `json:"balance,omitempty"`
	Nonce       uint64        `json:"nonce"`
	Code        hexutil.Bytes `json:"code,omitempty"`
	CodeHash    common.Hash   `json:"codeHash"`
	StorageRoot common.Hash   `json:"storageRoot"`
}

// IntrinsicState pairs the pre- and post-call intrinsic snapshots of one
// account. A nil Next means the account was only read.
type IntrinsicState struct {
	Current *AccountFields `json:"current"`
	Next    *AccountFields `json:"next,omitempty"`
}

// OpRecord is one instruction-trace entry, pre-filtered by the execution
// layer to hashing and storage-access operations, with the stack words
// observed at that site.
type OpRecord struct {
	Op    vm.OpCode
	Stack []common.Hash
}

type opRecordJSON struct {
	Op    string        `json:"op"`
	Stack []common.Hash `json:"stack"`
}

// MarshalJSON encodes the opcode by its mnemonic.
func (r OpRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(opRecordJSON{Op: r.Op.String(), Stack: r.Stack})
}

// UnmarshalJSON decodes the opcode from its mnemonic, e.g. "SSTORE".
func (r *OpRecord) UnmarshalJSON(data []byte) error {
	var raw opRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op := vm.StringToOp(strings.ToUpper(raw.Op))
	if op == 0 && !strings.EqualFold(raw.Op, "STOP") {
		return fmt.Errorf("trace: unknown opcode %q", raw.Op)
	}
	r.Op = op
	r.Stack = raw.Stack
	return nil
}

// CallArgument is one decoded ABI argument of the triggering call, carried
// with its declared type. Values are the Go representations produced by
// go-ethereum's abi unpacking (common.Address, *big.Int, bool, [N]byte,
// slices thereof).
type CallArgument struct {
	Type  abi.Type
	Value any
}

// CallRecord is the full per-call input produced by the external execution
// layer: everything the engine needs to label one call's storage accesses.
type CallRecord struct {
	// Touched lists every address touched during the call, including
	// newly created ones.
	Touched []common.Address `json:"touched"`

	// Slots holds the per-address slot observations.
	Slots map[common.Address][]SlotObservation `json:"slots"`

	// Accounts holds the per-address intrinsic current/next pairs.
	Accounts map[common.Address]IntrinsicState `json:"accounts,omitempty"`

	// Ops is the instruction trace filtered to hashing and storage
	// operations.
	Ops []OpRecord `json:"ops,omitempty"`

	// Args are the decoded ABI call arguments, when the invoked function
	// signature is known.
	Args []CallArgument `json:"-"`
}

// validate enforces the structural preconditions: every observation carries
// a current value, and no slot appears twice for one address.
func (rec *CallRecord) validate() error {
	for addr, obs := range rec.Slots {
		seen := make(map[common.Hash]bool, len(obs))
		for _, o := range obs {
			if o.Current == nil {
				return fmt.Errorf("%w: %s slot %s", ErrMissingCurrent, addr.Hex(), o.Slot.Hex())
			}
			if seen[o.Slot] {
				return fmt.Errorf("%w: %s slot %s", ErrDuplicateSlot, addr.Hex(), o.Slot.Hex())
			}
			seen[o.Slot] = true
		}
	}
	return nil
}
