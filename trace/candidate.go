package trace

import (
	"reflect"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
)

// Provenance records where a candidate key came from. It doubles as the
// matching engine's tie-break priority: addresses first, then other typed
// values, raw stack words last.
type Provenance int

const (
	FromAddress Provenance = iota
	FromArgument
	FromStack
)

// String returns a human-readable name for the provenance.
func (p Provenance) String() string {
	switch p {
	case FromAddress:
		return "address"
	case FromArgument:
		return "argument"
	case FromStack:
		return "stack"
	}
	return "unknown"
}

// Candidate is one 32-byte value that might be a mapping key or array index
// for the current call. Candidates are rebuilt per call and read-only
// thereafter.
type Candidate struct {
	Word    common.Hash
	Type    string // declared solidity type, empty for raw stack words
	Decoded string // human-readable rendering when the type is known
	Origin  Provenance
}

// ExtractCandidates gathers and ranks the candidate key words for one call:
// touched addresses (left-padded), decoded ABI arguments encoded to words
// (arrays contribute one candidate per element), and the distinct stack
// words observed at hashing/storage operation sites. Duplicates keep the
// typed entry; the returned order is the search priority, not a uniqueness
// guarantee.
func ExtractCandidates(rec *CallRecord) []Candidate {
	seen := mapset.NewThreadUnsafeSet[common.Hash]()
	out := make([]Candidate, 0, len(rec.Touched)+len(rec.Args))

	for _, addr := range rec.Touched {
		word := common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
		if !seen.Add(word) {
			continue
		}
		out = append(out, Candidate{
			Word:    word,
			Type:    "address",
			Decoded: addr.Hex(),
			Origin:  FromAddress,
		})
	}

	for _, arg := range rec.Args {
		for _, word := range encodeArgument(arg) {
			if !seen.Add(word) {
				continue
			}
			typ := arg.Type.String()
			if arg.Type.T == abi.SliceTy || arg.Type.T == abi.ArrayTy {
				typ = arg.Type.Elem.String()
			}
			decoded, _ := decodeValue(typ, word.Bytes())
			out = append(out, Candidate{
				Word:    word,
				Type:    typ,
				Decoded: decoded,
				Origin:  FromArgument,
			})
		}
	}

	for _, op := range rec.Ops {
		switch op.Op {
		case vm.KECCAK256, vm.SLOAD, vm.SSTORE:
		default:
			continue
		}
		for _, word := range op.Stack {
			if !seen.Add(word) {
				continue
			}
			out = append(out, Candidate{Word: word, Origin: FromStack})
		}
	}
	return out
}

// encodeArgument renders a decoded ABI argument as candidate key words.
// Scalars yield one word; slice and array arguments yield one word per
// element. Dynamically-sized values (string, bytes, tuples) cannot serve as
// padded mapping keys and are skipped.
func encodeArgument(arg CallArgument) []common.Hash {
	switch arg.Type.T {
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(arg.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil
		}
		elemType := *arg.Type.Elem
		words := make([]common.Hash, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if w, ok := packWord(elemType, rv.Index(i).Interface()); ok {
				words = append(words, w)
			}
		}
		return words
	default:
		if w, ok := packWord(arg.Type, arg.Value); ok {
			return []common.Hash{w}
		}
		return nil
	}
}

// packWord ABI-encodes one value-typed argument to its 32-byte word. The
// padding rules (numbers left, fixed bytes right) come from the abi package
// itself so they match what the contract hashed.
func packWord(t abi.Type, v any) (common.Hash, bool) {
	switch t.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return common.Hash{}, false
	}
	packed, err := abi.Arguments{{Type: t}}.Pack(v)
	if err != nil || len(packed) != 32 {
		log.Debug("Skipping unpackable call argument", "type", t.String(), "err", err)
		return common.Hash{}, false
	}
	return common.BytesToHash(packed), true
}
