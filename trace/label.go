package trace

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ValueView is one decoded byte range of a slot value: the raw sliced hex
// plus a human-readable rendering when the declared type allows one.
type ValueView struct {
	Hex     hexutil.Bytes `json:"hex"`
	Decoded string        `json:"decoded,omitempty"`
}

// Access is one trace entry of a labeled variable: the value pair limited to
// the variable's own byte range, the canonical path expression, and the raw
// slots that produced it. Entries are append-only per variable name.
type Access struct {
	Current  ValueView     `json:"current"`
	Next     *ValueView    `json:"next,omitempty"`
	Modified bool          `json:"modified"`
	Path     string        `json:"path"`
	Segments []PathSegment `json:"segments,omitempty"`
	Slots    []common.Hash `json:"slots"`
	Note     string        `json:"note,omitempty"`
}

// FieldDiff is the current/next pair of one intrinsic account field.
type FieldDiff struct {
	Current  string `json:"current"`
	Next     string `json:"next,omitempty"`
	Modified bool   `json:"modified"`
}

// IntrinsicDiff maps intrinsic field names (balance, nonce, code, codeHash,
// storageRoot) to their diffs.
type IntrinsicDiff map[string]FieldDiff

// Result is the assembled output of one call: per address, the accesses
// grouped by variable name plus the intrinsic field diffs, and the matching
// statistics for audit.
type Result struct {
	Storage   map[common.Address]map[string][]*Access `json:"storage"`
	Intrinsic map[common.Address]IntrinsicDiff        `json:"intrinsic,omitempty"`
	Stats     Stats                                   `json:"stats"`
}

// buildAccess merges one match verdict with the observation's raw values,
// slicing and comparing only the byte range the match claims so packed
// neighbours stay independent.
func buildAccess(match *SlotMatch, o *SlotObservation) *Access {
	cur := sliceWord(*o.Current, match.Offset, match.Size)
	decoded, note := decodeValue(match.Type, cur)
	a := &Access{
		Current:  ValueView{Hex: append(hexutil.Bytes(nil), cur...), Decoded: decoded},
		Path:     renderPath(match.Name, match.Path),
		Segments: match.Path,
		Slots:    []common.Hash{match.Slot},
		Note:     joinNote(match.Note, note),
	}
	if o.Next != nil {
		next := sliceWord(*o.Next, match.Offset, match.Size)
		nextDecoded, _ := decodeValue(match.Type, next)
		a.Next = &ValueView{Hex: append(hexutil.Bytes(nil), next...), Decoded: nextDecoded}
		a.Modified = !bytes.Equal(cur, next)
	}
	return a
}

// sliceWord extracts a packed variable's byte range from a 32-byte word.
// Offsets count from the least significant byte, the way the compiler packs.
func sliceWord(w common.Hash, offset, size uint64) []byte {
	if size == 0 || offset+size > 32 {
		return w.Bytes()
	}
	end := 32 - offset
	return w[end-size : end]
}

// renderPath builds the canonical access expression from the resolved path
// chain, e.g. balances[0xab..][0xcd..], arr[2], s.field, arr.length.
func renderPath(name string, segments []PathSegment) string {
	var b strings.Builder
	b.WriteString(name)
	for _, seg := range segments {
		switch seg.Kind {
		case SegmentKey:
			b.WriteByte('[')
			b.WriteString(renderKey(seg))
			b.WriteByte(']')
		case SegmentIndex:
			fmt.Fprintf(&b, "[%d]", seg.Index)
		case SegmentField:
			b.WriteByte('.')
			b.WriteString(seg.Field)
		case SegmentLength:
			b.WriteString(".length")
		}
	}
	return b.String()
}

// renderKey renders a proven mapping key by its declared type, falling back
// to the raw 32-byte word.
func renderKey(seg PathSegment) string {
	if decoded, _ := decodeValue(seg.KeyType, seg.Key.Bytes()); decoded != "" {
		return decoded
	}
	return seg.Key.Hex()
}

// decodeValue renders a sliced value by its solidity type label. The second
// return is an explanatory note, used for long bytes/string values whose
// content lives behind a hash and is a declared resolution gap.
func decodeValue(typ string, b []byte) (string, string) {
	switch {
	case typ == "":
		return "", ""
	case typ == "address" || strings.HasPrefix(typ, "contract "):
		return common.BytesToAddress(b).Hex(), ""
	case typ == "bool":
		for _, c := range b {
			if c != 0 {
				return "true", ""
			}
		}
		return "false", ""
	case typ == "string" || typ == "bytes":
		return decodeShortBytes(typ, b)
	case strings.HasPrefix(typ, "uint") || strings.HasPrefix(typ, "enum "):
		return new(big.Int).SetBytes(b).String(), ""
	case strings.HasPrefix(typ, "int"):
		return decodeSigned(b), ""
	case strings.HasPrefix(typ, "bytes"):
		return hexutil.Encode(b), ""
	}
	return "", ""
}

// decodeSigned interprets b as a two's-complement signed integer of
// len(b)*8 bits.
func decodeSigned(b []byte) string {
	v := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return v.String()
}

// decodeShortBytes decodes the inline bytes/string slot encoding: an even
// lowest byte means the value is short and stored in place with length
// lastByte/2; an odd lowest byte means the slot holds length*2+1 and the
// content lives at keccak(slot). Long content is reported, never guessed.
func decodeShortBytes(typ string, b []byte) (string, string) {
	if len(b) != 32 {
		return "", ""
	}
	last := b[31]
	if last%2 == 0 {
		n := uint64(last) / 2
		if n > 31 {
			return "", "malformed inline bytes length"
		}
		content := b[:n]
		if typ == "string" && isPrintable(content) {
			return strconv.Quote(string(content)), ""
		}
		return hexutil.Encode(content), ""
	}
	var length big.Int
	length.SetBytes(b)
	length.Sub(&length, big.NewInt(1))
	length.Rsh(&length, 1)
	return fmt.Sprintf("<%s bytes>", length.String()),
		"long value: content stored starting at keccak256(slot)"
}

func isPrintable(b []byte) bool {
	for _, r := range string(b) {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// intrinsicDiff renders one account's intrinsic current/next pair as
// per-field diffs.
func intrinsicDiff(st IntrinsicState) IntrinsicDiff {
	if st.Current == nil {
		return nil
	}
	diff := make(IntrinsicDiff, 5)
	set := func(name, cur, next string, hasNext bool) {
		d := FieldDiff{Current: cur}
		if hasNext {
			d.Next = next
			d.Modified = cur != next
		}
		diff[name] = d
	}
	cur, next := st.Current, st.Next
	bal := func(f *AccountFields) string {
		if f.Balance == nil {
			return "0"
		}
		return f.Balance.Dec()
	}
	if next != nil {
		set("balance", bal(cur), bal(next), true)
		set("nonce", strconv.FormatUint(cur.Nonce, 10), strconv.FormatUint(next.Nonce, 10), true)
		set("code", hexutil.Encode(cur.Code), hexutil.Encode(next.Code), true)
		set("codeHash", cur.CodeHash.Hex(), next.CodeHash.Hex(), true)
		set("storageRoot", cur.StorageRoot.Hex(), next.StorageRoot.Hex(), true)
	} else {
		set("balance", bal(cur), "", false)
		set("nonce", strconv.FormatUint(cur.Nonce, 10), "", false)
		set("code", hexutil.Encode(cur.Code), "", false)
		set("codeHash", cur.CodeHash.Hex(), "", false)
		set("storageRoot", cur.StorageRoot.Hex(), "", false)
	}
	return diff
}
