package trace

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestSliceWord(t *testing.T) {
	w := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000a0b0c")
	if got := sliceWord(w, 0, 1); len(got) != 1 || got[0] != 0x0c {
		t.Fatalf("offset 0 size 1: %x", got)
	}
	if got := sliceWord(w, 1, 1); len(got) != 1 || got[0] != 0x0b {
		t.Fatalf("offset 1 size 1: %x", got)
	}
	if got := sliceWord(w, 0, 32); len(got) != 32 {
		t.Fatalf("full word: %x", got)
	}
	// Out-of-range claims fall back to the whole word instead of slicing
	// garbage.
	if got := sliceWord(w, 30, 4); len(got) != 32 {
		t.Fatalf("overflowing range must return full word: %x", got)
	}
}

func TestDecodeValueScalars(t *testing.T) {
	if got, _ := decodeValue("uint256", []byte{0x0a}); got != "10" {
		t.Fatalf("uint: %q", got)
	}
	if got, _ := decodeValue("int8", []byte{0xff}); got != "-1" {
		t.Fatalf("int8: %q", got)
	}
	if got, _ := decodeValue("bool", []byte{0x01}); got != "true" {
		t.Fatalf("bool: %q", got)
	}
	addr := common.HexToAddress("0xa0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	if got, _ := decodeValue("address", common.LeftPadBytes(addr.Bytes(), 32)); got != addr.Hex() {
		t.Fatalf("address: %q", got)
	}
	if got, _ := decodeValue("bytes4", []byte{0xde, 0xad, 0xbe, 0xef}); got != "0xdeadbeef" {
		t.Fatalf("bytes4: %q", got)
	}
	if got, _ := decodeValue("", []byte{1}); got != "" {
		t.Fatalf("untyped must not decode: %q", got)
	}
}

// TestDecodeShortString: short strings store content inline with
// length*2 in the lowest byte.
func TestDecodeShortString(t *testing.T) {
	var w common.Hash
	copy(w[:], "abc")
	w[31] = 6 // length 3, even = short form
	got, note := decodeValue("string", w.Bytes())
	if got != `"abc"` {
		t.Fatalf("short string: %q", got)
	}
	if note != "" {
		t.Fatalf("short string must not carry a note: %q", note)
	}
}

// TestDecodeLongString: an odd lowest byte means the slot holds only
// length*2+1 and the content is behind keccak(slot): reported, never
// guessed.
func TestDecodeLongString(t *testing.T) {
	w := common.Hash(uint256.NewInt(2*100 + 1).Bytes32())
	got, note := decodeValue("string", w.Bytes())
	if got != "<100 bytes>" {
		t.Fatalf("long string length: %q", got)
	}
	if note == "" {
		t.Fatalf("long string must carry the content-location note")
	}
}

func TestRenderPath(t *testing.T) {
	addr := common.HexToAddress("0xa0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	key := common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
	segments := []PathSegment{
		{Kind: SegmentKey, Key: key, KeyType: "address"},
		{Kind: SegmentField, Field: "orders"},
		{Kind: SegmentIndex, Index: 2},
		{Kind: SegmentLength},
	}
	got := renderPath("book", segments)
	want := "book[" + addr.Hex() + "].orders[2].length"
	if got != want {
		t.Fatalf("path %q, want %q", got, want)
	}

	// Untyped keys render as the raw word.
	raw := common.HexToHash("0x1234")
	got = renderPath("m", []PathSegment{{Kind: SegmentKey, Key: raw}})
	if got != "m["+raw.Hex()+"]" {
		t.Fatalf("raw key path: %q", got)
	}
}

func TestBuildAccessPackedModified(t *testing.T) {
	cur := common.HexToHash("0x0105")
	next := common.HexToHash("0x0005")
	match := &SlotMatch{Kind: MatchExact, Name: "paused", Offset: 1, Size: 1, Type: "bool"}
	a := buildAccess(match, &SlotObservation{Slot: common.HexToHash("0x0"), Current: &cur, Next: &next})
	if !a.Modified {
		t.Fatalf("boolean byte changed, must be modified")
	}
	if a.Current.Decoded != "true" || a.Next.Decoded != "false" {
		t.Fatalf("decoded pair wrong: %q -> %q", a.Current.Decoded, a.Next.Decoded)
	}

	match = &SlotMatch{Kind: MatchExact, Name: "counter", Offset: 0, Size: 1, Type: "uint8"}
	a = buildAccess(match, &SlotObservation{Slot: common.HexToHash("0x0"), Current: &cur, Next: &next})
	if a.Modified {
		t.Fatalf("uint8 byte unchanged, must not be modified")
	}
}

func TestIntrinsicDiff(t *testing.T) {
	cur := &AccountFields{Balance: uint256.NewInt(100), Nonce: 1}
	next := &AccountFields{Balance: uint256.NewInt(90), Nonce: 2}
	diff := intrinsicDiff(IntrinsicState{Current: cur, Next: next})
	if d := diff["balance"]; d.Current != "100" || d.Next != "90" || !d.Modified {
		t.Fatalf("balance diff wrong: %+v", d)
	}
	if d := diff["nonce"]; !d.Modified {
		t.Fatalf("nonce diff wrong: %+v", d)
	}
	if d := diff["codeHash"]; d.Modified {
		t.Fatalf("unchanged code hash must not be modified: %+v", d)
	}

	readOnly := intrinsicDiff(IntrinsicState{Current: cur})
	if d := readOnly["balance"]; d.Modified || d.Next != "" {
		t.Fatalf("read-only diff wrong: %+v", d)
	}
	if intrinsicDiff(IntrinsicState{}) != nil {
		t.Fatalf("empty state must yield nil diff")
	}
}
