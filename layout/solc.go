package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Layout is the compiled form of one contract's storage layout: the ordered
// top-level variables with absolute base slots, ready for slot resolution.
type Layout struct {
	Variables []*Variable

	byLabel map[string]*Variable
}

// ErrRecursiveType is returned when the type graph references itself, e.g. a
// struct holding a mapping back to its own type. Such layouts are legal
// Solidity but are not supported by the compiler of this package.
var ErrRecursiveType = errors.New("layout: recursive type reference")

// Raw wire shapes of the solc "storageLayout" output.
type rawLayout struct {
	Storage []rawItem          `json:"storage"`
	Types   map[string]rawType `json:"types"`
}

type rawItem struct {
	AstID    int    `json:"astId"`
	Contract string `json:"contract"`
	Label    string `json:"label"`
	Offset   uint64 `json:"offset"`
	Slot     string `json:"slot"`
	Type     string `json:"type"`
}

type rawType struct {
	Encoding      string    `json:"encoding"`
	Label         string    `json:"label"`
	NumberOfBytes string    `json:"numberOfBytes"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Base          string    `json:"base"`
	Members       []rawItem `json:"members"`
}

// Parse compiles solc storageLayout JSON into an immutable Layout. All
// structural problems (unknown type references, malformed slots, recursive
// types) surface here, once, so lookups never fail later.
func Parse(data []byte) (*Layout, error) {
	var raw rawLayout
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("layout: decode metadata: %w", err)
	}
	c := &compiler{types: raw.Types, building: make(map[string]bool)}
	lay := &Layout{byLabel: make(map[string]*Variable, len(raw.Storage))}
	for _, item := range raw.Storage {
		v, err := c.build(item)
		if err != nil {
			return nil, fmt.Errorf("layout: variable %q: %w", item.Label, err)
		}
		lay.Variables = append(lay.Variables, v)
		lay.byLabel[v.Label] = v
	}
	return lay, nil
}

// Variable returns the top-level descriptor with the given label.
func (l *Layout) Variable(label string) (*Variable, bool) {
	v, ok := l.byLabel[label]
	return v, ok
}

type compiler struct {
	types    map[string]rawType
	building map[string]bool // cycle detection across the type graph
}

func (c *compiler) build(item rawItem) (*Variable, error) {
	t, ok := c.types[item.Type]
	if !ok {
		return nil, fmt.Errorf("unknown type %q", item.Type)
	}
	if c.building[item.Type] {
		return nil, fmt.Errorf("%w via %q", ErrRecursiveType, item.Type)
	}
	c.building[item.Type] = true
	defer delete(c.building, item.Type)

	slot, err := parseSlot(item.Slot)
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseUint(t.NumberOfBytes, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad numberOfBytes %q: %w", t.NumberOfBytes, err)
	}
	v := &Variable{
		Label:  item.Label,
		Type:   t.Label,
		Slot:   *slot,
		Offset: item.Offset,
		Size:   size,
	}

	switch t.Encoding {
	case "mapping":
		v.Kind = Mapping
		keyType, ok := c.types[t.Key]
		if !ok {
			return nil, fmt.Errorf("unknown mapping key type %q", t.Key)
		}
		v.KeyType = keyType.Label
		value, err := c.build(rawItem{Label: item.Label, Slot: "0", Type: t.Value})
		if err != nil {
			return nil, err
		}
		v.Value = value

	case "dynamic_array":
		v.Kind = DynamicArray
		elem, err := c.build(rawItem{Label: item.Label, Slot: "0", Type: t.Base})
		if err != nil {
			return nil, err
		}
		v.Elem = elem

	case "bytes":
		v.Kind = Bytes

	case "inplace":
		switch {
		case len(t.Members) > 0:
			v.Kind = Struct
			for _, m := range t.Members {
				member, err := c.build(m)
				if err != nil {
					return nil, fmt.Errorf("member %q: %w", m.Label, err)
				}
				v.Members = append(v.Members, member)
			}
		case t.Base != "":
			v.Kind = StaticArray
			elem, err := c.build(rawItem{Label: item.Label, Slot: "0", Type: t.Base})
			if err != nil {
				return nil, err
			}
			v.Elem = elem
			count, err := staticCount(item.Type)
			if err != nil {
				return nil, err
			}
			v.Count = count
		default:
			v.Kind = Primitive
		}

	default:
		return nil, fmt.Errorf("unknown encoding %q", t.Encoding)
	}
	return v, nil
}

// parseSlot reads the decimal slot number solc emits. Struct member slots
// are relative to the struct base and use the same format.
func parseSlot(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("bad slot %q: %w", s, err)
	}
	return v, nil
}

// staticCount extracts the fixed element count from a static array type
// identifier, e.g. "t_array(t_uint256)3_storage" -> 3. The count sits
// between the closing parenthesis of the element type and "_storage".
func staticCount(typeID string) (uint64, error) {
	i := strings.LastIndexByte(typeID, ')')
	if i < 0 {
		return 0, fmt.Errorf("bad static array type id %q", typeID)
	}
	rest := typeID[i+1:]
	if j := strings.IndexByte(rest, '_'); j >= 0 {
		rest = rest[:j]
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad static array count in %q: %w", typeID, err)
	}
	return n, nil
}
