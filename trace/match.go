package trace

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/polareth/evmstate-sub002/layout"
)

// MatchKind tags how a slot was resolved.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchMapping
	MatchArray
	MatchUnresolved
)

// String returns a human-readable name for the match kind.
func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchMapping:
		return "mapping"
	case MatchArray:
		return "array"
	case MatchUnresolved:
		return "unresolved"
	}
	return "unknown"
}

// SegmentKind tags one step of a resolved access path.
type SegmentKind int

const (
	SegmentKey SegmentKind = iota
	SegmentIndex
	SegmentField
	SegmentLength
)

// String returns a human-readable name for the segment kind.
func (k SegmentKind) String() string {
	switch k {
	case SegmentKey:
		return "key"
	case SegmentIndex:
		return "index"
	case SegmentField:
		return "field"
	case SegmentLength:
		return "length"
	}
	return "unknown"
}

// PathSegment is one resolved step of an access path: a proven mapping key,
// a computed array index, a struct field or an array length access.
type PathSegment struct {
	Kind    SegmentKind `json:"kind"`
	Key     common.Hash `json:"key,omitempty"`
	KeyType string      `json:"keyType,omitempty"`
	Index   uint64      `json:"index,omitempty"`
	Field   string      `json:"field,omitempty"`
}

// SlotMatch is the engine's verdict for one observed slot. Packed slots
// yield several matches, each claiming only its own byte range.
type SlotMatch struct {
	Kind   MatchKind
	Name   string // top-level variable name, or the generic slot label
	Path   []PathSegment
	Slot   common.Hash
	Offset uint64
	Size   uint64
	Type   string // solidity type of the resolved value
	Note   string
}

// Stats counts per-call matching work, exposed read-only for audit.
type Stats struct {
	ExactMatches   int   `json:"exactMatches"`
	MappingMatches int   `json:"mappingMatches"`
	ArrayMatches   int   `json:"arrayMatches"`
	Unresolved     int   `json:"unresolved"`
	Combinations   int64 `json:"combinations"`
}

func (s *Stats) add(o Stats) {
	s.ExactMatches += o.ExactMatches
	s.MappingMatches += o.MappingMatches
	s.ArrayMatches += o.ArrayMatches
	s.Unresolved += o.Unresolved
	s.Combinations += o.Combinations
}

// ---------------------------------------------------------------------------
// Per-call matcher state
// ---------------------------------------------------------------------------

// exactField is one bounded, concretely-addressed value indexed by slot.
type exactField struct {
	name   string
	path   []PathSegment
	offset uint64
	size   uint64
	typ    string
	kind   layout.Kind
}

// arraySpan is a fixed-base array checked by closed-form slot arithmetic.
type arraySpan struct {
	v    *layout.Variable
	base common.Hash
	name string
	path []PathSegment
}

// mappingRoot carries the per-call search budget of one top-level mapping
// variable (or a mapping member at a fixed struct slot).
type mappingRoot struct {
	v    *layout.Variable
	base common.Hash
	name string
	path []PathSegment

	combos         int64
	matches        int
	done           bool // match cap reached, stop trying candidates
	spent          bool // exploration budget exhausted
	depthExhausted bool
}

// matcher resolves the slots of one address within one call. It owns the
// exploration budgets, so it must not be shared across calls.
type matcher struct {
	cfg   Config
	cands []Candidate
	obs   map[common.Hash]*SlotObservation

	exact    map[common.Hash][]exactField
	arrays   []*arraySpan
	mappings []*mappingRoot
	stats    Stats
}

func newMatcher(cfg Config, lay *layout.Layout, cands []Candidate, observations []SlotObservation) *matcher {
	m := &matcher{
		cfg:   cfg,
		cands: cands,
		obs:   make(map[common.Hash]*SlotObservation, len(observations)),
		exact: make(map[common.Hash][]exactField),
	}
	for i := range observations {
		o := observations[i]
		m.obs[o.Slot] = &o
	}
	for _, v := range lay.Variables {
		m.index(v, layout.SlotHash(&v.Slot), v.Label, nil)
	}
	return m
}

// index flattens one variable rooted at an absolute slot into the exact
// lookup table, the array span list and the mapping search roots. Struct
// composition recurses; nothing here searches.
func (m *matcher) index(v *layout.Variable, base common.Hash, name string, path []PathSegment) {
	switch v.Kind {
	case layout.Primitive, layout.Bytes:
		m.exact[base] = append(m.exact[base], exactField{
			name:   name,
			path:   path,
			offset: v.Offset,
			size:   v.Size,
			typ:    v.Type,
			kind:   v.Kind,
		})
	case layout.Struct:
		for _, member := range v.Members {
			m.index(member, addSlot(base, &member.Slot), name, pathWith(path, PathSegment{Kind: SegmentField, Field: member.Label}))
		}
	case layout.StaticArray, layout.DynamicArray:
		m.arrays = append(m.arrays, &arraySpan{v: v, base: base, name: name, path: path})
	case layout.Mapping:
		m.mappings = append(m.mappings, &mappingRoot{v: v, base: base, name: name, path: path})
	}
}

// resolve runs the ordered passes for one observation: exact lookup, mapping
// search, array arithmetic, generic fallback. First success wins; the
// fallback never fails.
func (m *matcher) resolve(o *SlotObservation) []SlotMatch {
	if fields, ok := m.exact[o.Slot]; ok && len(fields) > 0 {
		out := make([]SlotMatch, 0, len(fields))
		for _, f := range sortedByOffset(fields) {
			out = append(out, SlotMatch{
				Kind:   MatchExact,
				Name:   f.name,
				Path:   f.path,
				Slot:   o.Slot,
				Offset: f.offset,
				Size:   f.size,
				Type:   f.typ,
			})
		}
		m.stats.ExactMatches += len(out)
		return out
	}

	for _, root := range m.mappings {
		if hits := m.searchMapping(root, o.Slot); len(hits) > 0 {
			out := m.toMatches(MatchMapping, root.name, hits, o.Slot)
			if alt, ok := m.arrayHypothesis(o.Slot); ok {
				for i := range out {
					out[i].Note = joinNote(out[i].Note, "slot is also explained by array hypothesis "+alt)
				}
			}
			m.stats.MappingMatches += len(out)
			return out
		}
	}

	for _, span := range m.arrays {
		if hits := m.matchValue(span.v, span.base, o.Slot, span.path); len(hits) > 0 {
			out := m.toMatches(MatchArray, span.name, hits, o.Slot)
			m.stats.ArrayMatches += len(out)
			return out
		}
	}

	m.stats.Unresolved++
	return []SlotMatch{{
		Kind: MatchUnresolved,
		Name: genericLabel(o.Slot),
		Slot: o.Slot,
		Size: 32,
		Note: m.unresolvedNote(),
	}}
}

func (m *matcher) toMatches(kind MatchKind, name string, hits []leaf, slot common.Hash) []SlotMatch {
	out := make([]SlotMatch, 0, len(hits))
	for _, h := range sortedLeaves(hits) {
		out = append(out, SlotMatch{
			Kind:   kind,
			Name:   name,
			Path:   h.path,
			Slot:   slot,
			Offset: h.offset,
			Size:   h.size,
			Type:   h.typ,
			Note:   h.note,
		})
	}
	return out
}

func (m *matcher) unresolvedNote() string {
	note := "slot does not match any layout variable"
	for _, root := range m.mappings {
		if root.depthExhausted {
			note = joinNote(note, fmt.Sprintf("mapping %q has nesting beyond the configured max depth", root.name))
			break
		}
	}
	for _, root := range m.mappings {
		if root.spent {
			note = joinNote(note, fmt.Sprintf("exploration budget of mapping %q was exhausted before the search completed", root.name))
			break
		}
	}
	return note
}

// ---------------------------------------------------------------------------
// Mapping search
// ---------------------------------------------------------------------------

// workItem is one pending expansion of the depth-bounded mapping search:
// derive slots under this base with every candidate key, with the given
// number of key levels still available.
type workItem struct {
	desc  *layout.Variable // mapping descriptor
	base  common.Hash
	depth int
	path  []PathSegment
}

// searchMapping tries to prove the observed slot against one mapping
// variable by re-deriving slot addresses from candidate keys, breadth-first
// over nesting levels. The explicit worklist keeps the exploration-limit and
// match-cap counters as plain checks per expansion and bounds stack growth
// at any configured depth. The first verifying candidate in priority order
// wins; that is a heuristic, not a uniqueness proof, and the chosen path is
// exposed to callers for audit.
func (m *matcher) searchMapping(root *mappingRoot, slot common.Hash) []leaf {
	if root.spent {
		return nil
	}
	if m.cfg.MatchCap != -1 && root.matches >= m.cfg.MatchCap {
		root.done = true
	}
	if root.done {
		return nil
	}

	work := []workItem{{desc: root.v, base: root.base, depth: m.cfg.MaxDepth, path: root.path}}
	for len(work) > 0 {
		it := work[0]
		work = work[1:]
		for i := range m.cands {
			if m.cfg.ExplorationLimit != -1 && root.combos >= m.cfg.ExplorationLimit {
				root.spent = true
				log.Debug("Mapping exploration budget exhausted",
					"variable", root.name, "combinations", root.combos)
				return nil
			}
			root.combos++
			m.stats.Combinations++

			cand := &m.cands[i]
			derived := layout.MappingSlot(cand.Word, it.base)
			path := pathWith(it.path, PathSegment{
				Kind:    SegmentKey,
				Key:     cand.Word,
				KeyType: it.desc.KeyType,
			})
			if hits := m.matchValue(it.desc.Value, derived, slot, path); len(hits) > 0 {
				root.matches++
				if m.cfg.MatchCap != -1 && root.matches >= m.cfg.MatchCap {
					root.done = true
				}
				return hits
			}
			if it.depth > 1 {
				for _, seed := range nestedMappings(it.desc.Value, derived, path) {
					work = append(work, workItem{desc: seed.v, base: seed.base, depth: it.depth - 1, path: seed.path})
				}
			} else if hasNestedMapping(it.desc.Value) {
				root.depthExhausted = true
			}
		}
	}
	return nil
}

type mappingSeed struct {
	v    *layout.Variable
	base common.Hash
	path []PathSegment
}

// maxSeedElems bounds how many static-array elements are expanded into
// nested mapping search seeds; larger arrays of mappings fall back to the
// generic label rather than flooding the worklist.
const maxSeedElems = 256

// nestedMappings lists the mapping descriptors reachable from a value type
// at a derived base slot, each one container boundary deep.
func nestedMappings(v *layout.Variable, base common.Hash, path []PathSegment) []mappingSeed {
	switch v.Kind {
	case layout.Mapping:
		return []mappingSeed{{v: v, base: base, path: path}}
	case layout.Struct:
		var seeds []mappingSeed
		for _, member := range v.Members {
			seeds = append(seeds, nestedMappings(member, addSlot(base, &member.Slot),
				pathWith(path, PathSegment{Kind: SegmentField, Field: member.Label}))...)
		}
		return seeds
	case layout.StaticArray:
		if !hasNestedMapping(v.Elem) || v.Count > maxSeedElems {
			return nil
		}
		elemSlots := v.Elem.SlotCount()
		var seeds []mappingSeed
		for i := uint64(0); i < v.Count; i++ {
			seeds = append(seeds, nestedMappings(v.Elem, layout.AddSlots(base, i*elemSlots),
				pathWith(path, PathSegment{Kind: SegmentIndex, Index: i}))...)
		}
		return seeds
	}
	return nil
}

func hasNestedMapping(v *layout.Variable) bool {
	switch v.Kind {
	case layout.Mapping:
		return true
	case layout.Struct:
		for _, member := range v.Members {
			if hasNestedMapping(member) {
				return true
			}
		}
	case layout.StaticArray:
		return hasNestedMapping(v.Elem)
	}
	return false
}

// ---------------------------------------------------------------------------
// Value-shape matching at a known base slot
// ---------------------------------------------------------------------------

// leaf is one value located inside the observed slot: its resolved path and
// the byte range it claims.
type leaf struct {
	path   []PathSegment
	offset uint64
	size   uint64
	typ    string
	note   string
}

// matchValue tests whether the observed slot holds (part of) a value of
// type v rooted at base, composing recursively through structs and arrays.
// Packed layouts return one leaf per value sharing the slot.
func (m *matcher) matchValue(v *layout.Variable, base common.Hash, slot common.Hash, path []PathSegment) []leaf {
	switch v.Kind {
	case layout.Primitive, layout.Bytes:
		if slot != base {
			return nil
		}
		return []leaf{{path: path, offset: v.Offset, size: v.Size, typ: v.Type}}

	case layout.Struct:
		d := layout.SlotDistance(base, slot)
		if d.IsUint64() && d.Uint64() < v.SlotCount() {
			rel := d.Uint64()
			var hits []leaf
			for _, member := range v.Members {
				ms := member.Slot.Uint64()
				if rel < ms || rel >= ms+member.SlotCount() {
					continue
				}
				hits = append(hits, m.matchValue(member, addSlot(base, &member.Slot), slot,
					pathWith(path, PathSegment{Kind: SegmentField, Field: member.Label}))...)
			}
			return hits
		}
		// Content of dynamic-array members lives behind a hash, outside
		// the struct's own slot range.
		var hits []leaf
		for _, member := range v.Members {
			if member.Kind != layout.DynamicArray {
				continue
			}
			hits = append(hits, m.matchValue(member, addSlot(base, &member.Slot), slot,
				pathWith(path, PathSegment{Kind: SegmentField, Field: member.Label}))...)
		}
		return hits

	case layout.StaticArray:
		return m.matchElements(v, base, v.Count, slot, path)

	case layout.DynamicArray:
		if slot == base {
			return []leaf{{
				path: pathWith(path, PathSegment{Kind: SegmentLength}),
				size: 32,
				typ:  "uint256",
			}}
		}
		length, ok := m.knownLength(base)
		if !ok {
			return nil
		}
		return m.matchElements(v, layout.ArrayDataSlot(base), length, slot, path)

	case layout.Mapping:
		// Mapping values sit behind another hash; only the worklist
		// search can reach them.
		return nil
	}
	return nil
}

// matchElements resolves slot against length elements of v stored
// contiguously from first, handling sub-slot packing and multi-slot
// elements by closed-form arithmetic.
func (m *matcher) matchElements(v *layout.Variable, first common.Hash, length uint64, slot common.Hash, path []PathSegment) []leaf {
	if length == 0 {
		return nil
	}
	per := v.ElemsPerSlot()
	elemSlots := v.Elem.SlotCount()
	totalWords := length * elemSlots
	if per > 1 {
		totalWords = (length + per - 1) / per
	}
	d := layout.SlotDistance(first, slot)
	if !d.IsUint64() || d.Uint64() >= totalWords {
		return nil
	}
	word := d.Uint64()

	if per > 1 {
		var hits []leaf
		for idx := word * per; idx < (word+1)*per && idx < length; idx++ {
			hits = append(hits, leaf{
				path:   pathWith(path, PathSegment{Kind: SegmentIndex, Index: idx}),
				offset: (idx % per) * v.Elem.Size,
				size:   v.Elem.Size,
				typ:    v.Elem.Type,
			})
		}
		return hits
	}
	idx := word / elemSlots
	return m.matchValue(v.Elem, layout.AddSlots(first, idx*elemSlots), slot,
		pathWith(path, PathSegment{Kind: SegmentIndex, Index: idx}))
}

// knownLength reads a dynamic array's current length from the same call's
// observations of its base slot. Without it element slots cannot be bounded
// and fall through unresolved. Writes that grow the array store the new
// length in the same call, so the larger of current/next is used.
// Implausibly huge lengths are treated as unknown to keep the bound honest.
func (m *matcher) knownLength(base common.Hash) (uint64, bool) {
	o, ok := m.obs[base]
	if !ok || o.Current == nil {
		return 0, false
	}
	length := wordToUint64(*o.Current)
	if o.Next != nil {
		if next := wordToUint64(*o.Next); next > length {
			length = next
		}
	}
	if length == 0 || length > 1<<32 {
		return 0, false
	}
	return length, true
}

// arrayHypothesis reports whether any array span would also explain the
// slot, for the explicit ambiguity note on mapping matches.
func (m *matcher) arrayHypothesis(slot common.Hash) (string, bool) {
	for _, span := range m.arrays {
		if hits := m.matchValue(span.v, span.base, slot, span.path); len(hits) > 0 {
			return renderPath(span.name, hits[0].path), true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

func addSlot(base common.Hash, rel *uint256.Int) common.Hash {
	var s uint256.Int
	s.SetBytes32(base[:])
	s.Add(&s, rel)
	return layout.SlotHash(&s)
}

// pathWith appends one segment onto a copied path so shared prefixes are
// never aliased across worklist items.
func pathWith(path []PathSegment, seg PathSegment) []PathSegment {
	out := make([]PathSegment, len(path)+1)
	copy(out, path)
	out[len(path)] = seg
	return out
}

func wordToUint64(w common.Hash) uint64 {
	var v uint256.Int
	v.SetBytes32(w[:])
	if !v.IsUint64() {
		return 1<<64 - 1
	}
	return v.Uint64()
}

func genericLabel(slot common.Hash) string {
	return "slot_" + slot.Hex()
}

func joinNote(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "; " + b
}

func sortedByOffset(fields []exactField) []exactField {
	out := append([]exactField(nil), fields...)
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

func sortedLeaves(hits []leaf) []leaf {
	out := append([]leaf(nil), hits...)
	sort.Slice(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}
