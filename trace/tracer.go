package trace

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polareth/evmstate-sub002/layout"
)

// Config bounds the combinatorial mapping search. ExplorationLimit and
// MatchCap accept -1 to disable the bound; 0 is a valid immediate cutoff
// that sends every mapping variable straight to generic labeling.
type Config struct {
	// MaxDepth is the maximum number of nested mapping key levels
	// resolved per variable. Must be at least 1.
	MaxDepth int

	// ExplorationLimit caps the key combinations attempted per top-level
	// mapping variable within one call. -1 disables the cap, requiring
	// exhaustive search.
	ExplorationLimit int64

	// MatchCap stops trying candidates for a mapping variable once it
	// accumulated this many distinct resolved matches within one call.
	// -1 disables the early stop.
	MatchCap int
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:         4,
		ExplorationLimit: 1_000_000,
		MatchCap:         500,
	}
}

func (c Config) validate() error {
	if c.MaxDepth < 1 {
		return fmt.Errorf("%w: max depth %d", ErrBadDepth, c.MaxDepth)
	}
	if c.ExplorationLimit < -1 {
		return fmt.Errorf("%w: exploration limit %d", ErrBadBound, c.ExplorationLimit)
	}
	if c.MatchCap < -1 {
		return fmt.Errorf("%w: match cap %d", ErrBadBound, c.MatchCap)
	}
	return nil
}

// Tracer resolves call records against registered storage layouts. It holds
// no per-call state, so one Tracer serves concurrent calls; all search
// budgets live in per-call matchers.
type Tracer struct {
	cfg Config
	reg *layout.Registry
}

// NewTracer validates the configured bounds once, at setup time. Invalid
// bounds are a fatal configuration error, not a runtime fallback.
func NewTracer(reg *layout.Registry, cfg Config) (*Tracer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Tracer{cfg: cfg, reg: reg}, nil
}

// TraceCall labels every observed slot of the record. Each slot yields at
// least one trace entry under exactly one variable name per claimed byte
// range; slots nothing explains degrade to a generic label with a note.
// Structurally inconsistent input fails fast before any matching runs.
func (t *Tracer) TraceCall(rec *CallRecord) (*Result, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}
	cands := ExtractCandidates(rec)

	res := &Result{
		Storage:   make(map[common.Address]map[string][]*Access, len(rec.Slots)),
		Intrinsic: make(map[common.Address]IntrinsicDiff, len(rec.Accounts)),
	}
	for addr, observations := range rec.Slots {
		res.Storage[addr] = t.traceAddress(addr, observations, cands, &res.Stats)
	}
	for addr, st := range rec.Accounts {
		if diff := intrinsicDiff(st); diff != nil {
			res.Intrinsic[addr] = diff
		}
	}
	return res, nil
}

// traceAddress resolves one address's observations. Without a registered
// layout every observation degrades to the generic path with a note.
func (t *Tracer) traceAddress(addr common.Address, observations []SlotObservation, cands []Candidate, stats *Stats) map[string][]*Access {
	out := make(map[string][]*Access)
	lay, ok := t.reg.Layout(addr)
	if !ok {
		log.Warn("No storage layout registered, degrading to generic labels", "address", addr.Hex(), "slots", len(observations))
		for i := range observations {
			o := &observations[i]
			match := SlotMatch{
				Kind: MatchUnresolved,
				Name: genericLabel(o.Slot),
				Slot: o.Slot,
				Size: 32,
				Note: "no storage layout known for this address",
			}
			out[match.Name] = append(out[match.Name], buildAccess(&match, o))
			stats.Unresolved++
		}
		return out
	}

	m := newMatcher(t.cfg, lay, cands, observations)
	for i := range observations {
		o := &observations[i]
		matches := m.resolve(o)
		for j := range matches {
			match := &matches[j]
			out[match.Name] = append(out[match.Name], buildAccess(match, o))
		}
	}
	stats.add(m.stats)
	return out
}
