package layout

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry keeps the raw storage layout metadata registered per contract
// address and memoizes compiled layouts in an LRU cache. Registration
// validates the metadata up front so that Layout never fails afterwards;
// lookups are lock-free and safe for concurrent trace invocations.
type Registry struct {
	sources  sync.Map // common.Address -> []byte (validated raw JSON)
	compiled *lru.Cache[common.Address, *Layout]
}

// NewRegistry creates a registry whose compiled-layout cache holds up to
// cacheSize entries. Evicted entries are recompiled from the retained raw
// metadata on the next lookup.
func NewRegistry(cacheSize int) (*Registry, error) {
	c, err := lru.New[common.Address, *Layout](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("layout: cache: %w", err)
	}
	return &Registry{compiled: c}, nil
}

// Register stores the solc storageLayout JSON for addr. The metadata is
// compiled immediately so that structural errors surface here rather than
// mid-trace. Re-registering an address replaces the previous layout.
func (r *Registry) Register(addr common.Address, raw []byte) error {
	lay, err := Parse(raw)
	if err != nil {
		return fmt.Errorf("layout: register %s: %w", addr.Hex(), err)
	}
	r.sources.Store(addr, append([]byte(nil), raw...))
	r.compiled.Add(addr, lay)
	return nil
}

// Layout returns the compiled layout for addr, recompiling from the raw
// metadata on a cache miss. ok is false when the address was never
// registered; callers degrade to generic labeling in that case.
func (r *Registry) Layout(addr common.Address) (*Layout, bool) {
	if lay, ok := r.compiled.Get(addr); ok {
		return lay, true
	}
	v, ok := r.sources.Load(addr)
	if !ok {
		return nil, false
	}
	// Cannot fail: the raw bytes were validated at Register time.
	lay, err := Parse(v.([]byte))
	if err != nil {
		return nil, false
	}
	r.compiled.Add(addr, lay)
	return lay, true
}

// Has reports whether a layout was registered for addr.
func (r *Registry) Has(addr common.Address) bool {
	_, ok := r.sources.Load(addr)
	return ok
}
