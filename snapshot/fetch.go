// Package snapshot fans out the pre/post state reads a trace needs across a
// caller-supplied reader. The engine itself never performs I/O; this helper
// is the surrounding system's parallel fetch step, producing the observation
// and intrinsic inputs of a trace.CallRecord.
package snapshot

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/polareth/evmstate-sub002/trace"
)

// Reader is the minimal view of chain state at one block tag. Two readers,
// one before and one after the call, yield the current/next pairs.
type Reader interface {
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
	BalanceAt(ctx context.Context, addr common.Address) (*uint256.Int, error)
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	CodeHashAt(ctx context.Context, addr common.Address) (common.Hash, error)
	StorageRootAt(ctx context.Context, addr common.Address) (common.Hash, error)
}

// SlotKey identifies one (address, storage slot) tuple to snapshot.
type SlotKey struct {
	Address common.Address
	Slot    common.Hash
}

// Fetcher reads slot and account snapshots with bounded concurrency.
type Fetcher struct {
	workers int
}

// NewFetcher creates a fetcher running at most workers concurrent reads.
// A non-positive value falls back to 1.
func NewFetcher(workers int) *Fetcher {
	if workers < 1 {
		workers = 1
	}
	return &Fetcher{workers: workers}
}

// Fetch reads every key from the before view and, when an after view is
// supplied, from the after view too, producing per-address slot observations
// and intrinsic state pairs. A nil after reader yields read-only
// observations with no next values. The first read error cancels the
// remaining fan-out.
func (f *Fetcher) Fetch(ctx context.Context, before, after Reader, addrs []common.Address, keys []SlotKey) (map[common.Address][]trace.SlotObservation, map[common.Address]trace.IntrinsicState, error) {
	keys = dedupKeys(keys)

	slotResults := make([]trace.SlotObservation, len(keys))
	accountResults := make([]trace.IntrinsicState, len(addrs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for i, key := range keys {
		g.Go(func() error {
			cur, err := before.StorageAt(ctx, key.Address, key.Slot)
			if err != nil {
				return fmt.Errorf("snapshot: storage %s[%s]: %w", key.Address.Hex(), key.Slot.Hex(), err)
			}
			obs := trace.SlotObservation{Slot: key.Slot, Current: &cur}
			if after != nil {
				next, err := after.StorageAt(ctx, key.Address, key.Slot)
				if err != nil {
					return fmt.Errorf("snapshot: storage %s[%s]: %w", key.Address.Hex(), key.Slot.Hex(), err)
				}
				obs.Next = &next
			}
			slotResults[i] = obs
			return nil
		})
	}
	for i, addr := range addrs {
		g.Go(func() error {
			cur, err := readAccount(ctx, before, addr)
			if err != nil {
				return err
			}
			st := trace.IntrinsicState{Current: cur}
			if after != nil {
				next, err := readAccount(ctx, after, addr)
				if err != nil {
					return err
				}
				st.Next = next
			}
			accountResults[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	slots := make(map[common.Address][]trace.SlotObservation)
	for i, key := range keys {
		slots[key.Address] = append(slots[key.Address], slotResults[i])
	}
	accounts := make(map[common.Address]trace.IntrinsicState, len(addrs))
	for i, addr := range addrs {
		accounts[addr] = accountResults[i]
	}
	return slots, accounts, nil
}

func readAccount(ctx context.Context, r Reader, addr common.Address) (*trace.AccountFields, error) {
	balance, err := r.BalanceAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: balance %s: %w", addr.Hex(), err)
	}
	nonce, err := r.NonceAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: nonce %s: %w", addr.Hex(), err)
	}
	code, err := r.CodeAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: code %s: %w", addr.Hex(), err)
	}
	codeHash, err := r.CodeHashAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: code hash %s: %w", addr.Hex(), err)
	}
	root, err := r.StorageRootAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: storage root %s: %w", addr.Hex(), err)
	}
	return &trace.AccountFields{
		Balance:     balance,
		Nonce:       nonce,
		Code:        code,
		CodeHash:    codeHash,
		StorageRoot: root,
	}, nil
}

// dedupKeys drops repeated keys while preserving first-seen order so result
// indices stay stable.
func dedupKeys(keys []SlotKey) []SlotKey {
	seen := mapset.NewThreadUnsafeSet[SlotKey]()
	out := make([]SlotKey, 0, len(keys))
	for _, k := range keys {
		if seen.Add(k) {
			out = append(out, k)
		}
	}
	return out
}
