// Package watch drives the continuous observation mode: for every new-block
// notice delivered by an external subscription transport it records the
// candidate transactions through an injected recorder, runs the labeling
// engine, and emits per-transaction updates filtered to a single watched
// address. The watcher owns all blocking work; matching itself stays small
// and synchronous.
package watch

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polareth/evmstate-sub002/trace"
)

// BlockNotice announces one new block and its candidate transactions.
type BlockNotice struct {
	Number uint64
	Txs    []common.Hash
}

// TxRecorder replays one transaction through the external execution engine
// and returns the captured call record. Implementations may fail
// transiently; the watcher tolerates that per block.
type TxRecorder interface {
	RecordTx(ctx context.Context, tx common.Hash) (*trace.CallRecord, error)
}

// Update is one emitted result: the watched address's labeled storage
// accesses and intrinsic diffs for one qualifying transaction.
type Update struct {
	BlockNumber uint64
	TxHash      common.Hash
	Storage     map[string][]*trace.Access
	Intrinsic   trace.IntrinsicDiff
}

// Watcher re-runs the engine once per relevant transaction per block.
type Watcher struct {
	tracer   *trace.Tracer
	recorder TxRecorder
	address  common.Address
	notices  <-chan BlockNotice
	updates  chan Update
}

// NewWatcher wires a watcher for one address of interest. Notices are
// consumed from the provided channel; closing it ends Run.
func NewWatcher(tracer *trace.Tracer, recorder TxRecorder, address common.Address, notices <-chan BlockNotice) *Watcher {
	return &Watcher{
		tracer:   tracer,
		recorder: recorder,
		address:  address,
		notices:  notices,
		updates:  make(chan Update),
	}
}

// Updates returns the emission channel. It is closed when Run returns.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Run consumes block notices until the context is cancelled or the notice
// channel closes. A failed recording loses only that transaction: a warning
// is logged and previously emitted results stay intact. Cancellation stops
// scheduling further invocations; an in-flight trace completes.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.updates)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notice, ok := <-w.notices:
			if !ok {
				return nil
			}
			w.processBlock(ctx, notice)
		}
	}
}

func (w *Watcher) processBlock(ctx context.Context, notice BlockNotice) {
	for _, tx := range notice.Txs {
		if ctx.Err() != nil {
			return
		}
		rec, err := w.recorder.RecordTx(ctx, tx)
		if err != nil {
			log.Warn("Recording transaction failed, skipping",
				"block", notice.Number, "tx", tx.Hex(), "err", err)
			continue
		}
		if !touches(rec, w.address) {
			continue
		}
		res, err := w.tracer.TraceCall(rec)
		if err != nil {
			log.Warn("Tracing transaction failed, skipping",
				"block", notice.Number, "tx", tx.Hex(), "err", err)
			continue
		}
		update := Update{
			BlockNumber: notice.Number,
			TxHash:      tx,
			Storage:     res.Storage[w.address],
			Intrinsic:   res.Intrinsic[w.address],
		}
		select {
		case <-ctx.Done():
			return
		case w.updates <- update:
		}
	}
}

// touches reports whether the record involves the watched address at all.
func touches(rec *trace.CallRecord, addr common.Address) bool {
	if len(rec.Slots[addr]) > 0 {
		return true
	}
	if _, ok := rec.Accounts[addr]; ok {
		return true
	}
	for _, a := range rec.Touched {
		if a == addr {
			return true
		}
	}
	return false
}
