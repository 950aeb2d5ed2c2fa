// Package scheduler implements the parallel transaction scheduler from
// spec §4.5: it partitions a block's ordered transaction list into
// conflict-free waves, runs each wave's transactions concurrently over
// isolated working views, merges the results back into the block view
// in original transaction order, and falls back to serial re-execution
// when a wave's actual conflicts diverge from its declared sets.
//
// Parallelism here is strictly a performance optimization: the
// Determinism contract (§4.5) requires the merged state, receipts and
// receipts_root to equal those of pure serial left-to-right execution,
// for any admissible block.
package scheduler

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"aether-core/internal/ledger"
	"aether-core/pkg/types"
)

var log = logrus.WithField("component", "scheduler")

// Scheduler runs one block's transactions against a Ledger-owned
// BlockView. Apart from its operational counters (see Stats), it holds
// no state across blocks.
type Scheduler struct {
	ledger  *ledger.Ledger
	workers int

	waveCount uint64
	retryCount uint64
}

// New builds a Scheduler backed by l, draining each wave with a fixed
// worker pool sized to workers (§5: "A fixed worker pool (sized to CPU
// count) drains a wave's tasks"). workers <= 0 defaults to the host's
// CPU count.
func New(l *ledger.Ledger, workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{ledger: l, workers: workers}
}

// Stats reports scheduler-side operational counters.
type Stats struct {
	WaveCount  uint64
	RetryCount uint64
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		WaveCount:  atomic.LoadUint64(&s.waveCount),
		RetryCount: atomic.LoadUint64(&s.retryCount),
	}
}

// waveResult is one wave member's outcome: the forked working view it
// ran against and the receipt it produced. A fatal (non-revert) error
// from ApplyTransaction is not stored here; it fails the whole wave
// through the errgroup.
type waveResult struct {
	txIndex int
	view    *ledger.BlockView
	receipt types.Receipt
}

// ExecuteBlock runs every transaction in txs against base, wave by
// wave, and records each transaction's receipt on base (§4.5). It does
// not commit; the caller commits base separately once satisfied with
// the result (mirroring §5's external-rejection rollback path).
func (s *Scheduler) ExecuteBlock(ctx context.Context, base *ledger.BlockView, txs []types.Transaction, blk ledger.BlockContext) error {
	for _, wave := range formWaves(txs) {
		if err := s.runWave(ctx, base, txs, wave, blk); err != nil {
			return err
		}
		atomic.AddUint64(&s.waveCount, 1)
	}
	return nil
}

func (s *Scheduler) runWave(ctx context.Context, base *ledger.BlockView, txs []types.Transaction, wave []int, blk ledger.BlockContext) error {
	results := make([]waveResult, len(wave))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for pos, idx := range wave {
		pos, idx := pos, idx
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			child := base.Fork()
			receipt, err := s.ledger.ApplyTransaction(child, txs[idx], blk)
			if err != nil {
				return err
			}
			results[pos] = waveResult{txIndex: idx, view: child, receipt: receipt}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if divergent := divergentPositions(results); len(divergent) > 0 {
		log.WithField("wave_size", len(results)).WithField("divergent", len(divergent)).
			Warn("wave diverged from declared conflict sets, re-executing serially")
		if err := s.reexecuteSerially(base, txs, results, blk); err != nil {
			return err
		}
		atomic.AddUint64(&s.retryCount, 1)
		s.ledger.IncrConflictRetry()
		return nil
	}

	// No divergence: results are already in original transaction order
	// because wave itself was built in ascending tx-index order (§4.5
	// "merge... in original transaction order").
	for _, r := range results {
		base.MergeFrom(r.view)
		base.RecordReceipt(r.txIndex, r.receipt)
	}
	return nil
}

// divergentPositions returns the result indices whose actual dirty
// account set overlapped another wave member's — a real WW/RW/WR
// conflict the declared sets failed to predict (§4.5 "divergence
// handling"). Read/write conflicts purely between declared read sets
// and another task's actual writes are not separately re-detected
// here: the BlockView does not journal reads, so this check trusts
// declared read sets and only catches divergence through actual write
// overlap, a deliberate narrowing of the full conflict surface (see
// DESIGN.md). This leaves one residual gap: a tx that reads but never
// writes an address another wave member wrote (a missed WR hazard)
// goes undetected here, even though §4.5 calls for the scheduler to
// detect divergence unconditionally; it is only safe given accurate
// declared read/write sets for admissible blocks.
func divergentPositions(results []waveResult) []int {
	touchCount := make(map[types.Address]int)
	for _, r := range results {
		for _, a := range dirtyAddrs(r.view) {
			touchCount[a]++
		}
	}
	var divergent []int
	for i, r := range results {
		for _, a := range dirtyAddrs(r.view) {
			if touchCount[a] > 1 {
				divergent = append(divergent, i)
				break
			}
		}
	}
	return divergent
}

func dirtyAddrs(v *ledger.BlockView) []types.Address {
	return v.DirtyAccountAddrs()
}

// reexecuteSerially replays an entire diverged wave directly against
// base, in original transaction order, discarding the wave's parallel
// attempts entirely (§4.5: "If divergence persists, the block is
// rejected as malformed" describes the block-level extreme; at the
// wave level, a clean serial pass is always sufficient here because
// base itself has no conflicting concurrent writers once parallel
// attempts are discarded).
func (s *Scheduler) reexecuteSerially(base *ledger.BlockView, txs []types.Transaction, results []waveResult, blk ledger.BlockContext) error {
	for _, r := range results {
		receipt, err := s.ledger.ApplyTransaction(base, txs[r.txIndex], blk)
		if err != nil {
			// A fatal (non-revert) ApplyTransaction error here indicates
			// KVS/trie corruption, not a malformed block. It is logged and
			// returned, so ExecuteBlock fails instead of leaving this
			// transaction without a receipt.
			log.WithField("tx_index", r.txIndex).WithError(err).Error("serial re-execution failed fatally")
			return err
		}
		base.RecordReceipt(r.txIndex, receipt)
	}
	return nil
}

// formWaves partitions txs into conflict-free waves per §4.5: starting
// from index 0, a transaction joins the current wave unless its
// declared read/write set conflicts (WW, WR, or RW) with the wave's
// accumulated footprint, in which case the current wave closes and a
// new one opens with that transaction.
func formWaves(txs []types.Transaction) [][]int {
	var waves [][]int
	var cur []int
	var waveReads, waveWrites []types.Address

	flush := func() {
		if len(cur) > 0 {
			waves = append(waves, cur)
		}
		cur = nil
		waveReads = nil
		waveWrites = nil
	}

	for i, tx := range txs {
		if len(cur) > 0 && setConflicts(tx.Declared, waveReads, waveWrites) {
			flush()
		}
		cur = append(cur, i)
		waveReads = append(waveReads, tx.Declared.Reads...)
		waveWrites = append(waveWrites, tx.Declared.Writes...)
	}
	flush()
	return waves
}

func setConflicts(d types.ConflictSet, waveReads, waveWrites []types.Address) bool {
	return addrSetsIntersect(d.Writes, waveWrites) ||
		addrSetsIntersect(d.Writes, waveReads) ||
		addrSetsIntersect(d.Reads, waveWrites)
}

func addrSetsIntersect(a, b []types.Address) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[types.Address]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}
