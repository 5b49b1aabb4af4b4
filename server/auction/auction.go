// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package auction drives the commit-reveal batch auction. The Schedule maps
// time onto batches and phases, the Store holds commitments and validates
// reveals, and the Auctioneer runs the cycle: close the commit window, close
// the reveal window and slash the silent, then clear, settle, archive, and
// retire the batch before the next one may accept commitments.
package auction

import (
	"context"
	"sync"
	"time"

	"github.com/batchex/batchex/bex/order"
	"github.com/batchex/batchex/server/account"
	"github.com/batchex/batchex/server/clearing"
	"github.com/batchex/batchex/server/settle"
)

// BatchRecord is the archival record of one retired batch.
type BatchRecord struct {
	BatchID int64     `json:"batchId"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	// Misses are the forfeiture outcomes for missed and invalid reveals.
	Misses []*RevealResult `json:"misses,omitempty"`
	// Receipts are the per-market settlement or refund receipts.
	Receipts []*settle.BatchReceipt `json:"receipts,omitempty"`
}

// Archiver persists retired batches.
type Archiver interface {
	ArchiveBatch(*BatchRecord) error
}

// Summary is the read-only projection of current batch state consumed by
// display collaborators. It never exposes order details; notional and
// priority counts cover revealed orders only, since commitments are opaque.
type Summary struct {
	BatchID         int64  `json:"batchId"`
	Phase           string `json:"phase"`
	TimeRemainingMs int64  `json:"timeRemainingMs"`
	Orders          int    `json:"orders"`
	Revealed        int    `json:"revealed"`
	// Notional is the aggregate revealed order value in quote asset units.
	Notional       uint64 `json:"notional"`
	PriorityOrders int    `json:"priorityOrders"`
	// Stalled indicates a previous batch's settlement is blocking new
	// commitments.
	Stalled bool `json:"stalled"`
}

// Config is the Auctioneer configuration.
type Config struct {
	Schedule *Schedule
	Store    *Store
	Clearing *clearing.Engine
	Settler  *settle.Engine
	Archiver Archiver
	// ClearingTimeout is the worst-case time budget for a batch's clearing
	// computation. It should be well inside the settle window; markets not
	// cleared in time fail closed to refunds rather than blocking subsequent
	// batches.
	ClearingTimeout time.Duration
	// Now is the time source, defaulting to time.Now. Injected for tests.
	Now func() time.Time
}

// Auctioneer runs the batch cycle. The clearing and settlement of a batch is
// a critical section: batches are handed to it strictly one at a time, in
// order, and a batch opens for commitments only after its predecessor
// retires.
type Auctioneer struct {
	cfg   Config
	now   func() time.Time
	sched *Schedule
	store *Store
	pump  *batchPump
}

// New creates an Auctioneer.
func New(cfg Config) *Auctioneer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Auctioneer{
		cfg:   cfg,
		now:   now,
		sched: cfg.Schedule,
		store: cfg.Store,
		pump:  newBatchPump(),
	}
}

// Commit stores a commitment with escrowed collateral. See Store.Commit.
func (a *Auctioneer) Commit(trader account.AccountID, batchID int64, commit order.Commitment, collateral uint64) (order.OrderID, error) {
	return a.store.Commit(trader, batchID, commit, collateral)
}

// Reveal validates a plaintext order against its commitment. See
// Store.Reveal.
func (a *Auctioneer) Reveal(trader account.AccountID, batchID int64, details *order.Details, secret order.Secret) (*RevealResult, error) {
	return a.store.Reveal(trader, batchID, details, secret)
}

// Order is a read-only order lookup. See Store.Order.
func (a *Auctioneer) Order(trader account.AccountID, batchID int64) (order.Order, bool) {
	return a.store.Order(trader, batchID)
}

// Summary projects the current batch state for display collaborators.
func (a *Auctioneer) Summary() *Summary {
	batchID, phase, remaining := a.sched.At(a.now())
	orders, revealed, priority, notional, stalled := a.store.counters(batchID)
	return &Summary{
		BatchID:         batchID,
		Phase:           phase.String(),
		TimeRemainingMs: remaining.Milliseconds(),
		Orders:          orders,
		Revealed:        revealed,
		Notional:        notional,
		PriorityOrders:  priority,
		Stalled:         stalled,
	}
}

// Run starts the batch cycle and blocks until the context is canceled and
// in-flight batches have drained.
func (a *Auctioneer) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pump.Run(ctx)
	}()

	// The clearing consumer. Receiving from the pump guarantees one batch at
	// a time, in order.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for rb := range a.pump.ready {
			a.processBatch(rb)
		}
	}()

	// The cycle driver.
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.driveCycle(ctx)
	}()

	wg.Wait()
	log.Infof("Auctioneer stopped")
}

// driveCycle registers each batch with the pump at commit open and closes it
// at its reveal deadline, slashing unrevealed commitments.
func (a *Auctioneer) driveCycle(ctx context.Context) {
	cur, phase, _ := a.sched.At(a.now())
	if phase != PhaseCommit {
		// Joined mid-batch. The current batch took no commitments from this
		// process, so begin with the next one.
		cur++
	}
	log.Infof("Starting batch cycle at batch %d (cycle duration %s)",
		cur, a.sched.CycleDuration())

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		rb := a.pump.Insert(cur)
		if rb == nil {
			return // halted
		}
		timer.Reset(time.Until(a.sched.RevealDeadline(cur)))
		select {
		case <-ctx.Done():
			timer.Stop()
			// The reveal window is still open, so this batch cannot be
			// cleared. Hand it to the consumer flagged aborted so the pump
			// drains; escrowed collateral is untouched for restart
			// remediation.
			rb.aborted = true
			close(rb.ready)
			return
		case <-timer.C:
			rb.misses = a.store.ForceMisses(cur)
			close(rb.ready)
			cur++
		}
	}
}

// processBatch is the clearing and settlement critical section for one batch.
// No commit or reveal for the batch can be accepted at this point: the reveal
// deadline passed, and the store's phase gating refuses anything late.
func (a *Auctioneer) processBatch(rb *readyBatch) {
	if rb.aborted {
		log.Warnf("Batch %d: shutdown before reveal deadline, not clearing", rb.batchID)
		return
	}
	batchID := rb.batchID

	revealed := a.store.RevealedOrders(batchID)
	var receipts []*settle.BatchReceipt
	if len(revealed) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ClearingTimeout)
		results, failures := a.cfg.Clearing.ClearBatch(ctx, batchID, revealed)
		cancel()

		byID := a.store.OrdersByID(batchID)
		for _, res := range results {
			receipts = append(receipts, a.cfg.Settler.Settle(res, byID))
		}
		for _, fail := range failures {
			receipts = append(receipts, a.cfg.Settler.Refund(batchID, fail.Pair, fail.Orders, fail.Err))
		}
	}

	if len(receipts) > 0 || len(rb.misses) > 0 {
		rec := &BatchRecord{
			BatchID:  batchID,
			Start:    a.sched.BatchStart(batchID),
			End:      a.sched.BatchEnd(batchID),
			Misses:   rb.misses,
			Receipts: receipts,
		}
		if err := a.cfg.Archiver.ArchiveBatch(rec); err != nil {
			log.Errorf("Batch %d: archival failed: %v", batchID, err)
		}
	}

	a.store.Retire(batchID)
	if now := a.now(); now.After(a.sched.BatchEnd(batchID)) {
		log.Warnf("Batch %d: settlement overran its window by %s; commit slots were stalled",
			batchID, now.Sub(a.sched.BatchEnd(batchID)))
	}
}
