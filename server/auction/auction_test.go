// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package auction

import (
	"context"
	"testing"
	"time"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/order"
	"github.com/batchex/batchex/server/account"
	"github.com/batchex/batchex/server/clearing"
	"github.com/batchex/batchex/server/collateral"
	"github.com/batchex/batchex/server/settle"
)

const priceTwo = uint64(2_00000000) // 2.0 encoded

type fixedRater map[bex.Pair]uint64

func (r fixedRater) RefRate(base, quote uint32) (uint64, error) {
	rate, found := r[bex.Pair{Base: base, Quote: quote}]
	if !found {
		return 0, bex.ErrorKind("no rate")
	}
	return rate, nil
}

type recordingArchiver struct {
	records []*BatchRecord
}

func (r *recordingArchiver) ArchiveBatch(rec *BatchRecord) error {
	r.records = append(r.records, rec)
	return nil
}

// TestBatchLifecycle walks one batch end to end: commits, a partial set of
// reveals, forced misses at the deadline, clearing, settlement, archival, and
// retirement.
func TestBatchLifecycle(t *testing.T) {
	rig := newStoreRig(t)
	pair := bex.Pair{Base: testBase, Quote: testQuote}
	arch := &recordingArchiver{}

	auctioneer := New(Config{
		Schedule: rig.sched,
		Store:    rig.store,
		Clearing: clearing.New(clearing.Config{
			Markets: rig.store.cfg.Markets,
			Oracle:  fixedRater{pair: priceTwo},
		}),
		Settler:         settle.New(rig.ledger, rig.locker, rig.store),
		Archiver:        arch,
		ClearingTimeout: time.Minute,
		Now:             func() time.Time { return rig.now },
	})

	batchID, _, _ := rig.sched.At(time.Now())
	rig.setPhase(batchID, PhaseCommit)

	buyer, seller, silent := testTrader(1), testTrader(2), testTrader(3)
	buyDetails := &order.Details{Base: testBase, Quote: testQuote, Qty: 500, Rate: priceTwo}
	sellDetails := &order.Details{Sell: true, Base: testBase, Quote: testQuote, Qty: 500, Rate: priceTwo}

	// Fund trades and collateral. At 2.0, 500 base atoms cost 1000 quote.
	rig.fund(buyer, testCollateral)
	rig.fund(seller, testCollateral)
	rig.fund(silent, testCollateral)
	rig.ledger.Deposit(buyer, testQuote, 1000)
	rig.ledger.Deposit(seller, testBase, 500)

	buySecret, sellSecret := order.RandomSecret(), order.RandomSecret()
	if _, err := auctioneer.Commit(buyer, batchID, order.Commit(buyDetails, buySecret), testCollateral); err != nil {
		t.Fatalf("buyer commit error: %v", err)
	}
	if _, err := auctioneer.Commit(seller, batchID, order.Commit(sellDetails, sellSecret), testCollateral); err != nil {
		t.Fatalf("seller commit error: %v", err)
	}
	if _, err := auctioneer.Commit(silent, batchID, order.Commit(testDetails(), order.RandomSecret()), testCollateral); err != nil {
		t.Fatalf("silent commit error: %v", err)
	}

	summary := auctioneer.Summary()
	if summary.BatchID != batchID || summary.Phase != "commit" || summary.Orders != 3 || summary.Revealed != 0 {
		t.Fatalf("commit-phase summary = %+v", summary)
	}

	rig.setPhase(batchID, PhaseReveal)
	if _, err := auctioneer.Reveal(buyer, batchID, buyDetails, buySecret); err != nil {
		t.Fatalf("buyer reveal error: %v", err)
	}
	if _, err := auctioneer.Reveal(seller, batchID, sellDetails, sellSecret); err != nil {
		t.Fatalf("seller reveal error: %v", err)
	}

	summary = auctioneer.Summary()
	if summary.Phase != "reveal" || summary.Revealed != 2 || summary.Notional != 2000 {
		t.Fatalf("reveal-phase summary = %+v", summary)
	}

	// The reveal deadline passes. The silent trader is slashed, then the
	// batch clears, settles, archives, and retires.
	rig.setPhase(batchID, PhaseSettling)
	rb := &readyBatch{batchID: batchID, misses: rig.store.ForceMisses(batchID)}
	auctioneer.processBatch(rb)

	// The trade settled at the uniform price.
	if avail, _ := rig.ledger.Balance(buyer, testBase); avail != 500 {
		t.Fatalf("buyer base = %d, want 500", avail)
	}
	if avail, _ := rig.ledger.Balance(seller, testQuote); avail != 1000 {
		t.Fatalf("seller quote = %d, want 1000", avail)
	}

	// Settled traders recovered full collateral; the silent trader lost half.
	for _, trader := range []account.AccountID{buyer, seller} {
		if avail, escrowed := rig.ledger.Balance(trader, collateralAsset); avail != testCollateral || escrowed != 0 {
			t.Fatalf("settled collateral = (%d, %d), want (%d, 0)", avail, escrowed, testCollateral)
		}
	}
	wantForfeit := testCollateral * testPenaltyBps / collateral.BpsDivisor
	if avail, _ := rig.ledger.Balance(silent, collateralAsset); avail != testCollateral-wantForfeit {
		t.Fatalf("silent collateral = %d, want %d", avail, testCollateral-wantForfeit)
	}

	// Exactly one archived record with the miss and the market receipt.
	if len(arch.records) != 1 {
		t.Fatalf("archived %d records, want 1", len(arch.records))
	}
	rec := arch.records[0]
	if rec.BatchID != batchID || len(rec.Misses) != 1 || len(rec.Receipts) != 1 {
		t.Fatalf("record = %+v, want 1 miss and 1 receipt", rec)
	}
	if rec.Receipts[0].Price != priceTwo {
		t.Fatalf("receipt price = %d, want %d", rec.Receipts[0].Price, priceTwo)
	}

	// Retired: lookups miss, and the next batch accepts commitments.
	if _, found := auctioneer.Order(buyer, batchID); found {
		t.Fatal("retired batch still serves orders")
	}
	rig.setPhase(batchID+1, PhaseCommit)
	rig.fund(buyer, testCollateral)
	if _, err := auctioneer.Commit(buyer, batchID+1, order.Commit(testDetails(), order.RandomSecret()), testCollateral); err != nil {
		t.Fatalf("next-batch commit error: %v", err)
	}
}

// TestRefundLifecycle exercises the fail-closed path: a clearing failure must
// refund every revealed order in full.
func TestRefundLifecycle(t *testing.T) {
	rig := newStoreRig(t)
	arch := &recordingArchiver{}

	// No rate for the market: every pair fails closed with
	// ErrNoReferencePrice.
	auctioneer := New(Config{
		Schedule: rig.sched,
		Store:    rig.store,
		Clearing: clearing.New(clearing.Config{
			Markets: rig.store.cfg.Markets,
			Oracle:  fixedRater{},
		}),
		Settler:         settle.New(rig.ledger, rig.locker, rig.store),
		Archiver:        arch,
		ClearingTimeout: time.Minute,
		Now:             func() time.Time { return rig.now },
	})

	batchID, _, _ := rig.sched.At(time.Now())
	rig.setPhase(batchID, PhaseCommit)

	trader := testTrader(1)
	rig.fund(trader, testCollateral)
	details := testDetails()
	secret := order.RandomSecret()
	if _, err := auctioneer.Commit(trader, batchID, order.Commit(details, secret), testCollateral); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	rig.setPhase(batchID, PhaseReveal)
	if _, err := auctioneer.Reveal(trader, batchID, details, secret); err != nil {
		t.Fatalf("Reveal error: %v", err)
	}

	rig.setPhase(batchID, PhaseSettling)
	auctioneer.processBatch(&readyBatch{batchID: batchID})

	// Full collateral back, no forfeiture.
	avail, escrowed := rig.ledger.Balance(trader, collateralAsset)
	if avail != testCollateral || escrowed != 0 {
		t.Fatalf("balances = (%d, %d), want (%d, 0)", avail, escrowed, testCollateral)
	}
	if pool := rig.ledger.PoolBalance(collateralAsset); pool != 0 {
		t.Fatalf("pool = %d, want 0", pool)
	}
	if len(arch.records) != 1 || len(arch.records[0].Receipts) != 1 {
		t.Fatalf("archive records = %+v, want one refund receipt", arch.records)
	}
	receipt := arch.records[0].Receipts[0]
	if receipt.Reason == "" || len(receipt.Entries) != 1 || !receipt.Entries[0].Refunded {
		t.Fatalf("refund receipt = %+v", receipt)
	}
}

func TestBatchPumpOrder(t *testing.T) {
	bp := newBatchPump()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		bp.Run(ctx)
		close(done)
	}()

	rb1 := bp.Insert(1)
	rb2 := bp.Insert(2)
	rb3 := bp.Insert(3)

	// Close out of order. Delivery must still be strictly 1, 2, 3, each only
	// after its own close.
	close(rb3.ready)
	close(rb2.ready)

	select {
	case <-bp.ready:
		t.Fatal("batch delivered before its ready close")
	case <-time.After(50 * time.Millisecond):
	}

	close(rb1.ready)
	for want := int64(1); want <= 3; want++ {
		select {
		case rb := <-bp.ready:
			if rb.batchID != want {
				t.Fatalf("delivered batch %d, want %d", rb.batchID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for batch %d", want)
		}
	}

	// Cancellation drains and closes the ready channel.
	cancel()
	select {
	case _, ok := <-bp.ready:
		if ok {
			t.Fatal("unexpected extra batch")
		}
	case <-time.After(time.Second):
		t.Fatal("pump did not shut down")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump Run did not return")
	}

	// Inserts after halt are refused.
	if rb := bp.Insert(4); rb != nil {
		t.Fatal("insert succeeded on halted pump")
	}
}
