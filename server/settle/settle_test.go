// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package settle

import (
	"testing"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/order"
	"github.com/batchex/batchex/server/account"
	"github.com/batchex/batchex/server/clearing"
	"github.com/batchex/batchex/server/collateral"
	"github.com/batchex/batchex/server/ledger"
)

const (
	collateralAsset = uint32(42)
	baseAsset       = uint32(7)
	quoteAsset      = uint32(0)
	testCollateral  = uint64(10_000)
	testBatchID     = int64(12)

	priceTwo = uint64(2_00000000) // 2.0 encoded
)

var testPair = bex.Pair{Base: baseAsset, Quote: quoteAsset}

// memKeeper is a StatusKeeper over a plain map, standing in for the auction
// store.
type memKeeper map[order.OrderID]order.Status

func (k memKeeper) Transition(oid order.OrderID, from, to order.Status) bool {
	if k[oid] != from {
		return false
	}
	k[oid] = to
	return true
}

type settleRig struct {
	ledger *ledger.Mem
	locker *collateral.Locker
	keeper memKeeper
	engine *Engine

	orders map[order.OrderID]*order.Order
	next   byte
}

func newSettleRig() *settleRig {
	ldgr := ledger.NewMem()
	locker := collateral.NewLocker(collateralAsset, ldgr)
	keeper := make(memKeeper)
	return &settleRig{
		ledger: ldgr,
		locker: locker,
		keeper: keeper,
		engine: New(ldgr, locker, keeper),
		orders: make(map[order.OrderID]*order.Order),
	}
}

// addOrder creates a revealed order with locked collateral and funded
// balances for its side of the trade.
func (rig *settleRig) addOrder(t *testing.T, sell bool, qty, rate, funding uint64) *order.Order {
	t.Helper()
	rig.next++
	trader := account.AccountID{rig.next}
	details := &order.Details{
		Sell:  sell,
		Base:  baseAsset,
		Quote: quoteAsset,
		Qty:   qty,
		Rate:  rate,
	}
	secret := order.RandomSecret()
	ord := &order.Order{
		Trader:     trader,
		BatchID:    testBatchID,
		Commitment: order.Commit(details, secret),
		Collateral: testCollateral,
		Status:     order.StatusRevealed,
		Details:    details,
		Secret:     secret,
	}
	fundingAsset := quoteAsset
	if sell {
		fundingAsset = baseAsset
	}
	rig.ledger.Deposit(trader, fundingAsset, funding)
	rig.ledger.Deposit(trader, collateralAsset, testCollateral)
	if err := rig.locker.Lock(ord.ID(), trader, testCollateral); err != nil {
		t.Fatalf("collateral lock error: %v", err)
	}
	rig.keeper[ord.ID()] = order.StatusRevealed
	rig.orders[ord.ID()] = ord
	return ord
}

func (rig *settleRig) result(price uint64, fills map[order.OrderID]uint64) *clearing.Result {
	execOrder := make([]order.OrderID, 0, len(fills))
	for oid := range rig.orders {
		execOrder = append(execOrder, oid)
	}
	return &clearing.Result{
		BatchID:        testBatchID,
		Pair:           testPair,
		Price:          price,
		ExecutionOrder: execOrder,
		Fills:          fills,
	}
}

func TestSettleMatchedPair(t *testing.T) {
	rig := newSettleRig()
	// Buyer funded with 2000 quote atoms, seller with 1000 base atoms. At a
	// price of 2.0, a full 1000-atom fill trades those exactly.
	buy := rig.addOrder(t, false, 1000, priceTwo, 2000)
	sell := rig.addOrder(t, true, 1000, priceTwo, 1000)

	receipt := rig.engine.Settle(rig.result(priceTwo, map[order.OrderID]uint64{
		buy.ID():  1000,
		sell.ID(): 1000,
	}), rig.orders)

	if len(receipt.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(receipt.Entries))
	}
	for _, entry := range receipt.Entries {
		if entry.Err != "" {
			t.Fatalf("entry error for %v: %s", entry.OrderID, entry.Err)
		}
		if entry.CollateralReturned != testCollateral {
			t.Fatalf("collateral returned = %d, want %d", entry.CollateralReturned, testCollateral)
		}
	}

	// The buyer paid 2000 quote and holds 1000 base; the seller mirrors.
	if avail, _ := rig.ledger.Balance(buy.Trader, baseAsset); avail != 1000 {
		t.Fatalf("buyer base = %d, want 1000", avail)
	}
	if avail, _ := rig.ledger.Balance(buy.Trader, quoteAsset); avail != 0 {
		t.Fatalf("buyer quote = %d, want 0", avail)
	}
	if avail, _ := rig.ledger.Balance(sell.Trader, baseAsset); avail != 0 {
		t.Fatalf("seller base = %d, want 0", avail)
	}
	if avail, _ := rig.ledger.Balance(sell.Trader, quoteAsset); avail != 2000 {
		t.Fatalf("seller quote = %d, want 2000", avail)
	}

	// Collateral came home in full.
	for _, ord := range []*order.Order{buy, sell} {
		avail, escrowed := rig.ledger.Balance(ord.Trader, collateralAsset)
		if avail != testCollateral || escrowed != 0 {
			t.Fatalf("collateral balances = (%d, %d), want (%d, 0)", avail, escrowed, testCollateral)
		}
	}
}

func TestSettleIdempotent(t *testing.T) {
	rig := newSettleRig()
	buy := rig.addOrder(t, false, 1000, priceTwo, 2000)
	sell := rig.addOrder(t, true, 1000, priceTwo, 1000)

	res := rig.result(priceTwo, map[order.OrderID]uint64{
		buy.ID():  1000,
		sell.ID(): 1000,
	})
	rig.engine.Settle(res, rig.orders)

	// A duplicate settlement moves nothing: every order was claimed out of
	// the revealed state on the first pass.
	receipt := rig.engine.Settle(res, rig.orders)
	if len(receipt.Entries) != 0 {
		t.Fatalf("re-settle produced %d entries, want 0", len(receipt.Entries))
	}
	if avail, _ := rig.ledger.Balance(buy.Trader, baseAsset); avail != 1000 {
		t.Fatalf("buyer base = %d after re-settle, want 1000", avail)
	}
}

func TestSettleZeroFill(t *testing.T) {
	rig := newSettleRig()
	// A zero fill is a normal outcome: no balance moves, full collateral
	// back.
	ord := rig.addOrder(t, false, 1000, priceTwo, 2000)

	receipt := rig.engine.Settle(rig.result(priceTwo, map[order.OrderID]uint64{
		ord.ID(): 0,
	}), rig.orders)
	if len(receipt.Entries) != 1 || receipt.Entries[0].Filled != 0 {
		t.Fatalf("receipt = %+v, want one zero-fill entry", receipt.Entries)
	}
	if avail, _ := rig.ledger.Balance(ord.Trader, quoteAsset); avail != 2000 {
		t.Fatalf("quote balance = %d, want untouched 2000", avail)
	}
	if entry := receipt.Entries[0]; entry.CollateralReturned != testCollateral {
		t.Fatalf("collateral returned = %d, want %d", entry.CollateralReturned, testCollateral)
	}
}

func TestSettleFailureIsolation(t *testing.T) {
	rig := newSettleRig()
	// The underfunded buyer cannot pay for its fill. Its settlement fails,
	// its collateral stays locked, and the other orders settle normally.
	broke := rig.addOrder(t, false, 1000, priceTwo, 100)
	sell := rig.addOrder(t, true, 1000, priceTwo, 1000)
	buy := rig.addOrder(t, false, 1000, priceTwo, 2000)

	receipt := rig.engine.Settle(rig.result(priceTwo, map[order.OrderID]uint64{
		broke.ID(): 1000,
		sell.ID():  1000,
		buy.ID():   1000,
	}), rig.orders)

	var brokeEntry, sellEntry, buyEntry *ReceiptEntry
	for _, entry := range receipt.Entries {
		switch entry.OrderID {
		case broke.ID():
			brokeEntry = entry
		case sell.ID():
			sellEntry = entry
		case buy.ID():
			buyEntry = entry
		}
	}
	if brokeEntry == nil || brokeEntry.Err == "" {
		t.Fatalf("underfunded order entry = %+v, want error", brokeEntry)
	}
	if brokeEntry.CollateralReturned != 0 {
		t.Fatal("failed order's collateral was released")
	}
	if _, escrowed := rig.ledger.Balance(broke.Trader, collateralAsset); escrowed != testCollateral {
		t.Fatalf("failed order escrow = %d, want %d still locked", escrowed, testCollateral)
	}

	// Neighbors are untouched by the failure.
	for _, entry := range []*ReceiptEntry{sellEntry, buyEntry} {
		if entry == nil || entry.Err != "" {
			t.Fatalf("healthy order entry = %+v, want success", entry)
		}
		if entry.CollateralReturned != testCollateral {
			t.Fatalf("healthy order collateral = %d, want %d", entry.CollateralReturned, testCollateral)
		}
	}
}

func TestRefund(t *testing.T) {
	rig := newSettleRig()
	buy := rig.addOrder(t, false, 1000, priceTwo, 2000)
	sell := rig.addOrder(t, true, 1000, priceTwo, 1000)

	receipt := rig.engine.Refund(testBatchID, testPair,
		[]*order.Order{buy, sell}, clearing.ErrPriceDeviation)
	if receipt.Reason == "" {
		t.Fatal("refund receipt has no reason")
	}
	if len(receipt.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(receipt.Entries))
	}
	for _, entry := range receipt.Entries {
		if !entry.Refunded || entry.Filled != 0 {
			t.Fatalf("entry = %+v, want zero-fill refund", entry)
		}
		if entry.CollateralReturned != testCollateral {
			t.Fatalf("refund returned = %d, want full %d", entry.CollateralReturned, testCollateral)
		}
	}

	// No trade balances moved, no forfeiture, full collateral back.
	if avail, _ := rig.ledger.Balance(buy.Trader, quoteAsset); avail != 2000 {
		t.Fatalf("buyer quote = %d, want 2000", avail)
	}
	if pool := rig.ledger.PoolBalance(collateralAsset); pool != 0 {
		t.Fatalf("pool balance = %d, want 0", pool)
	}
	for _, ord := range []*order.Order{buy, sell} {
		avail, escrowed := rig.ledger.Balance(ord.Trader, collateralAsset)
		if avail != testCollateral || escrowed != 0 {
			t.Fatalf("collateral balances = (%d, %d), want (%d, 0)", avail, escrowed, testCollateral)
		}
	}

	// Refunding again is a no-op.
	if again := rig.engine.Refund(testBatchID, testPair,
		[]*order.Order{buy, sell}, clearing.ErrPriceDeviation); len(again.Entries) != 0 {
		t.Fatalf("re-refund produced %d entries, want 0", len(again.Entries))
	}
}
