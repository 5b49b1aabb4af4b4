// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package settle applies clearing results: it walks the execution order,
// moves balances at the uniform clearing price, releases collateral, and
// produces per-order receipts. Orders are processed independently; one
// order's failure never corrupts or aborts the others, and re-settling a
// result is a no-op because each order is claimed through an atomic status
// transition before any balance moves.
package settle

import (
	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/order"
	"github.com/batchex/batchex/server/account"
	"github.com/batchex/batchex/server/clearing"
	"github.com/batchex/batchex/server/collateral"
	"github.com/batchex/batchex/server/ledger"
)

// StatusKeeper guards order status transitions. The auction store implements
// this over its own mutex, so settlement's claimed transitions are atomic
// with respect to concurrent order lookups.
type StatusKeeper interface {
	// Transition moves the order from status 'from' to status 'to',
	// returning false without any change if the order is not in 'from'.
	Transition(oid order.OrderID, from, to order.Status) bool
}

// ReceiptEntry reports the settlement outcome for one order.
type ReceiptEntry struct {
	OrderID order.OrderID     `json:"orderId"`
	Trader  account.AccountID `json:"trader"`
	// Filled is the filled amount in base asset units. Partial and zero
	// fills are normal outcomes of the uniform-price allocation.
	Filled uint64 `json:"filled"`
	// Price is the uniform clearing price. Identical for every entry in a
	// batch receipt.
	Price              uint64 `json:"price"`
	CollateralReturned uint64 `json:"collateralReturned"`
	Refunded           bool   `json:"refunded,omitempty"`
	// Err is set when the order's balance moves violated a ledger invariant.
	// The order is fatal-flagged for external remediation; its collateral
	// remains locked.
	Err string `json:"err,omitempty"`
}

// BatchReceipt is the settlement outcome for one market of one batch.
type BatchReceipt struct {
	BatchID int64    `json:"batchId"`
	Pair    bex.Pair `json:"pair"`
	Price   uint64   `json:"price"`
	// Reason is set for refund receipts with the fail-closed cause.
	Reason  string          `json:"reason,omitempty"`
	Entries []*ReceiptEntry `json:"entries"`
}

// Engine is the settlement engine.
type Engine struct {
	ledger ledger.Ledger
	locker *collateral.Locker
	keeper StatusKeeper
}

// New creates a settlement Engine.
func New(ldgr ledger.Ledger, locker *collateral.Locker, keeper StatusKeeper) *Engine {
	return &Engine{
		ledger: ldgr,
		locker: locker,
		keeper: keeper,
	}
}

// Settle applies a clearing result. The orders map must contain every order
// named by the result's execution order. Orders already settled or otherwise
// out of the revealed state are skipped, making a second Settle of the same
// result a no-op: balances are never moved twice.
func (e *Engine) Settle(res *clearing.Result, orders map[order.OrderID]*order.Order) *BatchReceipt {
	receipt := &BatchReceipt{
		BatchID: res.BatchID,
		Pair:    res.Pair,
		Price:   res.Price,
	}

	for _, oid := range res.ExecutionOrder {
		ord, found := orders[oid]
		if !found {
			// A result naming an unknown order means the caller handed us
			// mismatched inputs. Loud, but the rest of the batch proceeds.
			log.Errorf("Batch %d: clearing result names unknown order %v", res.BatchID, oid)
			receipt.Entries = append(receipt.Entries, &ReceiptEntry{
				OrderID: oid,
				Price:   res.Price,
				Err:     "unknown order",
			})
			continue
		}

		// Claim the order. Failure means it is not in the revealed state:
		// already settled, refunded, or a missed reveal. No-op.
		if !e.keeper.Transition(oid, order.StatusRevealed, order.StatusSettled) {
			log.Tracef("Batch %d: order %v not settleable, skipping", res.BatchID, oid)
			continue
		}

		entry := e.settleOrder(ord, res.Fills[oid], res.Price)
		receipt.Entries = append(receipt.Entries, entry)
	}
	return receipt
}

// settleOrder moves one order's balances and releases its collateral. Every
// fill settles at the uniform price regardless of execution-order position.
func (e *Engine) settleOrder(ord *order.Order, fill, price uint64) *ReceiptEntry {
	entry := &ReceiptEntry{
		OrderID: ord.ID(),
		Trader:  ord.Trader,
		Filled:  fill,
		Price:   price,
	}
	d := ord.Details

	if fill > 0 {
		quoteAmt := clearing.BaseToQuote(price, fill)
		var err error
		if d.Sell {
			err = e.ledger.Debit(ord.Trader, d.Base, fill)
			if err == nil {
				e.ledger.Credit(ord.Trader, d.Quote, quoteAmt)
			}
		} else {
			err = e.ledger.Debit(ord.Trader, d.Quote, quoteAmt)
			if err == nil {
				e.ledger.Credit(ord.Trader, d.Base, fill)
			}
		}
		if err != nil {
			// Balance invariant violation. Fatal for this order only. The
			// collateral stays locked pending external remediation.
			log.Errorf("Batch %d: settlement of order %v failed: %v", ord.BatchID, ord.ID(), err)
			entry.Err = err.Error()
			return entry
		}
	}

	returned, err := e.locker.Release(ord.ID())
	if err != nil {
		log.Errorf("Batch %d: collateral release for order %v failed: %v", ord.BatchID, ord.ID(), err)
		entry.Err = err.Error()
		return entry
	}
	entry.CollateralReturned = returned
	return entry
}

// Refund retires a failed-closed market: every revealed order gets its full
// collateral back, with no fills and no forfeiture, because the failure is a
// systemic condition rather than individual misbehavior.
func (e *Engine) Refund(batchID int64, pair bex.Pair, orders []*order.Order, reason error) *BatchReceipt {
	receipt := &BatchReceipt{
		BatchID: batchID,
		Pair:    pair,
		Reason:  reason.Error(),
	}
	for _, ord := range orders {
		oid := ord.ID()
		if !e.keeper.Transition(oid, order.StatusRevealed, order.StatusRefunded) {
			continue
		}
		entry := &ReceiptEntry{
			OrderID:  oid,
			Trader:   ord.Trader,
			Refunded: true,
		}
		returned, err := e.locker.Release(oid)
		if err != nil {
			log.Errorf("Batch %d: refund of order %v failed: %v", batchID, oid, err)
			entry.Err = err.Error()
		} else {
			entry.CollateralReturned = returned
		}
		receipt.Entries = append(receipt.Entries, entry)
	}
	log.Infof("Batch %d: market %s refunded %d orders: %v", batchID, pair, len(receipt.Entries), reason)
	return receipt
}
