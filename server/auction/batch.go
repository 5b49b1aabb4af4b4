// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package auction

import (
	"time"

	"github.com/batchex/batchex/bex/order"
	"github.com/batchex/batchex/server/account"
)

// Batch represents one auction round's order collection. The methods are not
// thread safe; the Store synchronizes all access.
type Batch struct {
	// BatchID is the batch index. It is assigned from the schedule and never
	// changes.
	BatchID int64
	// Start, CommitDeadline, RevealDeadline and End bound the batch's phase
	// windows, each [lower, upper).
	Start          time.Time
	CommitDeadline time.Time
	RevealDeadline time.Time
	End            time.Time

	// Orders holds one order per trader. A trader gets exactly one slot per
	// batch; the duplicate-commitment policy is enforced by the Store.
	Orders map[account.AccountID]*order.Order
	byID   map[order.OrderID]*order.Order

	// Aggregate counters for the read-only summary projection. Notional and
	// priority are only known for revealed orders; commitments are opaque.
	revealed int
	notional uint64
	priority int
}

func newBatch(batchID int64, sched *Schedule) *Batch {
	return &Batch{
		BatchID:        batchID,
		Start:          sched.BatchStart(batchID),
		CommitDeadline: sched.CommitDeadline(batchID),
		RevealDeadline: sched.RevealDeadline(batchID),
		End:            sched.BatchEnd(batchID),
		Orders:         make(map[account.AccountID]*order.Order),
		byID:           make(map[order.OrderID]*order.Order),
	}
}

// insert stores an order. The Store checks the duplicate policy first.
func (b *Batch) insert(ord *order.Order) {
	b.Orders[ord.Trader] = ord
	b.byID[ord.ID()] = ord
}

// revealedSlice extracts the orders in StatusRevealed. The slice ordering is
// random; clearing canonicalizes it.
func (b *Batch) revealedSlice() []*order.Order {
	orders := make([]*order.Order, 0, b.revealed)
	for _, ord := range b.Orders {
		if ord.Status == order.StatusRevealed {
			orders = append(orders, ord)
		}
	}
	return orders
}

// IncludesTime checks if the given time falls in the batch's full window.
func (b *Batch) IncludesTime(t time.Time) bool {
	// [Start,End): check the inclusive lower bound.
	if t.Equal(b.Start) {
		return true
	}
	return t.After(b.Start) && t.Before(b.End)
}
