// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package auction

import (
	"fmt"
	"sync"
	"time"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/order"
	"github.com/batchex/batchex/server/account"
	"github.com/batchex/batchex/server/clearing"
	"github.com/batchex/batchex/server/collateral"
)

const (
	// ErrPhaseMismatch is returned for any operation attempted outside its
	// valid phase window, including commits while a previous batch's
	// settlement is stalling new slots. Never retried automatically, no side
	// effects.
	ErrPhaseMismatch = bex.ErrorKind("operation outside its phase window")

	// ErrInsufficientCollateral is returned for a commit whose collateral is
	// below the configured flat minimum. The store cannot see notional before
	// reveal, so a flat minimum is all it can enforce.
	ErrInsufficientCollateral = bex.ErrorKind("collateral below minimum")

	// ErrDuplicateCommitment is returned when a trader commits a second,
	// different commitment for the same batch. The first commitment binds.
	ErrDuplicateCommitment = bex.ErrorKind("trader already committed to batch")

	// ErrUnknownCommitment is returned for a reveal with no matching stored
	// commitment.
	ErrUnknownCommitment = bex.ErrorKind("no commitment for trader and batch")

	// ErrHashMismatch is returned when the recomputed commitment hash does
	// not match the stored one. This is trader misbehavior, not a system
	// error: the order is marked missed and partially slashed, and there is
	// no fix-and-retry for the batch.
	ErrHashMismatch = bex.ErrorKind("reveal does not match commitment")

	// ErrMalformedOrder is returned when revealed details hash correctly but
	// violate market rules (unknown pair, zero or non-lot quantity, zero or
	// off-step rate). The trader committed to an unsettleable order, so the
	// treatment is the same as a hash mismatch.
	ErrMalformedOrder = bex.ErrorKind("revealed order malformed")
)

// StoreConfig is the Store configuration.
type StoreConfig struct {
	Schedule *Schedule
	// Markets configures the tradable pairs for reveal validation.
	Markets map[bex.Pair]*bex.MarketInfo
	// Locker escrows commitment collateral.
	Locker *collateral.Locker
	// MinCollateral is the flat minimum collateral for any commitment.
	MinCollateral uint64
	// MissPenaltyBps is the fraction of collateral, in basis points,
	// forfeited on a missed or invalid reveal.
	MissPenaltyBps uint64
	// Now is the time source, defaulting to time.Now. Injected for tests.
	Now func() time.Time
}

// Store is the authoritative holder of batch order state. It owns the
// commitment records and the COMMITTED -> REVEALED / MISSED_REVEAL
// transitions, and it gates every operation by the schedule's phase. It never
// drives phase transitions itself; the Auctioneer does that.
type Store struct {
	cfg  StoreConfig
	now  func() time.Time
	mtx  sync.Mutex
	open map[int64]*Batch
}

// NewStore creates a Store.
func NewStore(cfg StoreConfig) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		cfg:  cfg,
		now:  now,
		open: make(map[int64]*Batch),
	}
}

// RevealResult reports the outcome of a reveal attempt or a forced miss.
type RevealResult struct {
	OrderID order.OrderID `json:"orderId"`
	Valid   bool          `json:"valid"`
	// Forfeited and Returned are the collateral split for an invalid or
	// missed reveal. Forfeited + Returned equals the escrowed collateral.
	Forfeited uint64 `json:"forfeited,omitempty"`
	Returned  uint64 `json:"returned,omitempty"`
}

// Commit stores a commitment and escrows its collateral atomically. A
// re-commit with the identical commitment is idempotent; a different
// commitment for the same trader and batch is rejected, since the first
// commitment binds.
func (s *Store) Commit(trader account.AccountID, batchID int64, commit order.Commitment, collateralAmt uint64) (order.OrderID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	curID, phase, _ := s.cfg.Schedule.At(now)
	if batchID != curID || phase != PhaseCommit {
		return order.OrderID{}, bex.NewError(ErrPhaseMismatch,
			fmt.Sprintf("commit for batch %d at batch %d phase %s", batchID, curID, phase))
	}
	// Overlapping batches are forbidden: while any earlier batch is still
	// clearing or settling, issuance of new commit slots stalls.
	for openID := range s.open {
		if openID < batchID {
			return order.OrderID{}, bex.NewError(ErrPhaseMismatch,
				fmt.Sprintf("batch %d still settling", openID))
		}
	}
	if collateralAmt < s.cfg.MinCollateral {
		return order.OrderID{}, bex.NewError(ErrInsufficientCollateral,
			fmt.Sprintf("%d < minimum %d", collateralAmt, s.cfg.MinCollateral))
	}

	batch := s.open[batchID]
	if batch == nil {
		batch = newBatch(batchID, s.cfg.Schedule)
		s.open[batchID] = batch
	}

	if existing := batch.Orders[trader]; existing != nil {
		if existing.Commitment == commit {
			// Idempotent re-commit.
			return existing.ID(), nil
		}
		return order.OrderID{}, bex.NewError(ErrDuplicateCommitment, trader.String())
	}

	ord := &order.Order{
		Trader:     trader,
		BatchID:    batchID,
		Commitment: commit,
		Collateral: collateralAmt,
		Status:     order.StatusCommitted,
	}
	// Escrow is atomic with commitment storage. Both happen under the store
	// mutex, and a failed escrow stores nothing.
	if err := s.cfg.Locker.Lock(ord.ID(), trader, collateralAmt); err != nil {
		return order.OrderID{}, err
	}
	batch.insert(ord)
	log.Debugf("Batch %d: commitment %v from %v with collateral %d",
		batchID, commit, trader, collateralAmt)
	return ord.ID(), nil
}

// Order is a read-only lookup of the trader's order in a batch. The returned
// Order is a copy, with its revealed Details copied too, so mutating it has no
// effect on stored state.
func (s *Store) Order(trader account.AccountID, batchID int64) (order.Order, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	batch := s.open[batchID]
	if batch == nil {
		return order.Order{}, false
	}
	ord := batch.Orders[trader]
	if ord == nil {
		return order.Order{}, false
	}
	cp := *ord
	if ord.Details != nil {
		details := *ord.Details
		cp.Details = &details
	}
	return cp, true
}

// Reveal validates plaintext order details and a secret against the stored
// commitment. A hash mismatch or malformed details is an invalid reveal, not
// a system error: the order is marked missed and slashed, and the result
// describes the forfeiture.
func (s *Store) Reveal(trader account.AccountID, batchID int64, details *order.Details, secret order.Secret) (*RevealResult, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	curID, phase, _ := s.cfg.Schedule.At(now)
	if batchID != curID || phase != PhaseReveal {
		return nil, bex.NewError(ErrPhaseMismatch,
			fmt.Sprintf("reveal for batch %d at batch %d phase %s", batchID, curID, phase))
	}

	batch := s.open[batchID]
	if batch == nil {
		return nil, bex.NewError(ErrUnknownCommitment, trader.String())
	}
	ord := batch.Orders[trader]
	if ord == nil {
		return nil, bex.NewError(ErrUnknownCommitment, trader.String())
	}
	if ord.Status != order.StatusCommitted {
		return nil, bex.NewError(ErrUnknownCommitment,
			fmt.Sprintf("order %v not awaiting reveal (%s)", ord.ID(), ord.Status))
	}

	if order.Commit(details, secret) != ord.Commitment {
		res, err := s.slash(batch, ord)
		if err != nil {
			return nil, err
		}
		log.Warnf("Batch %d: invalid reveal from %v for order %v: hash mismatch, "+
			"forfeited %d, returned %d", batchID, trader, ord.ID(), res.Forfeited, res.Returned)
		return res, ErrHashMismatch
	}

	if err := s.validDetails(details); err != nil {
		res, slashErr := s.slash(batch, ord)
		if slashErr != nil {
			return nil, slashErr
		}
		log.Warnf("Batch %d: malformed reveal from %v for order %v: %v, "+
			"forfeited %d, returned %d", batchID, trader, ord.ID(), err, res.Forfeited, res.Returned)
		return res, err
	}

	ord.Details = details
	ord.Secret = secret
	ord.Status = order.StatusRevealed
	batch.revealed++
	batch.notional += clearing.BaseToQuote(details.Rate, details.Qty)
	if details.Priority > 0 {
		batch.priority++
	}
	log.Debugf("Batch %d: valid reveal from %v for order %v", batchID, trader, ord.ID())
	return &RevealResult{OrderID: ord.ID(), Valid: true}, nil
}

// validDetails checks revealed details against the market rules.
func (s *Store) validDetails(d *order.Details) error {
	mkt, found := s.cfg.Markets[d.Pair()]
	if !found {
		return bex.NewError(ErrMalformedOrder, "unknown market "+d.Pair().String())
	}
	if d.Qty == 0 || d.Qty%mkt.LotSize != 0 {
		return bex.NewError(ErrMalformedOrder,
			fmt.Sprintf("quantity %d not a positive multiple of lot size %d", d.Qty, mkt.LotSize))
	}
	if d.Rate == 0 || d.Rate%mkt.RateStep != 0 {
		return bex.NewError(ErrMalformedOrder,
			fmt.Sprintf("rate %d not a positive multiple of rate step %d", d.Rate, mkt.RateStep))
	}
	return nil
}

// slash marks the order missed and applies the forfeiture split. Called with
// the store mutex held.
func (s *Store) slash(batch *Batch, ord *order.Order) (*RevealResult, error) {
	forfeited, returned, err := s.cfg.Locker.Slash(ord.ID(), s.cfg.MissPenaltyBps)
	if err != nil {
		return nil, err
	}
	ord.Status = order.StatusMissedReveal
	return &RevealResult{
		OrderID:   ord.ID(),
		Forfeited: forfeited,
		Returned:  returned,
	}, nil
}

// ForceMisses transitions every still-committed order in the batch to
// MISSED_REVEAL with the standard forfeiture. Silence is treated identically
// to an invalid reveal. Called by the Auctioneer at the reveal deadline; the
// outcomes are returned so they can be archived, and each is logged loudly
// since a trader losing collateral must never be a silent no-op.
func (s *Store) ForceMisses(batchID int64) []*RevealResult {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	batch := s.open[batchID]
	if batch == nil {
		return nil
	}
	var misses []*RevealResult
	for _, ord := range batch.Orders {
		if ord.Status != order.StatusCommitted {
			continue
		}
		res, err := s.slash(batch, ord)
		if err != nil {
			// Collateral accounting is broken for this order. Surface it and
			// keep going; the other orders are independent.
			log.Errorf("Batch %d: slashing missed reveal %v failed: %v", batchID, ord.ID(), err)
			continue
		}
		log.Warnf("Batch %d: order %v from %v missed reveal: forfeited %d, returned %d",
			batchID, ord.ID(), ord.Trader, res.Forfeited, res.Returned)
		misses = append(misses, res)
	}
	return misses
}

// RevealedOrders returns the batch's revealed orders for clearing.
func (s *Store) RevealedOrders(batchID int64) []*order.Order {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	batch := s.open[batchID]
	if batch == nil {
		return nil
	}
	return batch.revealedSlice()
}

// OrdersByID returns the batch's orders keyed by order ID, for settlement.
func (s *Store) OrdersByID(batchID int64) map[order.OrderID]*order.Order {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	batch := s.open[batchID]
	if batch == nil {
		return nil
	}
	byID := make(map[order.OrderID]*order.Order, len(batch.byID))
	for oid, ord := range batch.byID {
		byID[oid] = ord
	}
	return byID
}

// Transition atomically moves an order between statuses, returning false
// without change if the order is missing or not in 'from'. This implements
// settle.StatusKeeper: the settlement engine claims each order through here,
// so a double settle can never move balances twice.
func (s *Store) Transition(oid order.OrderID, from, to order.Status) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, batch := range s.open {
		if ord := batch.byID[oid]; ord != nil {
			if ord.Status != from {
				return false
			}
			ord.Status = to
			return true
		}
	}
	return false
}

// Retire drops a fully settled batch from the store, opening the next batch's
// commit slots. The Auctioneer archives the batch before retiring it.
func (s *Store) Retire(batchID int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.open, batchID)
}

// counters returns the summary counters for a batch, or zeros if the batch
// has no orders yet.
func (s *Store) counters(batchID int64) (orders, revealed, priority int, notional uint64, stalled bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for openID := range s.open {
		if openID < batchID {
			stalled = true
		}
	}
	batch := s.open[batchID]
	if batch == nil {
		return
	}
	return len(batch.Orders), batch.revealed, batch.priority, batch.notional, stalled
}
