// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package clearing computes the uniform clearing price and the
// deterministic-but-unpredictable execution ordering for a batch of revealed
// orders. Each market in a batch clears independently: a pair that fails
// closed (price deviation, no matchable volume, missing reference price, or
// an expired time budget) is reported as a PairFailure and never aborts the
// other pairs.
package clearing

import (
	"context"
	"math/big"
	"sort"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/order"
)

const (
	// ErrUnknownMarket is returned for revealed orders on a pair the engine
	// has no market configuration for.
	ErrUnknownMarket = bex.ErrorKind("unknown market")

	// ErrNoReferencePrice indicates the reference price oracle could not
	// produce a rate for the pair at clearing time. The pair fails closed.
	ErrNoReferencePrice = bex.ErrorKind("no reference price")

	// ErrNoMatchableVolume indicates no candidate price crosses any buy
	// volume with any sell volume. The pair fails closed.
	ErrNoMatchableVolume = bex.ErrorKind("no matchable volume")

	// ErrPriceDeviation indicates the computed clearing price deviates from
	// the reference price beyond the market's configured bound. The pair
	// fails closed rather than settling at a potentially manipulated price.
	ErrPriceDeviation = bex.ErrorKind("clearing price deviation exceeds bound")

	// ErrTimeBudget indicates the clearing time budget expired before the
	// pair was processed. The pair fails closed.
	ErrTimeBudget = bex.ErrorKind("clearing time budget exceeded")
)

// RefRater supplies external reference prices for the deviation-bound check.
// It is an untrusted-but-necessary input: an error return fails the pair
// closed.
type RefRater interface {
	RefRate(base, quote uint32) (uint64, error)
}

// Result is the outcome of clearing one market of one batch. Price and
// ExecutionOrder are deterministic functions of the set of revealed orders
// and their secrets; rerunning the engine on the same inputs reproduces them
// exactly.
type Result struct {
	BatchID int64
	Pair    bex.Pair
	// Price is the single uniform clearing price. Every fill in this market
	// and batch settles at exactly this rate.
	Price uint64
	// Matched is the total matchable base asset volume at Price.
	Matched uint64
	// Seed is the XOR of all revealed secrets in the batch, recorded for
	// public auditability of the shuffle.
	Seed [order.SecretSize]byte
	// ExecutionOrder is the permutation of the market's order IDs that
	// governs partial-fill allocation. It does not affect price.
	ExecutionOrder []order.OrderID
	// Fills maps each order ID to its filled amount in base asset units.
	// Zero-fill orders are present with a zero value.
	Fills map[order.OrderID]uint64
}

// PairFailure describes a market whose clearing failed closed. All of the
// pair's orders are to be refunded in full.
type PairFailure struct {
	Pair   bex.Pair
	Orders []*order.Order
	Err    error
}

// Config is the clearing engine configuration.
type Config struct {
	// Markets configures the tradable pairs, keyed by Pair.
	Markets map[bex.Pair]*bex.MarketInfo
	// Oracle supplies reference prices.
	Oracle RefRater
	// PriorityOrdering enables the optional priority tie-break over the
	// shuffled execution order.
	PriorityOrdering bool
}

// Engine computes batch clearing results. The engine itself is stateless; the
// caller (the auctioneer) guarantees it runs exactly once per batch, at the
// reveal-to-settling transition.
type Engine struct {
	cfg Config
}

// New creates a clearing Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// ClearBatch clears every market present in the revealed order set. The
// context carries the clearing time budget; pairs not processed before it
// expires fail closed with ErrTimeBudget.
func (e *Engine) ClearBatch(ctx context.Context, batchID int64, revealed []*order.Order) ([]*Result, []*PairFailure) {
	seed := CombineSecrets(revealed)

	// Group by pair. Iteration over the groups is sorted for deterministic
	// logging and failure ordering; results themselves are per-pair
	// deterministic regardless.
	groups := make(map[bex.Pair][]*order.Order)
	for _, ord := range revealed {
		pair := ord.Details.Pair()
		groups[pair] = append(groups[pair], ord)
	}
	pairs := make([]bex.Pair, 0, len(groups))
	for pair := range groups {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Base != pairs[j].Base {
			return pairs[i].Base < pairs[j].Base
		}
		return pairs[i].Quote < pairs[j].Quote
	})

	var results []*Result
	var failures []*PairFailure
	for _, pair := range pairs {
		orders := groups[pair]
		if err := ctx.Err(); err != nil {
			log.Errorf("Batch %d: time budget expired with %s unprocessed", batchID, pair)
			failures = append(failures, &PairFailure{Pair: pair, Orders: orders, Err: ErrTimeBudget})
			continue
		}
		res, err := e.clearPair(batchID, pair, seed, orders)
		if err != nil {
			log.Warnf("Batch %d: market %s failed closed: %v", batchID, pair, err)
			failures = append(failures, &PairFailure{Pair: pair, Orders: orders, Err: err})
			continue
		}
		log.Debugf("Batch %d: market %s cleared %d orders at price %d, matched volume %d",
			batchID, pair, len(orders), res.Price, res.Matched)
		results = append(results, res)
	}
	return results, failures
}

func (e *Engine) clearPair(batchID int64, pair bex.Pair, seed [order.SecretSize]byte, orders []*order.Order) (*Result, error) {
	mkt, found := e.cfg.Markets[pair]
	if !found {
		return nil, bex.NewError(ErrUnknownMarket, pair.String())
	}

	refRate, err := e.cfg.Oracle.RefRate(pair.Base, pair.Quote)
	if err != nil || refRate == 0 {
		return nil, ErrNoReferencePrice
	}

	price, matched, err := uniformPrice(orders, refRate)
	if err != nil {
		return nil, err
	}
	if exceedsDeviation(price, refRate, mkt.DeviationBps) {
		return nil, bex.NewError(ErrPriceDeviation,
			pair.String()+": "+mkt.Name)
	}

	// The execution order determines partial-fill allocation only. All fills
	// share the uniform price.
	shuffled := make([]*order.Order, len(orders))
	copy(shuffled, orders)
	shuffleOrders(seed, pair, shuffled)
	if e.cfg.PriorityOrdering {
		prioritySort(shuffled)
	}

	execOrder := make([]order.OrderID, 0, len(shuffled))
	fills := make(map[order.OrderID]uint64, len(shuffled))
	remainingBuy, remainingSell := matched, matched
	for _, ord := range shuffled {
		execOrder = append(execOrder, ord.ID())
		var fill uint64
		d := ord.Details
		if d.Sell {
			if d.Rate <= price {
				fill = min(d.Qty, remainingSell)
				remainingSell -= fill
			}
		} else {
			if d.Rate >= price {
				fill = min(d.Qty, remainingBuy)
				remainingBuy -= fill
			}
		}
		fills[ord.ID()] = fill
	}

	return &Result{
		BatchID:        batchID,
		Pair:           pair,
		Price:          price,
		Matched:        matched,
		Seed:           seed,
		ExecutionOrder: execOrder,
		Fills:          fills,
	}, nil
}

// uniformPrice finds the single price that equalizes aggregate buy volume at
// or above the price with aggregate sell volume at or below it as closely as
// possible. Candidate prices are the distinct limit rates. Ties break toward
// maximum matched volume, then toward the candidate closest to the reference
// rate, then toward the lower price.
func uniformPrice(orders []*order.Order, refRate uint64) (price, matched uint64, err error) {
	candidates := make([]uint64, 0, len(orders))
	seen := make(map[uint64]bool, len(orders))
	for _, ord := range orders {
		if rate := ord.Details.Rate; !seen[rate] {
			seen[rate] = true
			candidates = append(candidates, rate)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var bestPrice, bestMatched uint64
	var bestDist *big.Int
	for _, p := range candidates {
		var buyVol, sellVol uint64
		for _, ord := range orders {
			d := ord.Details
			if d.Sell {
				if d.Rate <= p {
					sellVol += d.Qty
				}
			} else if d.Rate >= p {
				buyVol += d.Qty
			}
		}
		m := min(buyVol, sellVol)
		if m == 0 {
			continue
		}
		dist := rateDistance(p, refRate)
		if m > bestMatched || (m == bestMatched && dist.Cmp(bestDist) < 0) {
			bestPrice, bestMatched, bestDist = p, m, dist
		}
	}
	if bestMatched == 0 {
		return 0, 0, ErrNoMatchableVolume
	}
	return bestPrice, bestMatched, nil
}

// rateDistance computes |price - ref| as a big.Int.
func rateDistance(price, ref uint64) *big.Int {
	bigPrice := new(big.Int).SetUint64(price)
	bigRef := new(big.Int).SetUint64(ref)
	return new(big.Int).Abs(new(big.Int).Sub(bigPrice, bigRef))
}

// exceedsDeviation reports whether |price - ref| / ref exceeds the bound in
// basis points. Computed in integers: |price - ref| * 10000 > ref * bps.
func exceedsDeviation(price, ref, bps uint64) bool {
	lhs := rateDistance(price, ref)
	lhs.Mul(lhs, big.NewInt(10_000))
	rhs := new(big.Int).SetUint64(ref)
	rhs.Mul(rhs, new(big.Int).SetUint64(bps))
	return lhs.Cmp(rhs) > 0
}
