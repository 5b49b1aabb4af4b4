// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package collateral tracks the collateral escrowed behind each order
// commitment. The Locker is the single authority over the escrow ledger
// instructions for commitments, so a collateral amount can never be released
// and forfeited twice, or released without a corresponding lock.
package collateral

import (
	"sync"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/order"
	"github.com/batchex/batchex/server/account"
	"github.com/batchex/batchex/server/ledger"
)

const (
	// BpsDivisor is the divisor for basis point fractions.
	BpsDivisor = 10_000

	// ErrUnknownOrder is returned when releasing or slashing collateral for
	// an order the Locker is not tracking.
	ErrUnknownOrder = bex.ErrorKind("no collateral locked for order")
)

type lockedFunds struct {
	acct account.AccountID
	amt  uint64
}

// Locker escrows and releases order collateral in a configured collateral
// asset. All methods are thread-safe, and each method's ledger instruction is
// atomic with its bookkeeping: there is no observable state where collateral
// has moved but no record exists, or vice versa.
type Locker struct {
	assetID uint32
	ledger  ledger.Ledger

	mtx    sync.Mutex
	locked map[order.OrderID]*lockedFunds
}

// NewLocker creates a Locker escrowing the specified asset via the given
// ledger.
func NewLocker(assetID uint32, ldgr ledger.Ledger) *Locker {
	return &Locker{
		assetID: assetID,
		ledger:  ldgr,
		locked:  make(map[order.OrderID]*lockedFunds),
	}
}

// AssetID is the ID of the collateral asset.
func (l *Locker) AssetID() uint32 {
	return l.assetID
}

// Lock escrows amt of the trader's collateral against the order. A Lock for
// an order that already holds collateral is rejected; the caller decides
// commitment overwrite policy before locking.
func (l *Locker) Lock(oid order.OrderID, acct account.AccountID, amt uint64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, exists := l.locked[oid]; exists {
		return bex.NewError(ErrUnknownOrder, "already locked: "+oid.String())
	}
	if err := l.ledger.Escrow(acct, l.assetID, amt); err != nil {
		return err
	}
	l.locked[oid] = &lockedFunds{acct: acct, amt: amt}
	return nil
}

// Amount returns the collateral amount locked for the order, if any.
func (l *Locker) Amount(oid order.OrderID) (uint64, bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	funds, found := l.locked[oid]
	if !found {
		return 0, false
	}
	return funds.amt, true
}

// Release returns the order's full collateral to the trader and stops
// tracking the order. Used for valid reveals at settlement and for fail-closed
// refunds.
func (l *Locker) Release(oid order.OrderID) (uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	funds, found := l.locked[oid]
	if !found {
		return 0, bex.NewError(ErrUnknownOrder, oid.String())
	}
	if err := l.ledger.ReleaseEscrow(funds.acct, l.assetID, funds.amt); err != nil {
		return 0, err
	}
	delete(l.locked, oid)
	return funds.amt, nil
}

// Slash forfeits penaltyBps basis points of the order's collateral to the
// protocol pool and returns the remainder to the trader. The sum of the
// forfeited and returned amounts always equals the locked amount.
func (l *Locker) Slash(oid order.OrderID, penaltyBps uint64) (forfeited, returned uint64, err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	funds, found := l.locked[oid]
	if !found {
		return 0, 0, bex.NewError(ErrUnknownOrder, oid.String())
	}
	forfeited = funds.amt * penaltyBps / BpsDivisor
	returned = funds.amt - forfeited
	if err = l.ledger.Forfeit(funds.acct, l.assetID, forfeited); err != nil {
		return 0, 0, err
	}
	if err = l.ledger.ReleaseEscrow(funds.acct, l.assetID, returned); err != nil {
		// The forfeiture succeeded but the release failed. This cannot happen
		// with a conforming Ledger, since forfeiture left exactly the
		// remainder in escrow.
		return forfeited, 0, err
	}
	delete(l.locked, oid)
	return forfeited, returned, nil
}
