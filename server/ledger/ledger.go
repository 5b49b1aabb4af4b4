// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ledger defines the balance instruction interface the settlement core
// issues debits and credits against. The core never stores balances itself;
// production deployments back this interface with an external ledger system.
// The in-memory implementation here is the reference used by the daemon and
// the test suites.
package ledger

import (
	"sync"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/server/account"
)

const (
	// ErrInsufficientBalance is returned when a debit or escrow exceeds the
	// account's available balance.
	ErrInsufficientBalance = bex.ErrorKind("insufficient balance")

	// ErrInsufficientEscrow is returned when an escrow release or forfeiture
	// exceeds the account's escrowed balance. Seeing this error means
	// collateral accounting is corrupt, so callers should treat it as an
	// invariant violation, not a user error.
	ErrInsufficientEscrow = bex.ErrorKind("insufficient escrowed balance")
)

// Ledger is the set of balance instructions the settlement core issues. Every
// mutation is attributable to exactly one of commit escrow, reveal forfeiture,
// or settlement. Implementations must make each call atomic.
type Ledger interface {
	// Balance returns the available and escrowed balances for the account and
	// asset.
	Balance(acct account.AccountID, assetID uint32) (avail, escrowed uint64)
	// Escrow moves amt from the account's available balance to escrow.
	Escrow(acct account.AccountID, assetID uint32, amt uint64) error
	// ReleaseEscrow moves amt from the account's escrow back to its available
	// balance.
	ReleaseEscrow(acct account.AccountID, assetID uint32, amt uint64) error
	// Forfeit moves amt from the account's escrow to the protocol pool.
	Forfeit(acct account.AccountID, assetID uint32, amt uint64) error
	// Debit reduces the account's available balance by amt.
	Debit(acct account.AccountID, assetID uint32, amt uint64) error
	// Credit increases the account's available balance by amt.
	Credit(acct account.AccountID, assetID uint32, amt uint64)
}

type acctAsset struct {
	acct  account.AccountID
	asset uint32
}

type balances struct {
	avail    uint64
	escrowed uint64
}

// Mem is a thread-safe in-memory Ledger. It also tracks the protocol pool
// that receives forfeited collateral.
type Mem struct {
	mtx   sync.RWMutex
	accts map[acctAsset]*balances
	pool  map[uint32]uint64
}

var _ Ledger = (*Mem)(nil)

// NewMem creates an empty in-memory ledger.
func NewMem() *Mem {
	return &Mem{
		accts: make(map[acctAsset]*balances),
		pool:  make(map[uint32]uint64),
	}
}

func (m *Mem) balances(acct account.AccountID, assetID uint32) *balances {
	key := acctAsset{acct, assetID}
	b := m.accts[key]
	if b == nil {
		b = new(balances)
		m.accts[key] = b
	}
	return b
}

// Deposit adds funds to an account's available balance. This is a funding
// operation for the reference ledger, not part of the settlement core's
// instruction set.
func (m *Mem) Deposit(acct account.AccountID, assetID uint32, amt uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.balances(acct, assetID).avail += amt
}

// Balance returns the available and escrowed balances for the account and
// asset.
func (m *Mem) Balance(acct account.AccountID, assetID uint32) (avail, escrowed uint64) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	b := m.accts[acctAsset{acct, assetID}]
	if b == nil {
		return 0, 0
	}
	return b.avail, b.escrowed
}

// Escrow moves amt from the account's available balance to escrow.
func (m *Mem) Escrow(acct account.AccountID, assetID uint32, amt uint64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b := m.balances(acct, assetID)
	if b.avail < amt {
		return bex.NewError(ErrInsufficientBalance, acct.String())
	}
	b.avail -= amt
	b.escrowed += amt
	return nil
}

// ReleaseEscrow moves amt from the account's escrow back to its available
// balance.
func (m *Mem) ReleaseEscrow(acct account.AccountID, assetID uint32, amt uint64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b := m.balances(acct, assetID)
	if b.escrowed < amt {
		return bex.NewError(ErrInsufficientEscrow, acct.String())
	}
	b.escrowed -= amt
	b.avail += amt
	return nil
}

// Forfeit moves amt from the account's escrow to the protocol pool.
func (m *Mem) Forfeit(acct account.AccountID, assetID uint32, amt uint64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b := m.balances(acct, assetID)
	if b.escrowed < amt {
		return bex.NewError(ErrInsufficientEscrow, acct.String())
	}
	b.escrowed -= amt
	m.pool[assetID] += amt
	return nil
}

// Debit reduces the account's available balance by amt.
func (m *Mem) Debit(acct account.AccountID, assetID uint32, amt uint64) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b := m.balances(acct, assetID)
	if b.avail < amt {
		return bex.NewError(ErrInsufficientBalance, acct.String())
	}
	b.avail -= amt
	return nil
}

// Credit increases the account's available balance by amt.
func (m *Mem) Credit(acct account.AccountID, assetID uint32, amt uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.balances(acct, assetID).avail += amt
}

// PoolBalance returns the protocol pool balance for an asset, the accumulated
// forfeitures.
func (m *Mem) PoolBalance(assetID uint32) uint64 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.pool[assetID]
}
