// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order defines the sealed batch-auction order types used throughout
// the server. An order enters the system as an opaque commitment plus escrowed
// collateral, and gains its plaintext Details only if its trader produces a
// matching reveal during the batch's reveal window.
package order

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/encode"
	"github.com/batchex/batchex/server/account"
	"github.com/decred/dcrd/crypto/blake256"
)

// HashFunc is the hash function used for commitments and order IDs.
var HashFunc = blake256.Sum256

const (
	// HashSize is the size of the hash function's output.
	HashSize = blake256.Size

	// OrderIDSize defines the length in bytes of an OrderID.
	OrderIDSize = HashSize

	// CommitmentSize defines the length in bytes of a Commitment.
	CommitmentSize = HashSize

	// SecretSize defines the length in bytes of a reveal Secret.
	SecretSize = 32
)

// OrderID is the unique identifier for each order. It is a function of the
// trader, batch, and commitment only, so it is known before reveal.
type OrderID [OrderIDSize]byte

// String returns a hexadecimal representation of the OrderID. String
// implements fmt.Stringer.
func (oid OrderID) String() string {
	return hex.EncodeToString(oid[:])
}

// Commitment is the blake256 hash of the serialized order details concatenated
// with the trader's secret. It is all the server sees of an order during the
// commit phase.
type Commitment [CommitmentSize]byte

// String returns a hexadecimal representation of the Commitment.
func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// Secret is the random value a trader mixes into their commitment. Revealed
// secrets are XORed together to seed the execution-order shuffle, so no
// participant can bias the ordering without controlling every secret.
type Secret [SecretSize]byte

// String returns a hexadecimal representation of the Secret.
func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

// RandomSecret generates a new cryptographically random Secret.
func RandomSecret() (s Secret) {
	copy(s[:], encode.RandomBytes(SecretSize))
	return
}

// DetailsSize is the length of a serialized Details.
const DetailsSize = 1 + 4 + 4 + 8 + 8 + 4

// Details is the plaintext content of an order: everything that was hidden
// behind the commitment hash until reveal.
type Details struct {
	// Sell is true for an order selling the base asset.
	Sell bool
	// Base and Quote are the asset IDs of the traded pair.
	Base  uint32
	Quote uint32
	// Qty is the amount being traded, in base asset units. Must be a multiple
	// of the market's lot size.
	Qty uint64
	// Rate is the limit price in quote asset units per unit base asset,
	// encoded with RateEncodingFactor. Must be a multiple of the market's
	// rate step.
	Rate uint64
	// Priority is an optional tie-break weight for execution ordering. It has
	// no influence on the clearing price, and is only consulted when the
	// server has priority ordering enabled.
	Priority uint32
}

// Pair returns the traded asset pair.
func (d *Details) Pair() bex.Pair {
	return bex.Pair{Base: d.Base, Quote: d.Quote}
}

// Serialize encodes the Details canonically: side ‖ base ‖ quote ‖ qty ‖
// rate ‖ priority, integers big-endian. Commitments are computed over this
// exact encoding, so it must never change for a given version of the protocol.
func (d *Details) Serialize() []byte {
	b := make([]byte, 0, DetailsSize)
	if d.Sell {
		b = append(b, encode.ByteTrue...)
	} else {
		b = append(b, encode.ByteFalse...)
	}
	b = append(b, encode.Uint32Bytes(d.Base)...)
	b = append(b, encode.Uint32Bytes(d.Quote)...)
	b = append(b, encode.Uint64Bytes(d.Qty)...)
	b = append(b, encode.Uint64Bytes(d.Rate)...)
	b = append(b, encode.Uint32Bytes(d.Priority)...)
	return b
}

// Commit computes the Commitment binding the Details to the Secret:
// blake256(serialized details ‖ secret). Any single-bit change to either input
// produces a different Commitment.
func Commit(d *Details, secret Secret) Commitment {
	return Commitment(HashFunc(append(d.Serialize(), secret[:]...)))
}

// Order is one trader's participation in one batch. The commitment fields are
// immutable once stored. Details and Secret are zero until a valid reveal.
type Order struct {
	Trader     account.AccountID
	BatchID    int64
	Commitment Commitment
	// Collateral is the amount escrowed at commit time, in collateral asset
	// units. Its full history is collateral_in = returned + forfeited.
	Collateral uint64
	Status     Status
	Details    *Details
	Secret     Secret

	id *OrderID // cached on first call to ID
}

// ID computes the order's unique ID from the trader, batch, and commitment.
// The ID is cached after the first call.
func (o *Order) ID() OrderID {
	if o.id != nil {
		return *o.id
	}
	b := make([]byte, 0, account.HashSize+8+CommitmentSize)
	b = append(b, o.Trader[:]...)
	b = append(b, encode.Uint64Bytes(uint64(o.BatchID))...)
	b = append(b, o.Commitment[:]...)
	id := OrderID(HashFunc(b))
	o.id = &id
	return id
}

// UID gives the string representation of the order ID.
func (o *Order) UID() string {
	return o.ID().String()
}

// Revealed indicates whether the order's plaintext details are known.
func (o *Order) Revealed() bool {
	return o.Status == StatusRevealed || o.Status == StatusSettled ||
		o.Status == StatusRefunded
}

// String prints a terse identification of the order.
func (o *Order) String() string {
	return fmt.Sprintf("%s (batch %d, %s)", o.UID(), o.BatchID, o.Status)
}

// SortByID sorts the orders lexicographically by order ID, the canonical
// pre-shuffle ordering.
func SortByID(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		ii, ij := orders[i].ID(), orders[j].ID()
		return bytes.Compare(ii[:], ij[:]) < 0
	})
}
