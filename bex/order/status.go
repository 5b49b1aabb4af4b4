// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

// Status indicates the state of an order within its batch's lifecycle.
type Status uint16

// An order is created in StatusCommitted, since collateral escrow and
// commitment storage are a single atomic step; there is no externally
// observable pending state. From there it moves to exactly one of
// StatusRevealed or StatusMissedReveal, and terminates as StatusSettled or
// StatusRefunded. Status never moves backward.
const (
	// StatusUnknown is a sentinel value to be used when the status of an
	// order cannot be determined.
	StatusUnknown Status = iota

	// StatusCommitted is for orders whose commitment hash and collateral have
	// been stored, but whose details remain hidden.
	StatusCommitted

	// StatusRevealed is for orders whose trader produced details and a secret
	// matching the stored commitment during the reveal window.
	StatusRevealed

	// StatusMissedReveal is for orders that reached the reveal deadline
	// without a valid reveal, either by silence or by a failed hash check.
	// Both cases carry the same collateral forfeiture.
	StatusMissedReveal

	// StatusSettled is a terminal status for orders that went through
	// clearing and settlement. This includes zero-fill orders; settlement at
	// a zero fill still releases collateral and retires the order.
	StatusSettled

	// StatusRefunded is a terminal status for orders in a market whose batch
	// clearing failed closed (price deviation, no matchable volume, missing
	// reference price, or clearing timeout). Collateral is returned in full.
	StatusRefunded
)

var statusNames = map[Status]string{
	StatusUnknown:      "unknown",
	StatusCommitted:    "committed",
	StatusRevealed:     "revealed",
	StatusMissedReveal: "missed_reveal",
	StatusSettled:      "settled",
	StatusRefunded:     "refunded",
}

// String implements Stringer.
func (s Status) String() string {
	name, ok := statusNames[s]
	if !ok {
		panic("unknown order status!") // programmer error
	}
	return name
}

// IsTerminal indicates whether the status is one no transition leaves.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusRefunded
}
