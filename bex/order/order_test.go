// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"testing"

	"github.com/batchex/batchex/server/account"
)

var acctX = account.AccountID{
	0x22, 0x4c, 0xba, 0xaa, 0xfa, 0x80, 0xbf, 0x3b, 0xd1, 0xff, 0x73, 0x15,
	0x90, 0xbc, 0xbd, 0xda, 0x5a, 0x76, 0xf9, 0x1e, 0x60, 0xa1, 0x56, 0x99,
	0x46, 0x34, 0xe9, 0x1c, 0xaa, 0xaa, 0xaa, 0xaa,
}

func testDetails() *Details {
	return &Details{
		Sell:     false,
		Base:     60, // eth
		Quote:    966, // usdc-ish
		Qty:      10 * 1e8,
		Rate:     2000 * 1e8,
		Priority: 0,
	}
}

func TestCommitBinding(t *testing.T) {
	details := testDetails()
	var secret Secret
	copy(secret[:], []byte("s1-not-very-random-but-fixed...."))

	commit := Commit(details, secret)
	if commit != Commit(details, secret) {
		t.Fatalf("commitment not deterministic")
	}

	// Any single-bit change to the details must change the commitment.
	mutations := []func(*Details){
		func(d *Details) { d.Sell = !d.Sell },
		func(d *Details) { d.Base ^= 1 },
		func(d *Details) { d.Quote ^= 1 },
		func(d *Details) { d.Qty ^= 1 },
		func(d *Details) { d.Rate ^= 1 },
		func(d *Details) { d.Priority ^= 1 },
	}
	for i, mutate := range mutations {
		mutated := *details
		mutate(&mutated)
		if Commit(&mutated, secret) == commit {
			t.Errorf("mutation %d did not alter the commitment", i)
		}
	}

	// Same for the secret.
	for i := range secret {
		badSecret := secret
		badSecret[i] ^= 0x01
		if Commit(details, badSecret) == commit {
			t.Errorf("flipping byte %d of the secret did not alter the commitment", i)
		}
	}
}

func TestOrderID(t *testing.T) {
	details := testDetails()
	secret := RandomSecret()
	commit := Commit(details, secret)

	ord := &Order{
		Trader:     acctX,
		BatchID:    123456,
		Commitment: commit,
		Collateral: 5e8,
		Status:     StatusCommitted,
	}
	id := ord.ID()
	// The ID must be computable pre-reveal and stable across reveal.
	ord.Details = details
	ord.Secret = secret
	ord.Status = StatusRevealed
	if ord.ID() != id {
		t.Fatalf("order ID changed after reveal")
	}

	// A different batch means a different ID, even for an identical
	// commitment.
	ord2 := &Order{
		Trader:     acctX,
		BatchID:    123457,
		Commitment: commit,
	}
	if ord2.ID() == id {
		t.Fatalf("order ID did not include the batch ID")
	}
}

func TestSerializeSize(t *testing.T) {
	b := testDetails().Serialize()
	if len(b) != DetailsSize {
		t.Fatalf("serialized details length %d, expected %d", len(b), DetailsSize)
	}
}

func TestStatusString(t *testing.T) {
	// Make sure a panic-free name exists for every defined status.
	for st := StatusUnknown; st <= StatusRefunded; st++ {
		if st.String() == "" {
			t.Fatalf("empty name for status %d", st)
		}
	}
}
