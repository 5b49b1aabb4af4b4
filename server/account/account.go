// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package account defines trader identities. A trader is known to the auction
// server only by the hash of a secp256k1 public key. Signature verification is
// the business of an outer layer; the settlement core trusts commitment hash
// matches, not signatures.
package account

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// HashFunc is the hash function used to generate account IDs from public keys.
var HashFunc = blake256.Sum256

const (
	// HashSize is the size of an AccountID in bytes.
	HashSize = blake256.Size

	// PubKeySize is the length of an acceptable serialized (compressed)
	// public key.
	PubKeySize = secp256k1.PubKeyBytesLenCompressed
)

// AccountID is the unique identifier for a trader.
type AccountID [HashSize]byte

// NewID generates a unique account id with the provided public key bytes.
func NewID(pk []byte) AccountID {
	// Hash the pubkey hash.
	h := HashFunc(pk)
	return HashFunc(h[:])
}

// String returns a hexadecimal representation of the AccountID. String
// implements fmt.Stringer.
func (aid AccountID) String() string {
	return hex.EncodeToString(aid[:])
}

// MarshalText satisfies encoding.TextMarshaler so AccountIDs serialize as hex
// in JSON records.
func (aid AccountID) MarshalText() ([]byte, error) {
	return []byte(aid.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (aid *AccountID) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(decoded) != HashSize {
		return fmt.Errorf("invalid account ID length %d", len(decoded))
	}
	copy(aid[:], decoded)
	return nil
}

// Account represents a trader account.
type Account struct {
	ID     AccountID
	PubKey *secp256k1.PublicKey
}

// NewAccountFromPubKey creates a trader account from the provided public key
// bytes.
func NewAccountFromPubKey(pk []byte) (*Account, error) {
	if len(pk) != PubKeySize {
		return nil, fmt.Errorf("invalid pubkey length, "+
			"expected %d, got %d", PubKeySize, len(pk))
	}

	pubKey, err := secp256k1.ParsePubKey(pk)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:     NewID(pk),
		PubKey: pubKey,
	}, nil
}
