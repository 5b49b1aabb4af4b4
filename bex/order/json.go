// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"encoding/hex"
	"fmt"
)

// MarshalText satisfies encoding.TextMarshaler so OrderIDs serialize as hex
// in JSON archival records.
func (oid OrderID) MarshalText() ([]byte, error) {
	return []byte(oid.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (oid *OrderID) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(decoded) != OrderIDSize {
		return fmt.Errorf("invalid order ID length %d", len(decoded))
	}
	copy(oid[:], decoded)
	return nil
}

// MarshalText satisfies encoding.TextMarshaler.
func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (c *Commitment) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(decoded) != CommitmentSize {
		return fmt.Errorf("invalid commitment length %d", len(decoded))
	}
	copy(c[:], decoded)
	return nil
}
