// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bex

import (
	"fmt"
	"strings"
)

// Pair identifies a traded asset pair by the numeric asset IDs of the base and
// quote assets.
type Pair struct {
	Base  uint32 `json:"base"`
	Quote uint32 `json:"quote"`
}

// String satisfies fmt.Stringer with a "base/quote" numeric form. For the
// symbolic name, see MarketInfo.Name.
func (p Pair) String() string {
	return fmt.Sprintf("%d/%d", p.Base, p.Quote)
}

// MarketInfo specifies a market that the auction server operates.
type MarketInfo struct {
	Name    string
	Base    uint32
	Quote   uint32
	LotSize uint64
	// RateStep is the smallest price increment. Clearing prices and order
	// limit rates are multiples of RateStep.
	RateStep uint64
	// DeviationBps bounds the allowed deviation of a computed clearing price
	// from the reference price, in basis points. A batch whose clearing price
	// falls outside the bound fails closed for this market.
	DeviationBps uint64
}

// NewMarketInfo creates a new market configuration from the given base and
// quote asset symbols and IDs.
func NewMarketInfo(baseSymbol string, baseID uint32, quoteSymbol string, quoteID uint32, lotSize, rateStep, deviationBps uint64) (*MarketInfo, error) {
	if baseID == quoteID {
		return nil, fmt.Errorf("base and quote assets must differ, both are %d", baseID)
	}
	if lotSize == 0 {
		return nil, fmt.Errorf("market %s_%s: lot size cannot be zero", baseSymbol, quoteSymbol)
	}
	if rateStep == 0 {
		return nil, fmt.Errorf("market %s_%s: rate step cannot be zero", baseSymbol, quoteSymbol)
	}
	return &MarketInfo{
		Name:         marketName(strings.ToLower(baseSymbol), strings.ToLower(quoteSymbol)),
		Base:         baseID,
		Quote:        quoteID,
		LotSize:      lotSize,
		RateStep:     rateStep,
		DeviationBps: deviationBps,
	}, nil
}

// Pair returns the market's asset pair.
func (m *MarketInfo) Pair() Pair {
	return Pair{Base: m.Base, Quote: m.Quote}
}

func marketName(base, quote string) string {
	return base + "_" + quote
}
