// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config reads ini-formatted market configuration files.
package config

import (
	"fmt"
	"strings"

	"github.com/batchex/batchex/bex"
	"gopkg.in/ini.v1"
)

// marketSection is one ini section of a markets configuration file. The
// section name is the market name, "basesymbol_quotesymbol".
type marketSection struct {
	BaseID       uint32 `ini:"baseid"`
	QuoteID      uint32 `ini:"quoteid"`
	LotSize      uint64 `ini:"lotsize"`
	RateStep     uint64 `ini:"ratestep"`
	DeviationBps uint64 `ini:"deviationbps"`
}

// LoadMarkets reads the markets configuration from the provided ini file path
// or []byte data. Each section defines one market:
//
//	[dcr_btc]
//	baseid = 42
//	quoteid = 0
//	lotsize = 100000000
//	ratestep = 1000
//	deviationbps = 500
func LoadMarkets(cfgPathOrData interface{}) ([]*bex.MarketInfo, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}

	var markets []*bex.MarketInfo
	seen := make(map[bex.Pair]string)
	for _, section := range cfgFile.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		symbols := strings.Split(section.Name(), "_")
		if len(symbols) != 2 {
			return nil, fmt.Errorf("invalid market section name %q, expected base_quote", section.Name())
		}
		var sec marketSection
		if err := section.MapTo(&sec); err != nil {
			return nil, fmt.Errorf("market %s: %w", section.Name(), err)
		}
		mkt, err := bex.NewMarketInfo(symbols[0], sec.BaseID, symbols[1], sec.QuoteID,
			sec.LotSize, sec.RateStep, sec.DeviationBps)
		if err != nil {
			return nil, err
		}
		if prev, found := seen[mkt.Pair()]; found {
			return nil, fmt.Errorf("markets %s and %s share pair %s", prev, mkt.Name, mkt.Pair())
		}
		seen[mkt.Pair()] = mkt.Name
		markets = append(markets, mkt)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("no markets defined")
	}
	return markets, nil
}
