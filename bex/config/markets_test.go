// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package config

import (
	"testing"

	"github.com/batchex/batchex/bex"
)

func TestLoadMarkets(t *testing.T) {
	data := []byte(`
[dcr_btc]
baseid = 42
quoteid = 0
lotsize = 100000000
ratestep = 1000
deviationbps = 500

[ltc_btc]
baseid = 2
quoteid = 0
lotsize = 50000000
ratestep = 100
deviationbps = 250
`)
	markets, err := LoadMarkets(data)
	if err != nil {
		t.Fatalf("LoadMarkets error: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("got %d markets, want 2", len(markets))
	}
	mkt := markets[0]
	if mkt.Name != "dcr_btc" || mkt.Base != 42 || mkt.Quote != 0 {
		t.Fatalf("market = %+v", mkt)
	}
	if mkt.LotSize != 100000000 || mkt.RateStep != 1000 || mkt.DeviationBps != 500 {
		t.Fatalf("market parameters = %+v", mkt)
	}
	if mkt.Pair() != (bex.Pair{Base: 42, Quote: 0}) {
		t.Fatalf("pair = %v", mkt.Pair())
	}
}

func TestLoadMarketsErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"bad section name", "[dcrbtc]\nbaseid = 42\nquoteid = 0\nlotsize = 1\nratestep = 1\n"},
		{"same assets", "[dcr_dcr]\nbaseid = 42\nquoteid = 42\nlotsize = 1\nratestep = 1\n"},
		{"zero lot size", "[dcr_btc]\nbaseid = 42\nquoteid = 0\nlotsize = 0\nratestep = 1\n"},
		{"zero rate step", "[dcr_btc]\nbaseid = 42\nquoteid = 0\nlotsize = 1\nratestep = 0\n"},
		{"duplicate pair", "[dcr_btc]\nbaseid = 42\nquoteid = 0\nlotsize = 1\nratestep = 1\n" +
			"[decred_bitcoin]\nbaseid = 42\nquoteid = 0\nlotsize = 1\nratestep = 1\n"},
	}
	for _, tt := range tests {
		if _, err := LoadMarkets([]byte(tt.data)); err == nil {
			t.Errorf("%s: no error", tt.name)
		}
	}
}
