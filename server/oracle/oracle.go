// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package oracle retrieves and caches the external reference prices used for
// the clearing deviation-bound check. The reference price is an
// untrusted-but-necessary input: when no fresh rate is available for a pair
// at clearing time, RefRate errors and the pair fails closed.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/server/clearing"
)

const (
	// ErrStaleRate is returned when no sufficiently fresh reference rate is
	// known for the pair.
	ErrStaleRate = bex.ErrorKind("reference rate stale or unavailable")

	// defaultRefreshInterval is how often sources are polled.
	defaultRefreshInterval = 5 * time.Second

	// defaultExpiry is the age beyond which a cached rate is discarded.
	defaultExpiry = time.Minute

	// requestTimeout bounds a single source fetch.
	requestTimeout = 5 * time.Second
)

// SourceConfig describes one HTTP reference price source for one pair. The
// endpoint must answer a GET with a JSON body containing a "price" field, the
// quote-per-base price as a number.
type SourceConfig struct {
	Name  string
	URL   string
	Base  uint32
	Quote uint32
}

// Config is the Oracle configuration.
type Config struct {
	Sources         []SourceConfig
	RefreshInterval time.Duration
	Expiry          time.Duration
}

type rateEntry struct {
	rate  uint64
	stamp time.Time
}

type source struct {
	name string
	url  string
	pair bex.Pair
}

// Oracle polls the configured sources and serves cached reference rates.
// Oracle implements clearing.RefRater.
type Oracle struct {
	log     bex.Logger
	sources []*source
	refresh time.Duration
	expiry  time.Duration
	client  *http.Client
	now     func() time.Time

	mtx   sync.RWMutex
	rates map[bex.Pair]*rateEntry
}

var _ clearing.RefRater = (*Oracle)(nil)

// New creates an Oracle.
func New(cfg Config, logger bex.Logger) *Oracle {
	refresh := cfg.RefreshInterval
	if refresh == 0 {
		refresh = defaultRefreshInterval
	}
	expiry := cfg.Expiry
	if expiry == 0 {
		expiry = defaultExpiry
	}
	sources := make([]*source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		sources = append(sources, &source{
			name: sc.Name,
			url:  sc.URL,
			pair: bex.Pair{Base: sc.Base, Quote: sc.Quote},
		})
	}
	return &Oracle{
		log:     logger,
		sources: sources,
		refresh: refresh,
		expiry:  expiry,
		client:  &http.Client{Timeout: requestTimeout},
		now:     time.Now,
		rates:   make(map[bex.Pair]*rateEntry),
	}
}

// Run polls the sources until the context is canceled.
func (o *Oracle) Run(ctx context.Context) {
	o.refreshAll(ctx)
	ticker := time.NewTicker(o.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshAll(ctx)
		}
	}
}

func (o *Oracle) refreshAll(ctx context.Context) {
	for _, src := range o.sources {
		rate, err := o.fetch(ctx, src)
		if err != nil {
			o.log.Warnf("Reference price fetch from %s for %s failed: %v", src.name, src.pair, err)
			continue
		}
		o.mtx.Lock()
		o.rates[src.pair] = &rateEntry{rate: rate, stamp: o.now()}
		o.mtx.Unlock()
		o.log.Tracef("Reference rate for %s from %s: %d", src.pair, src.name, rate)
	}
}

func (o *Oracle) fetch(ctx context.Context, src *source) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected response code %d from %s", resp.StatusCode, src.name)
	}
	var body struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.Price <= 0 {
		return 0, fmt.Errorf("non-positive price %f from %s", body.Price, src.name)
	}
	return uint64(body.Price * float64(clearing.RateEncodingFactor)), nil
}

// RefRate returns the cached reference rate for the pair, erroring if the
// rate is missing or older than the expiry. Callers treat the error as a
// fail-closed signal.
func (o *Oracle) RefRate(base, quote uint32) (uint64, error) {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	entry := o.rates[bex.Pair{Base: base, Quote: quote}]
	if entry == nil || o.now().Sub(entry.stamp) > o.expiry {
		return 0, ErrStaleRate
	}
	return entry.rate, nil
}

// Static is a fixed-rate RefRater for simnet operation and tests.
type Static map[bex.Pair]uint64

var _ clearing.RefRater = Static(nil)

// RefRate returns the fixed rate for the pair.
func (s Static) RefRate(base, quote uint32) (uint64, error) {
	rate, found := s[bex.Pair{Base: base, Quote: quote}]
	if !found {
		return 0, ErrStaleRate
	}
	return rate, nil
}
