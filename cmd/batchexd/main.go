// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/config"
	"github.com/batchex/batchex/server/archive"
	"github.com/batchex/batchex/server/auction"
	"github.com/batchex/batchex/server/clearing"
	"github.com/batchex/batchex/server/collateral"
	"github.com/batchex/batchex/server/feed"
	"github.com/batchex/batchex/server/ledger"
	"github.com/batchex/batchex/server/oracle"
	"github.com/batchex/batchex/server/settle"
)

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, opts, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load batchexd config: %s\n", err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	if opts.CPUProfile != "" {
		var f *os.File
		f, err = os.Create(opts.CPUProfile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// HTTP profiler
	if opts.HTTPProfile {
		log.Warnf("Starting the HTTP profiler on path /debug/pprof/.")
		// http pprof uses http.DefaultServeMux
		http.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
		go func() {
			if err := http.ListenAndServe(":19232", nil); err != nil {
				log.Errorf("ListenAndServe failed for http/pprof: %v", err)
			}
		}()
	}

	// Display app version.
	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())

	// Load the market configurations.
	markets, err := config.LoadMarkets(cfg.MarketsConfPath)
	if err != nil {
		return fmt.Errorf("failed to load market config %q: %v",
			cfg.MarketsConfPath, err)
	}
	marketMap := make(map[bex.Pair]*bex.MarketInfo, len(markets))
	for _, mkt := range markets {
		log.Infof("Market %s: lot size %d, rate step %d, deviation bound %d bps",
			mkt.Name, mkt.LotSize, mkt.RateStep, mkt.DeviationBps)
		marketMap[mkt.Pair()] = mkt
	}

	sched, err := auction.NewSchedule(cfg.CommitDur, cfg.RevealDur, cfg.SettleDur)
	if err != nil {
		return err
	}
	log.Infof("Batch cycle %v: commit %v, reveal %v, settling %v",
		sched.CycleDuration(), cfg.CommitDur, cfg.RevealDur, cfg.SettleDur)

	// The reference price oracle. Static rates take the place of the polling
	// oracle when configured.
	var wg sync.WaitGroup
	var rater clearing.RefRater
	if len(cfg.StaticRates) > 0 {
		log.Infof("Using %d fixed reference rates", len(cfg.StaticRates))
		rater = oracle.Static(cfg.StaticRates)
	} else {
		orcl := oracle.New(oracle.Config{Sources: cfg.OracleSources}, subsystemLogger("ORCL"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			orcl.Run(ctx)
		}()
		rater = orcl
	}

	// The batch archive.
	arch, err := archive.Open(cfg.ArchiveDir, subsystemLogger("ARCH"))
	if err != nil {
		return fmt.Errorf("failed to open batch archive at %q: %v", cfg.ArchiveDir, err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		arch.Run(ctx) // closes the DB on shutdown
	}()

	// The account ledger and collateral escrow.
	ldgr := ledger.NewMem()
	locker := collateral.NewLocker(cfg.CollateralAsset, ldgr)

	store := auction.NewStore(auction.StoreConfig{
		Schedule:       sched,
		Markets:        marketMap,
		Locker:         locker,
		MinCollateral:  cfg.MinCollateral,
		MissPenaltyBps: cfg.MissPenaltyBps,
	})

	auctioneer := auction.New(auction.Config{
		Schedule: sched,
		Store:    store,
		Clearing: clearing.New(clearing.Config{
			Markets:          marketMap,
			Oracle:           rater,
			PriorityOrdering: cfg.PriorityOrdering,
		}),
		Settler:         settle.New(ldgr, locker, store),
		Archiver:        arch,
		ClearingTimeout: cfg.ClearingTimeout,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		auctioneer.Run(ctx)
	}()

	// The summary feed server.
	feedSrv := feed.NewServer(&feed.Config{
		Addr:   cfg.FeedAddr,
		Source: auctioneer,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feedSrv.Run(ctx); err != nil {
			log.Errorf("Feed server error: %v", err)
		}
	}()

	log.Info("The auction server is running. Hit CTRL+C to quit...")
	<-ctx.Done()

	log.Info("Stopping auction server...")
	wg.Wait()
	log.Info("Bye!")

	return nil
}

func main() {
	// Create a context that is canceled when a shutdown request is received
	// via requestShutdown.
	ctx := withShutdownCancel(context.Background())
	// Listen for both interrupt signals (e.g. CTRL+C) and shutdown requests
	// (requestShutdown calls).
	go shutdownListener()

	err := mainCore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
