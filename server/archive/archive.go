// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package archive persists retired batch records to a badger key-value store.
// Archival is write-mostly: the auctioneer stores each batch once, and
// external auditors read records back by batch ID or iterate the history.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/bex/encode"
	"github.com/batchex/batchex/server/auction"
	"github.com/dgraph-io/badger/v4"
)

// ErrUnknownBatch is returned when a requested batch record is not archived.
const ErrUnknownBatch = bex.ErrorKind("no archived record for batch")

var batchKeyPrefix = []byte("batch/")

func batchKey(batchID int64) []byte {
	return append(encode.CopySlice(batchKeyPrefix), encode.Uint64Bytes(uint64(batchID))...)
}

// Archiver is a badger-backed batch archive. Archiver implements
// auction.Archiver.
type Archiver struct {
	*badger.DB
	log bex.Logger
}

var _ auction.Archiver = (*Archiver)(nil)

// Open opens or creates the archive at the given directory.
func Open(dir string, logger bex.Logger) (*Archiver, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLoggerWrapper{logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Archiver{DB: db, log: logger}, nil
}

// Run starts the garbage collection loop and closes the database when the
// context is canceled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := a.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				a.log.Errorf("garbage collection error: %v", err)
			}
		case <-ctx.Done():
			if err := a.DB.Close(); err != nil {
				a.log.Errorf("error closing archive: %v", err)
			}
			return
		}
	}
}

// ArchiveBatch stores the batch record, keyed by batch ID.
func (a *Archiver) ArchiveBatch(rec *auction.BatchRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return a.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(rec.BatchID), b)
	})
}

// Batch retrieves an archived batch record.
func (a *Archiver) Batch(batchID int64) (*auction.BatchRecord, error) {
	var rec *auction.BatchRecord
	err := a.View(func(txn *badger.Txn) error {
		item, err := txn.Get(batchKey(batchID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUnknownBatch
			}
			return err
		}
		return item.Value(func(v []byte) error {
			rec = new(auction.BatchRecord)
			return json.Unmarshal(v, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEachBatch iterates the archived batch records in batch ID order.
func (a *Archiver) ForEachBatch(f func(*auction.BatchRecord) error) error {
	return a.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = batchKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				rec := new(auction.BatchRecord)
				if err := json.Unmarshal(v, rec); err != nil {
					return err
				}
				return f(rec)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLoggerWrapper wraps bex.Logger and translates Warnf to Warningf to
// satisfy badger.Logger.
type badgerLoggerWrapper struct {
	bex.Logger
}

var _ badger.Logger = (*badgerLoggerWrapper)(nil)

// Warningf -> bex.Logger.Warnf
func (log *badgerLoggerWrapper) Warningf(s string, a ...any) {
	log.Warnf(s, a...)
}
