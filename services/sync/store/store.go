// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

// Store is the Local Store: the full local replica plus the durable
// kv area, backed by a single Badger keyspace.
//
// # Thread Safety
//
// Store is safe for concurrent use. The single-writer guarantee for
// record tables is enforced by the hydration engine, not here; the
// store only guarantees that each Update call is one atomic
// transaction spanning every table it touches.
type Store struct {
	db       *badger.DB
	gc       *gcRunner
	strategy QueryStrategy
	logger   *slog.Logger
}

// Open opens the Local Store and probes query capabilities.
//
// # Inputs
//
//   - cfg: Database configuration. See Config.
//   - logger: Structured logger. Uses slog.Default() if nil.
//
// # Outputs
//
//   - *Store: The opened store. Caller must Close it.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger.With(slog.String("component", "store")),
	}

	s.strategy = probeStrategy(s)
	s.logger.Info("local store opened",
		slog.Bool("in_memory", cfg.InMemory),
		slog.String("query_strategy", s.strategy.Name()))

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
		s.gc.start()
	}
	return s, nil
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Strategy returns the active query strategy name (for diagnostics).
func (s *Store) Strategy() string { return s.strategy.Name() }

// Tx is a transaction over the Local Store.
//
// A Tx spans every table: record tables, secondary indexes, and the
// kv area. All writes within one Tx commit or abort together.
type Tx struct {
	txn *badger.Txn
}

// Update executes fn inside one read-write transaction.
//
// The transaction commits iff fn returns nil. Storage-engine limit
// errors are mapped to ErrQuota so callers can halt loops gracefully.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
	return mapStorageErr(err)
}

// View executes fn inside one read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return mapStorageErr(s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	}))
}

// mapStorageErr converts engine-level errors to store sentinels.
func mapStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", ErrQuota, err)
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	default:
		return err
	}
}

// Get reads one record within the transaction.
func (tx *Tx) Get(kind record.Kind, cid string) (*record.Record, error) {
	item, err := tx.txn.Get(recordKey(kind, cid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r record.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", kind, cid, err)
	}
	return &r, nil
}

// Put writes one record and maintains both secondary indexes.
//
// If a previous version of the record exists, its stale index entries
// are removed in the same transaction, so indexes never point at a
// record whose state or parent has moved on.
func (tx *Tx) Put(r *record.Record) error {
	prev, err := tx.Get(r.Kind, r.CID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil {
		if err := tx.dropIndexes(prev); err != nil {
			return err
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", r.Kind, r.CID, err)
	}
	if err := tx.txn.Set(recordKey(r.Kind, r.CID), data); err != nil {
		return err
	}
	return tx.writeIndexes(r)
}

// Delete hard-deletes a record and its index entries.
//
// Callers are responsible for honoring the tombstoned-and-synced
// precondition; the store does not second-guess the engine.
func (tx *Tx) Delete(kind record.Kind, cid string) error {
	prev, err := tx.Get(kind, cid)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.dropIndexes(prev); err != nil {
		return err
	}
	return tx.txn.Delete(recordKey(kind, cid))
}

func (tx *Tx) writeIndexes(r *record.Record) error {
	if parent := r.ParentCID(); parent != "" {
		if err := tx.txn.Set(parentKey(parent, r.CID), nil); err != nil {
			return err
		}
	}
	return tx.txn.Set(stateKey(r.Kind, r.State(), r.CID), nil)
}

func (tx *Tx) dropIndexes(r *record.Record) error {
	if parent := r.ParentCID(); parent != "" {
		if err := tx.txn.Delete(parentKey(parent, r.CID)); err != nil {
			return err
		}
	}
	return tx.txn.Delete(stateKey(r.Kind, r.State(), r.CID))
}

// SetKV writes a durable kv entry.
func (tx *Tx) SetKV(name string, val []byte) error {
	return tx.txn.Set(kvKey(name), val)
}

// GetKV reads a durable kv entry. Returns ErrNotFound if absent.
func (tx *Tx) GetKV(name string) ([]byte, error) {
	item, err := tx.txn.Get(kvKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// DeleteKV removes a durable kv entry. Absence is not an error.
func (tx *Tx) DeleteKV(name string) error {
	return tx.txn.Delete(kvKey(name))
}

// iterPrefix invokes fn for each key under prefix. fn receives the
// full key and a value copy; returning a non-nil error stops the scan.
func (tx *Tx) iterPrefix(prefix []byte, withValues bool, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = withValues
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var val []byte
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			val = v
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

// IterKV invokes fn for each kv entry under kv/<prefix>.
func (tx *Tx) IterKV(prefix string, fn func(name string, val []byte) error) error {
	full := kvKey(prefix)
	return tx.iterPrefix(full, true, func(key, val []byte) error {
		return fn(string(key[len(prefixKV):]), val)
	})
}

// -----------------------------------------------------------------------------
// Record-level convenience API (read paths and engine write paths)
// -----------------------------------------------------------------------------

// GetRecord reads one record in its own read transaction.
func (s *Store) GetRecord(ctx context.Context, kind record.Kind, cid string) (*record.Record, error) {
	var out *record.Record
	err := s.View(ctx, func(tx *Tx) error {
		r, err := tx.Get(kind, cid)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// ListAll returns every record of a kind, tombstones included.
func (s *Store) ListAll(ctx context.Context, kind record.Kind) ([]*record.Record, error) {
	var out []*record.Record
	err := s.View(ctx, func(tx *Tx) error {
		return tx.iterPrefix(recordPrefix(kind), true, func(_, val []byte) error {
			var r record.Record
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// ListByState returns records of a kind in a given sync state, via the
// active query strategy.
func (s *Store) ListByState(ctx context.Context, kind record.Kind, st record.State) ([]*record.Record, error) {
	var out []*record.Record
	err := s.View(ctx, func(tx *Tx) error {
		recs, err := s.strategy.ListByState(tx, kind, st)
		if err != nil {
			return err
		}
		out = recs
		return nil
	})
	return out, err
}

// ListChildren returns the Items whose parent is the given Collection.
func (s *Store) ListChildren(ctx context.Context, parentCID string) ([]*record.Record, error) {
	var out []*record.Record
	err := s.View(ctx, func(tx *Tx) error {
		recs, err := s.strategy.ListChildren(tx, parentCID)
		if err != nil {
			return err
		}
		out = recs
		return nil
	})
	return out, err
}
