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
	"bytes"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

// QueryStrategy abstracts how list queries find records.
//
// The primary strategy reads the secondary indexes; the fallback
// iterates the record table and filters. Both return the same result
// sets; they differ only in cost and in what they require of the
// on-disk state.
type QueryStrategy interface {
	// Name identifies the strategy in logs and diagnostics.
	Name() string

	// ListByState returns records of a kind in a given sync state.
	ListByState(tx *Tx, kind record.Kind, st record.State) ([]*record.Record, error)

	// ListChildren returns Items whose parent Collection has the cid.
	ListChildren(tx *Tx, parentCID string) ([]*record.Record, error)
}

// indexScan is the primary strategy: range-scan the idx/ keyspace and
// resolve each cid to its record.
type indexScan struct{}

func (indexScan) Name() string { return "index" }

func (indexScan) ListByState(tx *Tx, kind record.Kind, st record.State) ([]*record.Record, error) {
	var out []*record.Record
	err := tx.iterPrefix(statePrefix(kind, st), false, func(key, _ []byte) error {
		cid := cidFromIndexKey(key)
		r, err := tx.Get(kind, cid)
		if errors.Is(err, ErrNotFound) {
			// Orphaned index entry; skip rather than fail the scan.
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (indexScan) ListChildren(tx *Tx, parentCID string) ([]*record.Record, error) {
	var out []*record.Record
	err := tx.iterPrefix(parentPrefix(parentCID), false, func(key, _ []byte) error {
		cid := cidFromIndexKey(key)
		r, err := tx.Get(record.KindItem, cid)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// fullScan is the fallback strategy: iterate the record table and
// filter in memory. Correct against any index state, at linear cost.
type fullScan struct{}

func (fullScan) Name() string { return "fullscan" }

func (fullScan) ListByState(tx *Tx, kind record.Kind, st record.State) ([]*record.Record, error) {
	var out []*record.Record
	err := tx.iterPrefix(recordPrefix(kind), true, func(_, val []byte) error {
		var r record.Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if r.State() == st {
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func (fullScan) ListChildren(tx *Tx, parentCID string) ([]*record.Record, error) {
	var out []*record.Record
	err := tx.iterPrefix(recordPrefix(record.KindItem), true, func(_, val []byte) error {
		var r record.Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if r.ParentCID() == parentCID {
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// probeStrategy round-trips a sentinel index entry to decide whether
// the index keyspace is usable. Replicas written by older schemas, or
// damaged by a crash during compaction, fail the probe and get the
// full-scan fallback.
func probeStrategy(s *Store) QueryStrategy {
	probeKey := []byte(prefixState + "__probe__")
	probeVal := []byte("ok")

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(probeKey, probeVal)
	})
	if err == nil {
		err = s.db.View(func(txn *badger.Txn) error {
			item, gerr := txn.Get(probeKey)
			if gerr != nil {
				return gerr
			}
			return item.Value(func(val []byte) error {
				if !bytes.Equal(val, probeVal) {
					return ErrIndexUnavailable
				}
				return nil
			})
		})
	}
	_ = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(probeKey)
	})

	if err != nil {
		s.logger.Warn("index probe failed, using full-scan fallback", "error", err)
		return fullScan{}
	}
	return indexScan{}
}

// compile-time interface checks
var (
	_ QueryStrategy = indexScan{}
	_ QueryStrategy = fullScan{}
)
