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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPutGetRoundTrip verifies basic record storage.
func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := record.NewCollection("inbox")
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.Put(r)
	}))

	got, err := s.GetRecord(ctx, record.KindCollection, r.CID)
	require.NoError(t, err)
	assert.Equal(t, r.CID, got.CID)
	assert.Equal(t, "inbox", got.Collection.Name)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRecord(context.Background(), record.KindItem, record.NewCID())
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMultiTableTransactionIsAtomic verifies a failing write leaves no
// partial state behind.
func TestMultiTableTransactionIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := record.NewCollection("p")
	child := record.NewItem(parent.CID, "c")

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(parent); err != nil {
			return err
		}
		if err := tx.Put(child); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = s.GetRecord(ctx, record.KindCollection, parent.CID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRecord(ctx, record.KindItem, child.CID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStateIndexFollowsTransitions verifies the state index tracks a
// record across dirty -> synced -> conflicted.
func TestStateIndexFollowsTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := record.NewCollection("inbox")
	require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.Put(r) }))

	dirty, err := s.ListByState(ctx, record.KindCollection, record.StateDirty)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	r.MarkSynced("R1", 1)
	require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.Put(r) }))

	dirty, err = s.ListByState(ctx, record.KindCollection, record.StateDirty)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	synced, err := s.ListByState(ctx, record.KindCollection, record.StateSynced)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, r.CID, synced[0].CID)
}

// TestListChildren verifies the parent index.
func TestListChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := record.NewCollection("p")
	other := record.NewCollection("q")
	a := record.NewItem(parent.CID, "a")
	b := record.NewItem(parent.CID, "b")
	c := record.NewItem(other.CID, "c")

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		for _, r := range []*record.Record{parent, other, a, b, c} {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		return nil
	}))

	kids, err := s.ListChildren(ctx, parent.CID)
	require.NoError(t, err)
	assert.Len(t, kids, 2)
}

// TestDeleteRemovesIndexes verifies hard delete cleans up fully.
func TestDeleteRemovesIndexes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := record.NewCollection("p")
	child := record.NewItem(parent.CID, "c")
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(parent); err != nil {
			return err
		}
		return tx.Put(child)
	}))

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.Delete(record.KindItem, child.CID)
	}))

	kids, err := s.ListChildren(ctx, parent.CID)
	require.NoError(t, err)
	assert.Empty(t, kids)

	dirty, err := s.ListByState(ctx, record.KindItem, record.StateDirty)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

// TestFullScanFallbackMatchesIndex verifies the fallback strategy
// returns the same result sets as the index strategy.
func TestFullScanFallbackMatchesIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := record.NewCollection("p")
	child := record.NewItem(parent.CID, "c")
	synced := record.NewItem(parent.CID, "s")
	synced.MarkSynced("R9", 1)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		for _, r := range []*record.Record{parent, child, synced} {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		return nil
	}))

	idx := indexScan{}
	fs := fullScan{}

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		a, err := idx.ListByState(tx, record.KindItem, record.StateDirty)
		require.NoError(t, err)
		b, err := fs.ListByState(tx, record.KindItem, record.StateDirty)
		require.NoError(t, err)
		require.Len(t, a, 1)
		require.Len(t, b, 1)
		assert.Equal(t, a[0].CID, b[0].CID)

		ka, err := idx.ListChildren(tx, parent.CID)
		require.NoError(t, err)
		kb, err := fs.ListChildren(tx, parent.CID)
		require.NoError(t, err)
		assert.Len(t, ka, 2)
		assert.Len(t, kb, 2)
		return nil
	}))
}

// TestKVArea verifies durable kv round trips and prefix iteration.
func TestKVArea(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.SetKV(KVResolutionPrefix+"c1", []byte("a")); err != nil {
			return err
		}
		return tx.SetKV(KVResolutionPrefix+"c2", []byte("b"))
	}))

	var names []string
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		return tx.IterKV(KVResolutionPrefix, func(name string, val []byte) error {
			names = append(names, name)
			return nil
		})
	}))
	assert.ElementsMatch(t, []string{"resolution/c1", "resolution/c2"}, names)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.DeleteKV(KVResolutionPrefix + "c1")
	}))
	err := s.View(ctx, func(tx *Tx) error {
		_, err := tx.GetKV(KVResolutionPrefix + "c1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMigrateAdvancesVersionCounter verifies ordered migrations.
func TestMigrateAdvancesVersionCounter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	applied := 0
	steps := []Migration{
		{Version: 1, Name: "one", Apply: func(tx *Tx) error { applied++; return nil }},
		{Version: 2, Name: "two", Apply: func(tx *Tx) error { applied++; return nil }},
	}
	require.NoError(t, s.Migrate(ctx, steps))
	assert.Equal(t, 2, applied)

	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Re-running is a no-op.
	require.NoError(t, s.Migrate(ctx, steps))
	assert.Equal(t, 2, applied)
}

// TestMigrateStopsAtFailedStep verifies the counter never advances
// past a failed step.
func TestMigrateStopsAtFailedStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	steps := []Migration{
		{Version: 1, Name: "ok", Apply: func(tx *Tx) error { return nil }},
		{Version: 2, Name: "boom", Apply: func(tx *Tx) error { return assert.AnError }},
		{Version: 3, Name: "never", Apply: func(tx *Tx) error { t.Fatal("must not run"); return nil }},
	}
	err := s.Migrate(ctx, steps)
	require.ErrorIs(t, err, ErrMigration)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
