// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/guard"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *guard.Lockdown) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ld := guard.NewLockdown()
	return New(st, ld, nil, nil), st, ld
}

// TestCommitWritesBatch is the happy path.
func TestCommitWritesBatch(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	a := record.NewCollection("a")
	b := record.NewCollection("b")
	res, err := e.Commit(ctx, record.KindCollection, []*record.Record{a, b}, "test")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Count)
	assert.Empty(t, res.Dropped)

	got, err := st.GetRecord(ctx, record.KindCollection, a.CID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Collection.Name)
}

// TestSecurityGateRejectsWithoutWriting verifies lockdown semantics.
func TestSecurityGateRejectsWithoutWriting(t *testing.T) {
	e, st, ld := newTestEngine(t)
	ctx := context.Background()

	ld.Engage("emergency hydration failed")
	r := record.NewCollection("a")
	_, err := e.Commit(ctx, record.KindCollection, []*record.Record{r}, "test")
	require.ErrorIs(t, err, ErrGateClosed)

	_, err = st.GetRecord(ctx, record.KindCollection, r.CID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestProfileCommitPassesClosedGate covers the lockdown escape hatch.
func TestProfileCommitPassesClosedGate(t *testing.T) {
	e, st, ld := newTestEngine(t)
	ctx := context.Background()

	ld.Engage("profile hydration failed")
	prof := record.NewProfile("o1")
	res, err := e.Commit(ctx, record.KindProfile, []*record.Record{prof}, "hydration-profile")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	_, err = st.GetRecord(ctx, record.KindProfile, prof.CID)
	assert.NoError(t, err)
}

// TestDedupKeepsLastOccurrence verifies batch collapse by cid.
func TestDedupKeepsLastOccurrence(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	r1 := record.NewCollection("first")
	r2 := r1.Clone()
	r2.Collection.Name = "second"

	res, err := e.Commit(ctx, record.KindCollection, []*record.Record{r1, r2}, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	got, err := st.GetRecord(ctx, record.KindCollection, r1.CID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Collection.Name)
}

// TestCommitIsIdempotent: committing the same batch twice produces the
// same stored state as committing it once.
func TestCommitIsIdempotent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	r := record.NewItem(record.NewCID(), "t")
	batch := []*record.Record{r}
	_, err := e.Commit(ctx, record.KindItem, batch, "test")
	require.NoError(t, err)
	first, err := st.GetRecord(ctx, record.KindItem, r.CID)
	require.NoError(t, err)

	_, err = e.Commit(ctx, record.KindItem, batch, "test")
	require.NoError(t, err)
	second, err := st.GetRecord(ctx, record.KindItem, r.CID)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Item, second.Item)
	assert.Equal(t, first.State(), second.State())
}

// TestInvalidRecordsDroppedRemainderCommits verifies partial-batch
// tolerance.
func TestInvalidRecordsDroppedRemainderCommits(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	good := record.NewCollection("ok")
	bad := record.NewCollection("")       // fails schema (name required)
	alien := record.NewItem(record.NewCID(), "x") // wrong kind for batch

	res, err := e.Commit(ctx, record.KindCollection,
		[]*record.Record{good, bad, alien}, "test")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Count)
	assert.Len(t, res.Dropped, 2)

	_, err = st.GetRecord(ctx, record.KindCollection, good.CID)
	assert.NoError(t, err)
	_, err = st.GetRecord(ctx, record.KindCollection, bad.CID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestCommitBatchAppliesTouchMerge verifies the heterogeneous batch
// path: an Item upsert plus a parent Collection touch, with merge
// semantics that leave unrelated parent fields alone.
func TestCommitBatchAppliesTouchMerge(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	parent := record.NewCollection("p")
	parent.Collection.Color = "#112233"
	_, err := e.Commit(ctx, record.KindCollection, []*record.Record{parent}, "test")
	require.NoError(t, err)
	parentV := parent.Version

	child := record.NewItem(parent.CID, "c")
	at := time.Now().UTC().Add(time.Hour)
	res, err := e.CommitBatch(ctx, []Operation{
		UpsertOp(child),
		TouchCollection(parent.CID, at),
	}, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	got, err := st.GetRecord(ctx, record.KindCollection, parent.CID)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got.Collection.SortStamp)
	assert.Equal(t, "#112233", got.Collection.Color, "touch must not clobber unrelated fields")
	assert.Greater(t, got.Version, parentV, "touch is a mutation")
	assert.Equal(t, record.StateDirty, got.State())
}

// TestTouchOnMissingRecordIsNoOp covers the enqueue/commit race with a
// hard delete.
func TestTouchOnMissingRecordIsNoOp(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.CommitBatch(context.Background(), []Operation{
		TouchCollection(record.NewCID(), time.Now()),
	}, "test")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// TestLocalOnlyFieldSurvivesPartialProjection verifies that a bulk
// payload without media_local does not erase the in-flight migration
// pointer.
func TestLocalOnlyFieldSurvivesPartialProjection(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	local := record.NewItem(record.NewCID(), "t")
	local.Item.MediaLocal = "file:///tmp/migrating.bin"
	local.MarkSynced("R7", 1)
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{local}, "local")
	require.NoError(t, err)

	remote := local.Clone()
	remote.Item.MediaLocal = "" // authority projection omits it
	remote.Item.Title = "renamed upstream"
	remote.Version = 2
	remote.Synced = true
	_, err = e.Commit(ctx, record.KindItem, []*record.Record{remote}, "bulk")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindItem, local.CID)
	require.NoError(t, err)
	assert.Equal(t, "renamed upstream", got.Item.Title)
	assert.Equal(t, "file:///tmp/migrating.bin", got.Item.MediaLocal)
}

// TestAuthoritativeRefreshKeepsNewerDirtyLocal: an offline edit at v5
// must survive a full hydration serving the authority's older v3 copy.
func TestAuthoritativeRefreshKeepsNewerDirtyLocal(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	local := record.NewCollection("edited offline")
	local.RemoteID = "R1"
	local.Version = 5
	_, err := e.Commit(ctx, record.KindCollection, []*record.Record{local}, "local")
	require.NoError(t, err)

	remote := local.Clone()
	remote.Collection.Name = "stale upstream"
	remote.Version = 3
	remote.Synced = true
	_, err = e.Commit(ctx, record.KindCollection, []*record.Record{remote}, "hydration-collections")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindCollection, local.CID)
	require.NoError(t, err)
	assert.Equal(t, "edited offline", got.Collection.Name)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, record.StateDirty, got.State())
}

// TestAuthoritativeNewerFlagsDirtyLocalAsConflict: when both sides
// moved, the gate flags instead of picking a winner.
func TestAuthoritativeNewerFlagsDirtyLocalAsConflict(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	local := record.NewItem(record.NewCID(), "mine")
	local.RemoteID = "R1"
	local.Version = 4
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{local}, "local")
	require.NoError(t, err)

	remote := local.Clone()
	remote.Item.Title = "theirs"
	remote.Version = 6
	remote.Synced = true
	_, err = e.Commit(ctx, record.KindItem, []*record.Record{remote}, "hydration-items")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindItem, local.CID)
	require.NoError(t, err)
	assert.Equal(t, record.StateConflicted, got.State())
	assert.Equal(t, "mine", got.Item.Title, "local content is kept pending the decision")
	assert.Equal(t, record.ConflictVersion, got.ConflictType)
	require.NotNil(t, got.ConflictSnapshot)
	assert.Equal(t, "theirs", got.ConflictSnapshot.Item.Title)
}

// TestStaleAckCannotClobberNewerLocal: a mutation that lands between a
// push listing and its ack keeps its bump; the ack for the older state
// is discarded.
func TestStaleAckCannotClobberNewerLocal(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	local := record.NewItem(record.NewCID(), "v5 as pushed")
	local.Version = 5
	listed := local.Clone() // the push worker's snapshot

	local.Item.Title = "v6 edit"
	local.Version = 6
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{local}, "local")
	require.NoError(t, err)

	acked := listed
	acked.MarkSynced("R9", acked.Version)
	_, err = e.Commit(ctx, record.KindItem, []*record.Record{acked}, "push-ack")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindItem, local.CID)
	require.NoError(t, err)
	assert.Equal(t, "v6 edit", got.Item.Title)
	assert.Equal(t, int64(6), got.Version)
	assert.Equal(t, record.StateDirty, got.State())
}

// TestEqualVersionAckApplies: the normal ack echo lands and settles
// the record to synced.
func TestEqualVersionAckApplies(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	local := record.NewItem(record.NewCID(), "t")
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{local}, "local")
	require.NoError(t, err)

	acked := local.Clone()
	acked.MarkSynced("R9", local.Version)
	_, err = e.Commit(ctx, record.KindItem, []*record.Record{acked}, "push-ack")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindItem, local.CID)
	require.NoError(t, err)
	assert.Equal(t, record.StateSynced, got.State())
	assert.Equal(t, "R9", got.RemoteID)
}

// TestRemoteDeleteAppliesOverDirtyLocal: tombstones keep their
// authority; the divergence guard never blocks a delete.
func TestRemoteDeleteAppliesOverDirtyLocal(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	local := record.NewItem(record.NewCID(), "edited")
	local.Version = 4
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{local}, "local")
	require.NoError(t, err)

	del := local.Clone()
	del.Tombstoned = true
	del.Synced = true
	del.Version = 2
	_, err = e.Commit(ctx, record.KindItem, []*record.Record{del}, "realtime")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindItem, local.CID)
	require.NoError(t, err)
	assert.True(t, got.Tombstoned.Bool())
}

// TestAuthoritativeRefreshLeavesConflictedAlone: a record awaiting a
// user decision is not re-flagged or replaced by later refreshes.
func TestAuthoritativeRefreshLeavesConflictedAlone(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	snap := record.NewItem(record.NewCID(), "theirs v6")
	snap.Version = 6
	snap.Synced = true

	local := record.NewItem(snap.Item.ParentCID, "mine")
	local.CID = snap.CID
	local.Version = 4
	local.MarkConflicted(record.ConflictVersion, snap)
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{local}, "push-conflict")
	require.NoError(t, err)

	remote := snap.Clone()
	remote.Item.Title = "theirs v7"
	remote.Version = 7
	_, err = e.Commit(ctx, record.KindItem, []*record.Record{remote}, "hydration-items")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindItem, local.CID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Item.Title)
	assert.Equal(t, record.StateConflicted, got.State())
	assert.Equal(t, "theirs v6", got.ConflictSnapshot.Item.Title)
}

// TestOverrideReplacesUnsyncedLocal: resolution commits carry the
// override and land regardless of local state.
func TestOverrideReplacesUnsyncedLocal(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	local := record.NewItem(record.NewCID(), "mine")
	local.Version = 5
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{local}, "local")
	require.NoError(t, err)

	chosen := local.Clone()
	chosen.Item.Title = "theirs"
	chosen.Version = 3
	chosen.Synced = true
	_, err = e.CommitBatch(ctx, []Operation{OverrideOp(chosen)}, "resolution-remote")
	require.NoError(t, err)

	got, err := st.GetRecord(ctx, record.KindItem, local.CID)
	require.NoError(t, err)
	assert.Equal(t, "theirs", got.Item.Title)
	assert.Equal(t, record.StateSynced, got.State())
}

// TestConcurrentCommitsNeverTear exercises the single-writer mutex:
// two goroutines committing full updates for the same cid must leave
// one coherent record, never a mix of fields.
func TestConcurrentCommitsNeverTear(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	base := record.NewItem(record.NewCID(), "base")
	_, err := e.Commit(ctx, record.KindItem, []*record.Record{base}, "seed")
	require.NoError(t, err)

	a := base.Clone()
	a.Item.Title = "A"
	a.Item.Body = "A"
	a.Version = 2

	b := base.Clone()
	b.Item.Title = "B"
	b.Item.Body = "B"
	b.Version = 2

	var wg sync.WaitGroup
	for _, r := range []*record.Record{a, b} {
		wg.Add(1)
		go func(r *record.Record) {
			defer wg.Done()
			_, _ = e.Commit(ctx, record.KindItem, []*record.Record{r}, "race")
		}(r)
	}
	wg.Wait()

	got, err := st.GetRecord(ctx, record.KindItem, base.CID)
	require.NoError(t, err)
	assert.Equal(t, got.Item.Title, got.Item.Body, "torn write: fields from different commits")
}

// TestHardDeleteHonorsPrecondition verifies invariant 6: only
// tombstoned-and-synced records may be hard-deleted.
func TestHardDeleteHonorsPrecondition(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	dirty := record.NewCollection("dirty")
	dirty.Tombstoned = true // tombstoned but not synced

	acked := record.NewCollection("acked")
	acked.Tombstoned = true
	acked.MarkSynced("R1", 1)
	acked.Tombstoned = true

	_, err := e.Commit(ctx, record.KindCollection, []*record.Record{dirty, acked}, "test")
	require.NoError(t, err)

	n, err := e.HardDeleteSynced(ctx, record.KindCollection,
		[]string{dirty.CID, acked.CID}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetRecord(ctx, record.KindCollection, dirty.CID)
	assert.NoError(t, err, "unsynced tombstone must survive")
	_, err = st.GetRecord(ctx, record.KindCollection, acked.CID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestHardDeleteRespectsUndoWindow verifies recent tombstones are kept.
func TestHardDeleteRespectsUndoWindow(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	r := record.NewCollection("recent")
	r.Tombstoned = true
	r.MarkSynced("R1", 1)
	r.Tombstoned = true
	_, err := e.Commit(ctx, record.KindCollection, []*record.Record{r}, "test")
	require.NoError(t, err)

	n, err := e.HardDeleteSynced(ctx, record.KindCollection,
		[]string{r.CID}, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
