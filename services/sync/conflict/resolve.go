// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

const (
	// DefaultWindow is how long a queued resolution stays cancellable
	// before it executes.
	DefaultWindow = 8 * time.Second

	// VersionJump is added on resurrection to put the record's version
	// far ahead of any plausible authority value, guaranteeing the
	// next push wins any race.
	VersionJump = 100
)

// Choice selects which side of a conflict survives.
type Choice string

const (
	// ChoiceLocal keeps this device's edits and re-pushes them.
	ChoiceLocal Choice = "local"

	// ChoiceRemote accepts the authority's snapshot, overwriting
	// local edits after archiving them.
	ChoiceRemote Choice = "remote"
)

var (
	// ErrNotConflicted is returned when resolving a record that is not
	// in conflict.
	ErrNotConflicted = errors.New("record is not conflicted")

	// ErrNoPending is returned when cancelling a cid with no queued
	// resolution.
	ErrNoPending = errors.New("no pending resolution")

	// ErrBadChoice is returned for a choice outside local/remote.
	ErrBadChoice = errors.New("resolution choice must be local or remote")
)

// Resolution is one queued, durable resolution choice.
type Resolution struct {
	CID       string      `json:"cid"`
	Kind      record.Kind `json:"kind"`
	Choice    Choice      `json:"choice"`
	QueuedAt  time.Time   `json:"queued_at"`
	ExecuteAt time.Time   `json:"execute_at"`
}

// Store queues, cancels, and executes conflict resolutions.
//
// # Description
//
// Choosing a resolution does not apply it immediately. The choice is
// written durably under the resolution key prefix with an expiry;
// until the expiry passes it can be cancelled. Run drives a ticker
// that executes expired choices, so pending resolutions survive
// process restarts and are replayed by the next run loop.
//
// # Thread Safety
//
// Safe for concurrent use. All writes go through the store's
// transactions and the commit gateway.
type Store struct {
	st      *store.Store
	eng     *engine.Engine
	det     *Detector
	metrics *telemetry.Metrics
	logger  *slog.Logger
	window  time.Duration

	now func() time.Time
}

// NewStore creates the resolution store.
func NewStore(st *store.Store, eng *engine.Engine, det *Detector, metrics *telemetry.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewTestMetrics()
	}
	return &Store{
		st:      st,
		eng:     eng,
		det:     det,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "conflict-store")),
		window:  DefaultWindow,
		now:     time.Now,
	}
}

// Conflicts lists every current conflict.
func (s *Store) Conflicts(ctx context.Context) ([]Conflict, error) {
	return s.det.Scan(ctx)
}

// ResolveOne queues a resolution for a single conflicted record.
func (s *Store) ResolveOne(ctx context.Context, kind record.Kind, cid string, choice Choice) error {
	if choice != ChoiceLocal && choice != ChoiceRemote {
		return fmt.Errorf("%w: %q", ErrBadChoice, choice)
	}
	r, err := s.st.GetRecord(ctx, kind, cid)
	if err != nil {
		return err
	}
	if r.State() != record.StateConflicted {
		return fmt.Errorf("%w: %s/%s", ErrNotConflicted, kind, cid)
	}

	now := s.now().UTC()
	res := Resolution{
		CID:       cid,
		Kind:      kind,
		Choice:    choice,
		QueuedAt:  now,
		ExecuteAt: now.Add(s.window),
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	err = s.st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetKV(store.KVResolutionPrefix+cid, buf)
	})
	if err != nil {
		return err
	}
	s.logger.Info("resolution queued",
		slog.String("cid", cid),
		slog.String("choice", string(choice)),
		slog.Time("execute_at", res.ExecuteAt))
	return nil
}

// ResolveAll queues the same choice for every current conflict and
// returns how many were queued.
func (s *Store) ResolveAll(ctx context.Context, choice Choice) (int, error) {
	conflicts, err := s.det.Scan(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, c := range conflicts {
		if err := s.ResolveOne(ctx, c.Kind, c.CID, choice); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// Cancel aborts a queued resolution that has not yet executed.
func (s *Store) Cancel(ctx context.Context, cid string) error {
	key := store.KVResolutionPrefix + cid
	err := s.st.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetKV(key); err != nil {
			return err
		}
		return tx.DeleteKV(key)
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoPending, cid)
	}
	if err == nil {
		s.logger.Info("resolution cancelled", slog.String("cid", cid))
	}
	return err
}

// Pending lists queued resolutions, expired or not.
func (s *Store) Pending(ctx context.Context) ([]Resolution, error) {
	var out []Resolution
	err := s.st.View(ctx, func(tx *store.Tx) error {
		return tx.IterKV(store.KVResolutionPrefix, func(name string, val []byte) error {
			var res Resolution
			if err := json.Unmarshal(val, &res); err != nil {
				s.logger.Warn("dropping undecodable resolution entry",
					slog.String("key", name))
				return nil
			}
			out = append(out, res)
			return nil
		})
	})
	return out, err
}

// ExecuteDue applies every queued resolution whose window has elapsed
// and clears it from the queue. Returns how many executed.
func (s *Store) ExecuteDue(ctx context.Context) (int, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	executed := 0
	for _, res := range pending {
		if res.ExecuteAt.After(now) {
			continue
		}
		if err := s.execute(ctx, res); err != nil {
			s.logger.Error("resolution failed",
				slog.String("cid", res.CID), slog.String("error", err.Error()))
			continue
		}
		executed++
	}
	return executed, nil
}

// execute applies one resolution and removes its queue entry. If the
// process crashes between the apply and the removal, the replay is
// harmless: local re-applies a version bump (monotonic), remote
// re-applies the same snapshot.
func (s *Store) execute(ctx context.Context, res Resolution) error {
	r, err := s.st.GetRecord(ctx, res.Kind, res.CID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && r.State() != record.StateConflicted) {
		// Resolved by other means; just clear the entry.
		return s.clear(ctx, res.CID)
	}
	if err != nil {
		return err
	}

	switch {
	case res.Choice == ChoiceLocal && r.ConflictType == record.ConflictParentDeleted:
		err = s.resurrect(ctx, r)
	case res.Choice == ChoiceLocal:
		err = s.keepLocal(ctx, r)
	case r.ConflictType == record.ConflictParentDeleted:
		err = s.acceptDeletion(ctx, r)
	default:
		err = s.acceptRemote(ctx, r)
	}
	if err != nil {
		return err
	}

	s.metrics.ResolutionsTotal.WithLabelValues(string(res.Choice)).Inc()
	s.logger.Info("resolution executed",
		slog.String("cid", res.CID), slog.String("choice", string(res.Choice)))
	return s.clear(ctx, res.CID)
}

func (s *Store) clear(ctx context.Context, cid string) error {
	return s.st.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteKV(store.KVResolutionPrefix + cid)
	})
}

// keepLocal keeps the device's edits: version jumps past the
// conflicting snapshot, conflict cleared, dirty for the next push.
func (s *Store) keepLocal(ctx context.Context, r *record.Record) error {
	out := r.Clone()
	if snap := r.ConflictSnapshot; snap != nil && snap.Version > out.Version {
		out.Version = snap.Version
	}
	out.Version++
	out.Synced = false
	out.Conflicted = false
	out.ConflictType = ""
	out.ConflictSnapshot = nil
	out.UpdatedAt = s.now().UTC()
	_, err := s.eng.Commit(ctx, out.Kind, []*record.Record{out}, "resolution-local")
	return err
}

// acceptRemote archives the local state, then overwrites it from the
// authority's snapshot.
func (s *Store) acceptRemote(ctx context.Context, r *record.Record) error {
	snap := r.ConflictSnapshot
	if snap == nil {
		return fmt.Errorf("conflict on %s has no snapshot to accept", r.CID)
	}
	if err := s.archive(ctx, r); err != nil {
		return err
	}

	out := snap.Clone()
	out.CID = r.CID
	out.Kind = r.Kind
	out.Synced = true
	out.Conflicted = false
	out.ConflictType = ""
	out.ConflictSnapshot = nil
	// The user picked the snapshot over the local edits, so the commit
	// overrides the gate's dirty-local protection.
	_, err := s.eng.CommitBatch(ctx, []engine.Operation{engine.OverrideOp(out)}, "resolution-remote")
	return err
}

// acceptDeletion handles remote choice on a parent_deleted conflict:
// the authority hard-deleted the chain, so the local copy is
// tombstoned as acknowledged and left to the sweep.
func (s *Store) acceptDeletion(ctx context.Context, r *record.Record) error {
	if err := s.archive(ctx, r); err != nil {
		return err
	}
	out := r.Clone()
	out.Tombstoned = true
	out.Synced = true
	out.Conflicted = false
	out.ConflictType = ""
	out.ConflictSnapshot = nil
	out.UpdatedAt = s.now().UTC()
	_, err := s.eng.Commit(ctx, out.Kind, []*record.Record{out}, "resolution-remote")
	return err
}

// resurrect revives a chain whose parent the authority deleted: the
// parent sheds its authority id and jumps its version far ahead, and
// every child item gets the same jump, all in one transaction. A
// crash between parent and children would leave orphans, hence the
// single batch.
//
// The conflicted record is usually an Item whose parent is gone; the
// revival always starts from the parent Collection so the whole chain
// comes back together. Reviving just the item would leave it orphaned
// under a tombstone and re-flagged on the next scan.
func (s *Store) resurrect(ctx context.Context, r *record.Record) error {
	revive := func(rec *record.Record) *record.Record {
		out := rec.Clone()
		out.RemoteID = ""
		out.Version += VersionJump
		out.Synced = false
		out.Conflicted = false
		out.ConflictType = ""
		out.ConflictSnapshot = nil
		out.Tombstoned = false
		out.UpdatedAt = s.now().UTC()
		return out
	}

	parent := r
	if r.Kind == record.KindItem {
		if r.Item == nil || r.Item.ParentCID == "" {
			return fmt.Errorf("conflicted item %s has no parent to resurrect", r.CID)
		}
		var err error
		parent, err = s.st.GetRecord(ctx, record.KindCollection, r.Item.ParentCID)
		if err != nil {
			// Leave the queue entry in place; a missing parent may be
			// a transient read failure and is retried next tick.
			return fmt.Errorf("load parent %s of %s: %w", r.Item.ParentCID, r.CID, err)
		}
	}

	ops := []engine.Operation{engine.UpsertOp(revive(parent))}
	children, err := s.st.ListChildren(ctx, parent.CID)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", parent.CID, err)
	}
	for _, child := range children {
		ops = append(ops, engine.UpsertOp(revive(child)))
	}

	s.logger.Info("resurrecting record chain",
		slog.String("cid", parent.CID), slog.Int("records", len(ops)))
	_, err = s.eng.CommitBatch(ctx, ops, "resurrection")
	return err
}

// archive durably snapshots the pre-resolution local state. Never
// silently discarded; recoverable out-of-band.
func (s *Store) archive(ctx context.Context, r *record.Record) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal archive snapshot: %w", err)
	}
	key := store.KVArchivePrefix + r.CID + "/" +
		strconv.FormatInt(s.now().UnixNano(), 10)
	return s.st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetKV(key, buf)
	})
}
