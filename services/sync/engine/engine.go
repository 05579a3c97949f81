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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/guard"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// ErrGateClosed is returned when the security gate rejects a commit.
// Nothing is written when this error is returned.
var ErrGateClosed = errors.New("iron gate closed")

// Dropped describes one record removed from a batch by validation.
type Dropped struct {
	CID    string `json:"cid"`
	Reason string `json:"reason"`
}

// Result reports a commit's outcome.
//
// Count is the number of records actually written; Dropped lists the
// records removed by validation. A Result with Success=false means the
// transaction aborted and nothing was written.
type Result struct {
	Success bool      `json:"success"`
	Count   int       `json:"count"`
	Dropped []Dropped `json:"dropped,omitempty"`
}

// Engine is the Iron Gate.
//
// # Thread Safety
//
// Safe for concurrent use. An internal mutex serializes every commit;
// see the package comment.
type Engine struct {
	st       *store.Store
	lockdown *guard.Lockdown
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	// mu enforces the single-writer invariant across all commit paths.
	mu sync.Mutex
}

// New creates the Engine. There should be exactly one per replica.
func New(st *store.Store, lockdown *guard.Lockdown, metrics *telemetry.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewTestMetrics()
	}
	return &Engine{
		st:       st,
		lockdown: lockdown,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// Commit validates and atomically writes a batch of one kind.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - kind: The entity kind every record in the batch must carry.
//   - records: The batch. Deduplicated by cid, last occurrence wins.
//   - source: Label identifying the caller (acquisition slice, local
//     mutation, pull service) for logs and metrics.
//
// # Outputs
//
//   - Result: Outcome with written count and per-record drops.
//   - error: ErrGateClosed if lockdown is active; otherwise a storage
//     error. On any non-nil error nothing was written.
func (e *Engine) Commit(ctx context.Context, kind record.Kind, records []*record.Record, source string) (Result, error) {
	ops := make([]Operation, 0, len(records))
	for _, r := range records {
		ops = append(ops, Operation{Record: r})
	}
	return e.commit(ctx, kind, ops, source)
}

// CommitBatch atomically applies heterogeneous operations.
//
// Operations may mix kinds, full upserts, and sparse touches. Touches
// use a merge strategy: only the explicitly provided fields are
// overwritten, so a parent "touch" can never clobber unrelated fields
// written by a concurrent flow. Everything commits in one transaction.
func (e *Engine) CommitBatch(ctx context.Context, ops []Operation, source string) (Result, error) {
	return e.commit(ctx, "", ops, source)
}

// commit is the shared gate pipeline. kind is empty for heterogeneous
// batches; when set, records of other kinds are dropped.
func (e *Engine) commit(ctx context.Context, kind record.Kind, ops []Operation, source string) (Result, error) {
	// Profile-only batches pass the closed gate: the lockdown escape
	// hatch re-hydrates the profile, and that commit must land.
	if e.lockdown.Active() && !profileOnly(ops) {
		e.metrics.CommitsTotal.WithLabelValues(label(kind), "rejected").Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrGateClosed, e.lockdown.Reason())
	}

	ops = dedupe(ops)

	var res Result
	accepted := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if err := e.admit(&op, kind); err != nil {
			res.Dropped = append(res.Dropped, Dropped{CID: op.cid(), Reason: err.Error()})
			e.metrics.ValidationDropsTotal.WithLabelValues(label(op.kind())).Inc()
			e.logger.Warn("record dropped from commit batch",
				slog.String("cid", op.cid()),
				slog.String("source", source),
				slog.String("reason", err.Error()))
			continue
		}
		accepted = append(accepted, op)
	}

	if len(accepted) == 0 {
		res.Success = true
		return res, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.st.Update(ctx, func(tx *store.Tx) error {
		for _, op := range accepted {
			if err := e.apply(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The transaction aborted; the replica holds the pre-commit state.
		e.metrics.CommitsTotal.WithLabelValues(label(kind), "error").Inc()
		e.logger.Error("commit failed",
			slog.String("source", source), slog.String("error", err.Error()))
		return Result{Dropped: res.Dropped}, fmt.Errorf("commit (%s): %w", source, err)
	}

	res.Success = true
	res.Count = len(accepted)
	e.metrics.CommitsTotal.WithLabelValues(label(kind), "ok").Inc()
	e.metrics.RecordsCommitted.WithLabelValues(source).Add(float64(res.Count))
	e.logger.Debug("commit applied",
		slog.String("source", source),
		slog.Int("count", res.Count),
		slog.Int("dropped", len(res.Dropped)))
	return res, nil
}

// admit normalizes and validates one operation before the transaction.
func (e *Engine) admit(op *Operation, kind record.Kind) error {
	if op.Record != nil {
		if kind != "" && op.Record.Kind != kind {
			return fmt.Errorf("kind %q in a %q batch", op.Record.Kind, kind)
		}
		op.Record.Normalize()
		return record.Validate(op.Record)
	}
	if op.Touch != nil {
		if op.Touch.CID == "" {
			return record.ErrMissingCID
		}
		if !op.Touch.Kind.Valid() {
			return record.ErrUnknownKind
		}
		return nil
	}
	return errors.New("empty operation")
}

// apply writes one operation inside the transaction.
func (e *Engine) apply(tx *store.Tx, op Operation) error {
	if op.Record != nil {
		return e.upsert(tx, op.Record, op.Override)
	}
	return e.touch(tx, op.Touch)
}

// upsert looks up the existing record by cid and inserts or updates.
// Local-only fields survive an incoming payload that omits them (a
// bulk refresh with a partial projection must not erase an in-flight
// media migration).
//
// An authoritative incoming record (synced, not a tombstone) never
// silently replaces a stored record that still carries unpushed local
// work: a stale or equal-version copy is skipped, a newer one flags
// the stored record as a version conflict. Override bypasses the
// guard for conflict resolution, and tombstones are exempt so a
// remote delete always lands.
func (e *Engine) upsert(tx *store.Tx, r *record.Record, override bool) error {
	existing, err := tx.Get(r.Kind, r.CID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		if !override && guarded(existing, r) {
			if r.Version <= existing.Version {
				// Ack echoes arrive at the local version; anything
				// at or below it adds nothing over the local copy.
				if r.Version == existing.Version && existing.State() == record.StateDirty && r.RemoteID != "" {
					// Same version with a remote id is the push ack
					// for exactly this local state.
					return e.write(tx, existing, r)
				}
				e.logger.Debug("authoritative upsert skipped, local copy is ahead",
					slog.String("cid", r.CID),
					slog.Int64("incoming_version", r.Version),
					slog.Int64("local_version", existing.Version))
				return nil
			}
			if existing.State() == record.StateConflicted {
				// Already awaiting a user decision; a newer remote
				// copy does not change the question.
				return nil
			}
			flagged := existing.Clone()
			flagged.MarkConflicted(record.ConflictVersion, r)
			e.logger.Warn("authoritative upsert diverged from dirty local copy",
				slog.String("cid", r.CID),
				slog.Int64("incoming_version", r.Version),
				slog.Int64("local_version", existing.Version))
			return tx.Put(flagged)
		}
	}
	return e.write(tx, existing, r)
}

// write puts the incoming record, carrying forward local-only fields
// and the creation anchor from the stored copy.
func (e *Engine) write(tx *store.Tx, existing, r *record.Record) error {
	if existing != nil {
		preserveLocalOnly(existing, r)
		if r.CreatedAt.After(existing.CreatedAt) {
			// Keep the original creation time; it anchors the
			// fresh-login grace window.
			r.CreatedAt = existing.CreatedAt
		}
	}
	return tx.Put(r)
}

// guarded reports whether the divergence guard applies: the incoming
// record claims authority while the stored one holds local work the
// authority has not acknowledged.
func guarded(existing, incoming *record.Record) bool {
	return incoming.State() == record.StateSynced &&
		!incoming.Tombstoned.Bool() &&
		existing.State() != record.StateSynced
}

// touch merges the provided fields into the existing record. A touch
// counts as a local mutation: version bump, dirty, updated now.
func (e *Engine) touch(tx *store.Tx, t *Touch) error {
	existing, err := tx.Get(t.Kind, t.CID)
	if errors.Is(err, store.ErrNotFound) {
		// Touching a missing record is a no-op, not an error: the
		// parent may have been hard-deleted between enqueue and commit.
		return nil
	}
	if err != nil {
		return err
	}

	if t.SortStamp != nil && existing.Collection != nil {
		existing.Collection.SortStamp = *t.SortStamp
	}
	existing.Bump()
	if t.UpdatedAt != nil {
		existing.UpdatedAt = *t.UpdatedAt
	}
	return tx.Put(existing)
}

// preserveLocalOnly copies never-transmitted fields forward when the
// incoming payload lacks them.
func preserveLocalOnly(existing, incoming *record.Record) {
	if existing.Item != nil && incoming.Item != nil {
		if incoming.Item.MediaLocal == "" && existing.Item.MediaLocal != "" {
			incoming.Item.MediaLocal = existing.Item.MediaLocal
		}
	}
}

// HardDeleteSynced removes records whose deletion the authority has
// acknowledged: tombstoned AND synced. Records in any other state are
// skipped, honoring the soft-delete invariant.
//
// olderThan bounds the undo window: only records whose UpdatedAt is
// before it are removed. Pass time.Now() to sweep everything eligible.
func (e *Engine) HardDeleteSynced(ctx context.Context, kind record.Kind, cids []string, olderThan time.Time) (int, error) {
	if e.lockdown.Active() {
		return 0, fmt.Errorf("%w: %s", ErrGateClosed, e.lockdown.Reason())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	err := e.st.Update(ctx, func(tx *store.Tx) error {
		for _, cid := range cids {
			r, err := tx.Get(kind, cid)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !r.Tombstoned.Bool() || r.State() != record.StateSynced {
				continue
			}
			if r.UpdatedAt.After(olderThan) {
				continue
			}
			if err := tx.Delete(kind, cid); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Info("hard-deleted acknowledged tombstones",
			slog.String("kind", string(kind)), slog.Int("count", removed))
	}
	return removed, nil
}

func label(kind record.Kind) string {
	if kind == "" {
		return "batch"
	}
	return string(kind)
}
