// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/authority"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/guard"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// Result is the outcome of one push or pull pass.
type Result struct {
	// Success is false when the pass aborted before completing
	// (guard rejection, transport loss, breaker trip).
	Success bool `json:"success"`

	// Processed counts records acknowledged (push) or committed (pull).
	Processed int `json:"items_processed"`

	// Errors collects per-record and pass-level failures.
	Errors []string `json:"errors,omitempty"`
}

func (r *Result) fail(err error) Result {
	r.Success = false
	r.Errors = append(r.Errors, err.Error())
	return *r
}

// pushOrder is the strict dependency order: the profile anchors the
// identity, collections must exist before the items referencing them.
var pushOrder = []record.Kind{record.KindProfile, record.KindCollection, record.KindItem}

// Pusher sends dirty records to the authority.
//
// # Description
//
// One Push pass enumerates dirty records in dependency order,
// excluding any item whose parent collection is conflict-flagged,
// groups them into payload-size-aware batches, and sends each record.
// Acknowledgments and 409 conflict flags both funnel back through the
// commit gateway. A transport loss aborts the pass; the dirty records
// simply wait for the next sync window.
//
// # Thread Safety
//
// Push must not run concurrently with itself; the daemon serializes
// sync passes.
type Pusher struct {
	st      *store.Store
	eng     *engine.Engine
	client  *authority.Client
	guard   *guard.Guard
	metrics *telemetry.Metrics
	logger  *slog.Logger

	newPacer func() *pacer
}

// NewPusher creates the push service.
func NewPusher(st *store.Store, eng *engine.Engine, client *authority.Client, g *guard.Guard, metrics *telemetry.Metrics, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewTestMetrics()
	}
	return &Pusher{
		st:       st,
		eng:      eng,
		client:   client,
		guard:    g,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "push")),
		newPacer: newPacer,
	}
}

// Push runs one full push pass.
func (p *Pusher) Push(ctx context.Context) Result {
	res := Result{Success: true}

	kinds := pushOrder
	if err := p.guard.Check(guard.ScopeFull); err != nil {
		if !errors.Is(err, guard.ErrNoProfile) {
			return res.fail(fmt.Errorf("push preflight: %w", err))
		}
		// First-run bootstrap: profile-only traffic is allowed before
		// a profile exists.
		if berr := p.guard.Check(guard.ScopeProfileBootstrap); berr != nil {
			return res.fail(fmt.Errorf("push preflight: %w", berr))
		}
		kinds = []record.Kind{record.KindProfile}
	}

	blocked, err := p.conflictedParents(ctx)
	if err != nil {
		return res.fail(err)
	}

	pace := p.newPacer()
	for _, kind := range kinds {
		if aborted := p.pushKind(ctx, kind, blocked, pace, &res); aborted {
			return res
		}
	}

	p.logger.Info("push pass complete",
		slog.Int("processed", res.Processed),
		slog.Int("errors", len(res.Errors)))
	return res
}

// conflictedParents returns the cids of conflict-flagged collections.
// No child of a disputed parent chain is pushed.
func (p *Pusher) conflictedParents(ctx context.Context) (map[string]bool, error) {
	flagged, err := p.st.ListByState(ctx, record.KindCollection, record.StateConflicted)
	if err != nil {
		return nil, fmt.Errorf("list conflicted collections: %w", err)
	}
	blocked := make(map[string]bool, len(flagged))
	for _, r := range flagged {
		blocked[r.CID] = true
	}
	return blocked, nil
}

// pushKind pushes every eligible dirty record of one kind. Returns
// true when the pass must abort.
func (p *Pusher) pushKind(ctx context.Context, kind record.Kind, blocked map[string]bool, pace *pacer, res *Result) bool {
	dirty, err := p.st.ListByState(ctx, kind, record.StateDirty)
	if err != nil {
		res.fail(fmt.Errorf("list dirty %s: %w", kind, err))
		return true
	}

	eligible := dirty[:0]
	for _, r := range dirty {
		if kind == record.KindItem && blocked[r.Item.ParentCID] {
			continue
		}
		eligible = append(eligible, r)
	}

	for _, batch := range buildBatches(eligible) {
		if err := pace.wait(ctx); err != nil {
			res.fail(err)
			return true
		}

		start := time.Now()
		failed := false
		for _, r := range batch {
			abort, recErr := p.pushOne(ctx, r, res)
			if recErr != nil {
				failed = true
				res.Errors = append(res.Errors, recErr.Error())
			}
			if abort {
				pace.observe(time.Since(start), true)
				p.metrics.SyncBatchesTotal.WithLabelValues("push", "error").Inc()
				res.Success = false
				return true
			}
		}

		elapsed := time.Since(start)
		pace.observe(elapsed, failed)
		p.metrics.SyncBatchDuration.WithLabelValues("push").Observe(elapsed.Seconds())
		outcome := "ok"
		if failed {
			outcome = "error"
		}
		p.metrics.SyncBatchesTotal.WithLabelValues("push", outcome).Inc()
		p.metrics.SyncBackoffSeconds.WithLabelValues("push").Set(pace.delay.Seconds())
	}
	return false
}

// pushOne sends one record and folds the outcome back into local
// state. The returned bool aborts the whole pass (transport loss).
func (p *Pusher) pushOne(ctx context.Context, r *record.Record, res *Result) (bool, error) {
	echo, err := p.client.Push(ctx, r)
	if err == nil {
		acked := r.Clone()
		acked.MarkSynced(echo.RemoteID, echo.Version)
		if _, cerr := p.eng.Commit(ctx, acked.Kind, []*record.Record{acked}, "push-ack"); cerr != nil {
			return false, fmt.Errorf("commit ack for %s: %w", r.CID, cerr)
		}
		res.Processed++
		return false, nil
	}

	if ce, ok := authority.AsConflict(err); ok {
		// Never retried blindly; flagged for a human or policy choice.
		flagged := r.Clone()
		flagged.MarkConflicted(record.ConflictVersion, ce.Snapshot)
		if _, cerr := p.eng.Commit(ctx, flagged.Kind, []*record.Record{flagged}, "push-conflict"); cerr != nil {
			return false, fmt.Errorf("flag conflict for %s: %w", r.CID, cerr)
		}
		p.metrics.ConflictsTotal.WithLabelValues(string(record.ConflictVersion)).Inc()
		p.logger.Warn("push rejected with version conflict",
			slog.String("cid", r.CID))
		return false, nil
	}

	if errors.Is(err, authority.ErrUnavailable) || errors.Is(err, context.Canceled) {
		// Deferred, not retried immediately.
		res.fail(fmt.Errorf("push %s: %w", r.CID, err))
		return true, nil
	}
	return false, fmt.Errorf("push %s: %w", r.CID, err)
}
