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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/authority"
	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/guard"
	"github.com/AleutianAI/AleutianSync/services/sync/identity"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

const (
	// DefaultPullPageSize is the page size requested from the authority.
	DefaultPullPageSize = 100

	// EmptyBatchLimit is the circuit breaker threshold: this many
	// consecutive empty batches halt the loop instead of spinning
	// against a misbehaving authority.
	EmptyBatchLimit = 3
)

// pullOrder mirrors the push and hydration ordering.
var pullOrder = []record.Kind{record.KindCollection, record.KindItem}

// checkpoint is the durable pull resume point, persisted after every
// committed page and cleared when a pull completes.
type checkpoint struct {
	Kind      record.Kind `json:"kind"`
	Offset    int         `json:"offset"`
	Watermark int64       `json:"watermark"`
}

// Puller fetches remote changes into the replica.
//
// # Description
//
// One Pull pass pages through the authority's sets in dependency
// order, committing each page through the gateway. Records whose
// local copy is dirty or conflicted are skipped; local edits are
// never silently overwritten, they reconcile through push and its
// 409 path. The pass resumes from a durable checkpoint after an
// interruption and trips a circuit breaker on repeated empty batches.
//
// # Thread Safety
//
// Pull must not run concurrently with itself; the daemon serializes
// sync passes.
type Puller struct {
	st      *store.Store
	eng     *engine.Engine
	client  *authority.Client
	guard   *guard.Guard
	idm     *identity.Manager
	metrics *telemetry.Metrics
	logger  *slog.Logger

	pageSize int
	newPacer func() *pacer
}

// NewPuller creates the pull service. pageSize <= 0 selects the default.
func NewPuller(st *store.Store, eng *engine.Engine, client *authority.Client, g *guard.Guard, idm *identity.Manager, pageSize int, metrics *telemetry.Metrics, logger *slog.Logger) *Puller {
	if pageSize <= 0 {
		pageSize = DefaultPullPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewTestMetrics()
	}
	return &Puller{
		st:       st,
		eng:      eng,
		client:   client,
		guard:    g,
		idm:      idm,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "pull")),
		pageSize: pageSize,
		newPacer: newPacer,
	}
}

// Pull runs one full pull pass.
func (p *Puller) Pull(ctx context.Context) Result {
	res := Result{Success: true}

	if err := p.guard.Check(guard.ScopeFull); err != nil {
		return res.fail(fmt.Errorf("pull preflight: %w", err))
	}
	id := p.idm.Current()
	if id == nil {
		return res.fail(guard.ErrNoProfile)
	}

	blocked, err := p.conflictedParents(ctx)
	if err != nil {
		return res.fail(err)
	}

	cp, err := p.loadCheckpoint(ctx)
	if err != nil {
		return res.fail(err)
	}

	pace := p.newPacer()
	for _, kind := range pullOrder {
		if cp != nil && cp.Kind == record.KindItem && kind == record.KindCollection {
			// The interrupted pull already finished collections.
			continue
		}
		start := checkpoint{Kind: kind}
		if cp != nil && cp.Kind == kind {
			start = *cp
		}
		if aborted := p.pullKind(ctx, id.Owner, start, blocked, pace, &res); aborted {
			return res
		}
		cp = nil
	}

	if err := p.clearCheckpoint(ctx); err != nil {
		return res.fail(err)
	}
	p.logger.Info("pull pass complete",
		slog.Int("processed", res.Processed),
		slog.Int("errors", len(res.Errors)))
	return res
}

func (p *Puller) conflictedParents(ctx context.Context) (map[string]bool, error) {
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

// pullKind pages through one kind from the given resume point.
// Returns true when the pass must abort.
func (p *Puller) pullKind(ctx context.Context, owner string, cp checkpoint, blocked map[string]bool, pace *pacer, res *Result) bool {
	emptyStreak := 0
	for {
		begin := time.Now()
		page, err := p.client.List(ctx, cp.Kind, authority.ListQuery{
			Owner:  owner,
			Limit:  p.pageSize,
			Offset: cp.Offset,
			Since:  cp.Watermark,
		})
		if err != nil {
			// The checkpoint was saved after the last committed page;
			// the next pass resumes there.
			pace.observe(time.Since(begin), true)
			p.metrics.SyncBatchesTotal.WithLabelValues("pull", "error").Inc()
			res.fail(fmt.Errorf("pull %s at offset %d: %w", cp.Kind, cp.Offset, err))
			return true
		}

		if len(page.Records) == 0 {
			emptyStreak++
			if page.HasMore && emptyStreak >= EmptyBatchLimit {
				p.metrics.CircuitBreakerTrips.Inc()
				p.logger.Error("pull circuit breaker tripped",
					slog.String("kind", string(cp.Kind)),
					slog.Int("empty_batches", emptyStreak))
				res.fail(fmt.Errorf("authority returned %d consecutive empty %s batches", emptyStreak, cp.Kind))
				return true
			}
			if !page.HasMore {
				return false
			}
			continue
		}
		emptyStreak = 0

		applied, err := p.applyPage(ctx, cp.Kind, page.Records, blocked)
		if err != nil {
			if errors.Is(err, store.ErrQuota) {
				// Halt gracefully; the user sees a storage warning and
				// the checkpoint preserves progress.
				p.logger.Warn("pull halted on storage quota",
					slog.String("kind", string(cp.Kind)))
			}
			res.fail(err)
			return true
		}
		res.Processed += applied

		cp.Offset += len(page.Records)
		if page.Watermark > cp.Watermark {
			cp.Watermark = page.Watermark
		}
		if err := p.saveCheckpoint(ctx, cp); err != nil {
			res.fail(err)
			return true
		}

		elapsed := time.Since(begin)
		pace.observe(elapsed, false)
		p.metrics.SyncBatchDuration.WithLabelValues("pull").Observe(elapsed.Seconds())
		p.metrics.SyncBatchesTotal.WithLabelValues("pull", "ok").Inc()
		p.metrics.SyncBackoffSeconds.WithLabelValues("pull").Set(pace.delay.Seconds())

		if !page.HasMore {
			return false
		}
		if err := pace.wait(ctx); err != nil {
			res.fail(err)
			return true
		}
	}
}

// applyPage commits the applicable records of one page. Dirty and
// conflicted local copies are never overwritten by a pull.
func (p *Puller) applyPage(ctx context.Context, kind record.Kind, records []*record.Record, blocked map[string]bool) (int, error) {
	var apply []*record.Record
	for _, r := range records {
		if kind == record.KindItem && r.Item != nil && blocked[r.Item.ParentCID] {
			continue
		}
		local, err := p.st.GetRecord(ctx, kind, r.CID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("lookup %s/%s: %w", kind, r.CID, err)
		}
		if local != nil {
			if local.State() != record.StateSynced {
				continue
			}
			if r.Version < local.Version {
				continue
			}
		}
		r.Synced = true
		r.Conflicted = false
		r.ConflictType = ""
		r.ConflictSnapshot = nil
		apply = append(apply, r)
	}
	if len(apply) == 0 {
		return 0, nil
	}
	out, err := p.eng.Commit(ctx, kind, apply, "pull")
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (p *Puller) loadCheckpoint(ctx context.Context) (*checkpoint, error) {
	var raw []byte
	err := p.st.View(ctx, func(tx *store.Tx) error {
		b, err := tx.GetKV(store.KVPullCheckpoint)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pull checkpoint: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		p.logger.Warn("discarding undecodable pull checkpoint")
		return nil, nil
	}
	p.logger.Info("resuming pull from checkpoint",
		slog.String("kind", string(cp.Kind)),
		slog.Int("offset", cp.Offset))
	return &cp, nil
}

func (p *Puller) saveCheckpoint(ctx context.Context, cp checkpoint) error {
	buf, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal pull checkpoint: %w", err)
	}
	return p.st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetKV(store.KVPullCheckpoint, buf)
	})
}

func (p *Puller) clearCheckpoint(ctx context.Context) error {
	err := p.st.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteKV(store.KVPullCheckpoint)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
