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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianSync/services/sync/engine"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
	"github.com/AleutianAI/AleutianSync/services/sync/telemetry"
)

// Conflict is one surfaced conflict.
type Conflict struct {
	CID  string              `json:"cid"`
	Kind record.Kind         `json:"kind"`
	Type record.ConflictType `json:"type"`

	// Local is the device's current record.
	Local *record.Record `json:"local"`

	// Snapshot is the authority's record at rejection time. Nil for
	// parent_deleted conflicts, where the authority has nothing left.
	Snapshot *record.Record `json:"snapshot,omitempty"`
}

// Detector finds and classifies conflicts.
//
// # Description
//
// Detector runs a scan over the local store, both periodically and
// after each sync pass. Two sources feed it: records the push path
// already flagged conflicted (a 409), and dirty items whose parent
// collection is tombstoned or missing, which are newly flagged
// parent_deleted through the commit gateway.
type Detector struct {
	st      *store.Store
	eng     *engine.Engine
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(st *store.Store, eng *engine.Engine, metrics *telemetry.Metrics, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewTestMetrics()
	}
	return &Detector{
		st:      st,
		eng:     eng,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "conflict-detector")),
	}
}

// Scan returns every current conflict, flagging newly orphaned items
// along the way.
func (d *Detector) Scan(ctx context.Context) ([]Conflict, error) {
	if err := d.flagOrphans(ctx); err != nil {
		return nil, err
	}

	var out []Conflict
	for _, kind := range []record.Kind{record.KindCollection, record.KindItem} {
		flagged, err := d.st.ListByState(ctx, kind, record.StateConflicted)
		if err != nil {
			return nil, fmt.Errorf("scan %s conflicts: %w", kind, err)
		}
		for _, r := range flagged {
			out = append(out, Conflict{
				CID:      r.CID,
				Kind:     r.Kind,
				Type:     r.ConflictType,
				Local:    r,
				Snapshot: r.ConflictSnapshot,
			})
		}
	}
	return out, nil
}

// flagOrphans marks dirty items under a tombstoned or missing parent
// as parent_deleted. The flagging itself goes through the gateway.
func (d *Detector) flagOrphans(ctx context.Context) error {
	dirty, err := d.st.ListByState(ctx, record.KindItem, record.StateDirty)
	if err != nil {
		return fmt.Errorf("scan dirty items: %w", err)
	}

	var flagged []*record.Record
	parentGone := map[string]bool{}
	for _, item := range dirty {
		cid := item.Item.ParentCID
		gone, seen := parentGone[cid]
		if !seen {
			parent, err := d.st.GetRecord(ctx, record.KindCollection, cid)
			switch {
			case errors.Is(err, store.ErrNotFound):
				gone = true
			case err != nil:
				return fmt.Errorf("lookup parent %s: %w", cid, err)
			default:
				gone = parent.Tombstoned.Bool()
			}
			parentGone[cid] = gone
		}
		if !gone {
			continue
		}
		r := item.Clone()
		r.MarkConflicted(record.ConflictParentDeleted, nil)
		flagged = append(flagged, r)
	}

	if len(flagged) == 0 {
		return nil
	}
	d.logger.Warn("flagging orphaned dirty items",
		slog.Int("count", len(flagged)))
	d.metrics.ConflictsTotal.WithLabelValues(string(record.ConflictParentDeleted)).
		Add(float64(len(flagged)))
	_, err = d.eng.Commit(ctx, record.KindItem, flagged, "conflict-detector")
	return err
}
