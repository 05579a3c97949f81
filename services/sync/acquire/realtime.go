// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
)

// FreshLoginGrace is the window after local record creation during
// which a realtime event applies even when its version is not newer.
//
// A replica that just logged in races its first full sync against the
// event stream; without the grace window a noisy channel could starve
// the in-flight initial records. This is a tolerance heuristic, not a
// correctness invariant.
const FreshLoginGrace = 5 * time.Second

// EventType names an inbound realtime event.
type EventType string

// The six events the authority's channel delivers. Payloads carry the
// same JSON shape as the REST endpoints. Delivery is at-least-once
// and unordered across types.
const (
	EventCollectionCreated EventType = "COLLECTION_CREATED"
	EventCollectionUpdated EventType = "COLLECTION_UPDATED"
	EventCollectionDeleted EventType = "COLLECTION_DELETED"
	EventItemCreated       EventType = "ITEM_CREATED"
	EventItemUpdated       EventType = "ITEM_UPDATED"
	EventItemDeleted       EventType = "ITEM_DELETED"
)

// Kind maps the event to its record kind. ok is false for an unknown
// event name.
func (t EventType) Kind() (record.Kind, bool) {
	switch t {
	case EventCollectionCreated, EventCollectionUpdated, EventCollectionDeleted:
		return record.KindCollection, true
	case EventItemCreated, EventItemUpdated, EventItemDeleted:
		return record.KindItem, true
	default:
		return "", false
	}
}

// IsDelete reports whether the event carries tombstone authority.
func (t EventType) IsDelete() bool {
	return t == EventCollectionDeleted || t == EventItemDeleted
}

// Event is one realtime channel message.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Verdict is the realtime slice's decision for one event.
type Verdict struct {
	// Record is the normalized record, nil when Apply is false.
	Record *record.Record

	// Apply reports whether the record should go through the gateway.
	Apply bool

	// Reason labels the decision for logs and metrics: "apply",
	// "tombstone", "resurrection", "fresh-login", "stale-version",
	// "unknown-cid".
	Reason string
}

// ErrUnknownEvent indicates an event name outside the contract.
var ErrUnknownEvent = errors.New("unknown realtime event")

// Realtime is the per-event acquisition slice.
//
// # Description
//
// Realtime normalizes one inbound push event and decides whether it
// should be applied, consulting the local record for the freshness
// rule. The rules, in order:
//
//   - Tombstone authority: a delete event always wins over local state.
//   - Resurrection: an update for a cid not present locally, with
//     tombstoned=false, recreates the record.
//   - Freshness: an update applies if its version is strictly newer
//     than the local one, or if the local record was created within
//     the fresh-login grace window.
//
// # Thread Safety
//
// Safe for concurrent use; it only reads the store.
type Realtime struct {
	st     *store.Store
	grace  time.Duration
	logger *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewRealtime creates the realtime slice.
func NewRealtime(st *store.Store, logger *slog.Logger) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{
		st:     st,
		grace:  FreshLoginGrace,
		logger: logger.With(slog.String("slice", "realtime")),
		now:    time.Now,
	}
}

// Normalize decodes one event and applies the realtime rules.
func (s *Realtime) Normalize(ctx context.Context, evt Event) (Verdict, error) {
	kind, ok := evt.Type.Kind()
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type)
	}

	var incoming record.Record
	if err := json.Unmarshal(evt.Payload, &incoming); err != nil {
		return Verdict{}, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	incoming.Kind = kind
	incoming.Normalize()
	markAuthoritative(&incoming)

	local, err := s.st.GetRecord(ctx, kind, incoming.CID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Verdict{}, fmt.Errorf("lookup %s/%s: %w", kind, incoming.CID, err)
	}

	if evt.Type.IsDelete() {
		if local == nil {
			// Nothing to delete; dropping is safe under at-least-once
			// delivery.
			return Verdict{Reason: "unknown-cid"}, nil
		}
		incoming.Tombstoned = true
		return Verdict{Record: &incoming, Apply: true, Reason: "tombstone"}, nil
	}

	if local == nil {
		if incoming.Tombstoned.Bool() {
			return Verdict{Reason: "unknown-cid"}, nil
		}
		return Verdict{Record: &incoming, Apply: true, Reason: "resurrection"}, nil
	}

	if incoming.Version > local.Version {
		return Verdict{Record: &incoming, Apply: true, Reason: "apply"}, nil
	}
	if s.now().Sub(local.CreatedAt) < s.grace {
		return Verdict{Record: &incoming, Apply: true, Reason: "fresh-login"}, nil
	}

	s.logger.Debug("realtime event dropped as stale",
		slog.String("cid", incoming.CID),
		slog.Int64("incoming_version", incoming.Version),
		slog.Int64("local_version", local.Version))
	return Verdict{Reason: "stale-version"}, nil
}
