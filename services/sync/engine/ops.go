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
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

// Operation is one element of a heterogeneous commit batch: either a
// full record upsert or a sparse touch, never both.
type Operation struct {
	// Record replaces the stored record wholesale (modulo local-only
	// field preservation).
	Record *record.Record

	// Touch merges only its provided fields into the stored record.
	Touch *Touch

	// Override bypasses the divergence guard for authoritative
	// upserts. Conflict resolution sets it when the user has already
	// chosen the incoming side over the local one.
	Override bool
}

// Touch is a sparse update. Nil fields are left untouched; the merge
// strategy guarantees a touch can never clobber fields it does not
// name.
type Touch struct {
	Kind record.Kind
	CID  string

	// SortStamp, when set, bumps a Collection's sort-order timestamp.
	SortStamp *int64

	// UpdatedAt, when set, overrides the mutation timestamp.
	UpdatedAt *time.Time
}

// TouchCollection builds the common "bump parent sort order" touch.
func TouchCollection(cid string, at time.Time) Operation {
	stamp := at.UnixMilli()
	return Operation{Touch: &Touch{
		Kind:      record.KindCollection,
		CID:       cid,
		SortStamp: &stamp,
	}}
}

// UpsertOp wraps a record as a batch operation.
func UpsertOp(r *record.Record) Operation {
	return Operation{Record: r}
}

// OverrideOp wraps a record as an upsert that replaces the stored
// record even when the stored record carries unpushed local work.
func OverrideOp(r *record.Record) Operation {
	return Operation{Record: r, Override: true}
}

func (op Operation) cid() string {
	if op.Record != nil {
		return op.Record.CID
	}
	if op.Touch != nil {
		return op.Touch.CID
	}
	return ""
}

func (op Operation) kind() record.Kind {
	if op.Record != nil {
		return op.Record.Kind
	}
	if op.Touch != nil {
		return op.Touch.Kind
	}
	return ""
}

// dedupe collapses a batch by cid, keeping the LAST occurrence of each
// cid. This prevents duplicate-key writes inside one transaction while
// honoring "latest caller intent wins" within a batch.
//
// Operations on distinct kinds never collide: the cid is globally
// unique across kinds by construction.
func dedupe(ops []Operation) []Operation {
	last := make(map[string]int, len(ops))
	for i, op := range ops {
		if cid := op.cid(); cid != "" {
			last[cid] = i
		}
	}
	out := make([]Operation, 0, len(last))
	for i, op := range ops {
		if cid := op.cid(); cid == "" || last[cid] == i {
			out = append(out, op)
		}
	}
	return out
}

// profileOnly reports whether every operation is a profile upsert.
// Such batches are exempt from the lockdown gate; they are the escape
// hatch that heals a failed profile.
func profileOnly(ops []Operation) bool {
	if len(ops) == 0 {
		return false
	}
	for _, op := range ops {
		if op.Record == nil || op.Record.Kind != record.KindProfile {
			return false
		}
	}
	return true
}
