// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// VersionJump is the increment applied when a record forcibly
// supersedes a remote state during conflict resurrection. It must be
// large enough to outrun any version the authority could plausibly
// hold for the same cid.
const VersionJump = 100

// Kind identifies one of the three record kinds.
//
// The set is closed: Collection, Item, Profile. Validation rejects
// anything else, so downstream switches may treat the enum as total.
type Kind string

const (
	// KindCollection is a top-level container record.
	KindCollection Kind = "collection"

	// KindItem is a child record referencing a Collection by parent cid.
	KindItem Kind = "item"

	// KindProfile is the per-identity singleton record.
	KindProfile Kind = "profile"
)

// Valid reports whether k is one of the closed set of kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCollection, KindItem, KindProfile:
		return true
	default:
		return false
	}
}

// String returns the kind name.
func (k Kind) String() string { return string(k) }

// State is the derived synchronization state of a record.
type State int

const (
	// StateDirty means local changes have not been acknowledged by the
	// authority.
	StateDirty State = iota

	// StateSynced means local state equals the last-known authority state.
	StateSynced

	// StateConflicted means the authority rejected the last push because
	// its stored version differs; the two states must be reconciled.
	StateConflicted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDirty:
		return "dirty"
	case StateSynced:
		return "synced"
	case StateConflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// ConflictType classifies why a record is conflicted.
type ConflictType string

const (
	// ConflictVersion means both sides mutated since the last common
	// sync point.
	ConflictVersion ConflictType = "version"

	// ConflictParentDeleted means the authority hard-deleted the parent
	// while local children remained dirty.
	ConflictParentDeleted ConflictType = "parent_deleted"
)

// FlexBool is a bool that tolerates the authority's loose encoding.
//
// The wire payload may carry sync flags as booleans, 0/1 numbers, or
// "true"/"false" strings depending on the producing client version.
// FlexBool decodes all three and always encodes as a JSON bool.
type FlexBool bool

// UnmarshalJSON accepts bool, number, and string encodings.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true", `"true"`, "1":
		*b = true
	case "false", `"false"`, "0", "null", `""`:
		*b = false
	default:
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			// Non-zero numbers are truthy, matching legacy clients.
			var n float64
			if err2 := json.Unmarshal(data, &n); err2 != nil {
				return err
			}
			v = n != 0
		}
		*b = FlexBool(v)
	}
	return nil
}

// MarshalJSON always emits a canonical JSON bool.
func (b FlexBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

// Bool returns the plain bool value.
func (b FlexBool) Bool() bool { return bool(b) }

// Meta is the sync envelope shared by every record kind.
type Meta struct {
	// CID is the client-generated content identifier. Immutable,
	// globally unique, assigned exactly once.
	CID string `json:"cid" validate:"required,uuid4"`

	// RemoteID is the authority-assigned id, empty until the first
	// successful push.
	RemoteID string `json:"remote_id,omitempty"`

	// Kind tags the payload union.
	Kind Kind `json:"kind" validate:"required"`

	// Version is the monotonic per-record counter ("vKey").
	Version int64 `json:"version" validate:"gte=1"`

	// Synced is true when local state equals the last-known authority
	// state for this version.
	Synced FlexBool `json:"synced"`

	// Conflicted is true when the authority rejected the last push.
	Conflicted FlexBool `json:"conflicted"`

	// ConflictType is set only while Conflicted is true.
	ConflictType ConflictType `json:"conflict_type,omitempty"`

	// Tombstoned marks a soft delete. The record is hard-deleted only
	// after the deletion has been acknowledged by the authority.
	Tombstoned FlexBool `json:"tombstoned"`

	// CreatedAt is the local creation time, used for the fresh-login
	// grace window in realtime acquisition.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped on every accepted mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// State derives the synchronization state from the sync flags.
func (m *Meta) State() State {
	if m.Conflicted.Bool() {
		return StateConflicted
	}
	if m.Synced.Bool() {
		return StateSynced
	}
	return StateDirty
}

// CollectionFields is the Collection payload.
type CollectionFields struct {
	Name      string `json:"name" validate:"required,max=512"`
	Color     string `json:"color,omitempty" validate:"omitempty,hexcolor"`
	SortStamp int64  `json:"sort_stamp,omitempty"`
}

// ItemFields is the Item payload.
type ItemFields struct {
	// ParentCID references the owning Collection by cid.
	ParentCID string `json:"parent_cid" validate:"required,uuid4"`

	Title string `json:"title" validate:"max=1024"`
	Body  string `json:"body,omitempty"`

	// MediaRef is the authority-side media reference.
	MediaRef string `json:"media_ref,omitempty"`

	// MediaLocal is a local-only migration pointer. It is never sent to
	// the authority and must survive bulk refreshes whose projection
	// omits it.
	MediaLocal string `json:"media_local,omitempty"`
}

// ProfileFields is the Profile payload.
type ProfileFields struct {
	Owner       string `json:"owner" validate:"required"`
	DisplayName string `json:"display_name,omitempty" validate:"max=256"`
	LicenseKey  string `json:"license_key,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Record is the tagged union of the three record kinds.
//
// Exactly one payload pointer matching Meta.Kind must be non-nil; the
// schema check enforces this. ConflictSnapshot holds the authority's
// conflicting version only while the record is conflicted.
type Record struct {
	Meta

	Collection *CollectionFields `json:"collection,omitempty"`
	Item       *ItemFields       `json:"item,omitempty"`
	Profile    *ProfileFields    `json:"profile,omitempty"`

	// ConflictSnapshot is the authority's version of this record, held
	// while State() == StateConflicted.
	ConflictSnapshot *Record `json:"conflict_snapshot,omitempty"`
}

// NewCID generates a fresh content identifier.
func NewCID() string { return uuid.NewString() }

// NewCollection creates a dirty, unsynced Collection with a fresh cid.
func NewCollection(name string) *Record {
	now := time.Now().UTC()
	return &Record{
		Meta: Meta{
			CID:       NewCID(),
			Kind:      KindCollection,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Collection: &CollectionFields{Name: name, SortStamp: now.UnixMilli()},
	}
}

// NewItem creates a dirty, unsynced Item under the given parent.
func NewItem(parentCID, title string) *Record {
	now := time.Now().UTC()
	return &Record{
		Meta: Meta{
			CID:       NewCID(),
			Kind:      KindItem,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Item: &ItemFields{ParentCID: parentCID, Title: title},
	}
}

// NewProfile creates a dirty, unsynced Profile for the given owner.
func NewProfile(owner string) *Record {
	now := time.Now().UTC()
	return &Record{
		Meta: Meta{
			CID:       NewCID(),
			Kind:      KindProfile,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Profile: &ProfileFields{Owner: owner},
	}
}

// ParentCID returns the parent Collection cid for Items, or empty.
func (r *Record) ParentCID() string {
	if r.Kind == KindItem && r.Item != nil {
		return r.Item.ParentCID
	}
	return ""
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Collection != nil {
		c := *r.Collection
		out.Collection = &c
	}
	if r.Item != nil {
		i := *r.Item
		out.Item = &i
	}
	if r.Profile != nil {
		p := *r.Profile
		out.Profile = &p
	}
	out.ConflictSnapshot = r.ConflictSnapshot.Clone()
	return &out
}

// MarkSynced records a verified authority acknowledgment.
//
// The remote id is adopted if the record did not have one, and the
// version is raised to the acknowledged version when the authority's
// is newer. Conflict state is cleared.
func (r *Record) MarkSynced(remoteID string, ackVersion int64) {
	if r.RemoteID == "" && remoteID != "" {
		r.RemoteID = remoteID
	}
	if ackVersion > r.Version {
		r.Version = ackVersion
	}
	r.Synced = true
	r.Conflicted = false
	r.ConflictType = ""
	r.ConflictSnapshot = nil
}

// MarkConflicted records an authority rejection with its snapshot.
func (r *Record) MarkConflicted(ct ConflictType, snapshot *Record) {
	r.Conflicted = true
	r.Synced = false
	r.ConflictType = ct
	r.ConflictSnapshot = snapshot.Clone()
}

// Bump registers a local mutation: version +1, dirty, updated now.
func (r *Record) Bump() {
	r.Version++
	r.Synced = false
	r.UpdatedAt = time.Now().UTC()
}

// Normalize fills defaulted fields in place.
//
// Missing versions become 1, missing timestamps become now, and a
// conflict type without the conflicted flag is cleared. Normalize never
// invents a cid; that is a validation failure, not a default.
func (r *Record) Normalize() {
	now := time.Now().UTC()
	if r.Version < 1 {
		r.Version = 1
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if !r.Conflicted.Bool() {
		r.ConflictType = ""
		r.ConflictSnapshot = nil
	}
}
