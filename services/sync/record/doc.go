// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package record defines the replicated data model for the sync core.
//
// Three kinds of records exist: Collections, Items, and a Profile
// singleton. Every record carries a Meta envelope with the fields the
// sync protocol needs (cid, version, sync flags, tombstone), plus a
// per-kind payload struct. The set of kinds is closed; anything else
// is rejected at validation time.
//
// # Identity
//
// A record is identified by its cid, a client-generated UUID assigned
// exactly once at creation. The authority-assigned remote id arrives
// later, on the first successful push, and never replaces the cid as
// the deduplication key.
//
// # Versioning
//
// Version is a per-record monotonic counter used for optimistic
// concurrency control. Local mutations bump it by one; conflict
// resurrection jumps it by VersionJump to outrun any plausible
// authority value.
//
// # Ownership
//
// Records are value-ish: components exchange deep copies via Clone,
// never shared pointers into the store's working set.
package record
