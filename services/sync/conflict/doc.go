// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conflict implements detection and deferred resolution.
//
// Detection scans the local store for conflicted records and for
// dirty items whose parent collection is gone, classifying every
// conflict as either "version" (both sides mutated since the last
// common sync point) or "parent_deleted" (the authority hard-deleted
// the parent while local children remained dirty). Conflicts are
// surfaced to the caller, never auto-resolved silently.
//
// Resolution is deferred: choosing "local" or "remote" queues the
// choice durably with a short expiry window during which it can be
// cancelled. A single ticker executes expired choices, so a pending
// resolution survives a process restart. Before a "remote" choice
// overwrites local edits, the pre-resolution state is archived
// durably so a mistake is recoverable out-of-band.
package conflict
