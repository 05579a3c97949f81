// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package acquire implements the four acquisition slices.
//
// Each slice fetches from the authority, normalizes, and returns
// records ready for the commit gateway. None of them write to the
// local store themselves; the controller funnels every slice's output
// through the engine.
//
//   - Identity fetches the singleton profile, bootstrapping a default
//     one for a brand-new owner instead of failing.
//   - Bulk fetches the full collection or item set in server-paginated
//     chunks.
//   - Realtime normalizes one inbound push event, applying tombstone
//     authority, resurrection, and the freshness rule.
//   - Targeted fetches one record on demand, treating a 404 as a
//     benign ghost.
package acquire
