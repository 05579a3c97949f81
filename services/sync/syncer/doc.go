// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer implements the push and pull services.
//
// Both consult the SyncGuard before any network call, process
// collections strictly before items, and pace themselves with an
// adaptive inter-batch delay backed by a hard rate floor. Push groups
// dirty records into payload-size-aware batches, adopts authority
// acknowledgments through the commit gateway, and converts a 409 into
// a conflict flag instead of retrying. Pull resumes from a durable
// checkpoint and trips a circuit breaker after three consecutive
// empty batches rather than looping against a misbehaving authority.
package syncer
