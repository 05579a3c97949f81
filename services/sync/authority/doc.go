// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package authority is the REST client for the remote authority.
//
// The authority is the server-side source of truth every replica
// converges toward. Its contract is small: paginated list endpoints
// per kind, per-id fetch and write endpoints, and a singleton profile
// endpoint. Writes are optimistic: PUT carries the record's version in
// an If-Match header, and a mismatch comes back as HTTP 409 with the
// authority's current record in the body. That 409 body is the
// conflict snapshot the rest of the system works from.
//
// The client translates HTTP outcomes into the local error taxonomy:
// a 404 on a per-id fetch is ErrGhost (the record is gone, not an
// error), a 409 is a *ConflictError carrying the snapshot, and
// transport failures are ErrUnavailable.
package authority
