// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "errors"

// Sentinel errors for Local Store operations.
var (
	// ErrNotFound is returned when a record or kv entry does not exist.
	ErrNotFound = errors.New("not found in local store")

	// ErrQuota is returned when a transaction exceeds the storage
	// engine's limits. The caller must abort the surrounding loop
	// gracefully rather than retry the same write.
	ErrQuota = errors.New("local storage quota exceeded")

	// ErrIndexUnavailable is returned by the capability probe when the
	// secondary indexes cannot be round-tripped. List operations fall
	// back to full scans.
	ErrIndexUnavailable = errors.New("secondary index unavailable")

	// ErrMigration is returned when a schema migration step fails. The
	// version counter is not advanced past a failed step.
	ErrMigration = errors.New("schema migration failed")
)
