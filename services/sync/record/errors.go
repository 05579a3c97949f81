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

import "errors"

// Sentinel errors for record validation.
var (
	// ErrUnknownKind is returned when a record's kind is outside the
	// closed Collection/Item/Profile set.
	ErrUnknownKind = errors.New("unknown record kind")

	// ErrMissingCID is returned when a record has no content identifier.
	// A cid is assigned at creation and never defaulted afterward.
	ErrMissingCID = errors.New("record has no cid")

	// ErrPayloadMismatch is returned when the payload pointer present on
	// a record does not match its kind tag, or more than one is set.
	ErrPayloadMismatch = errors.New("record payload does not match kind")

	// ErrSchema is returned when per-kind field validation fails.
	ErrSchema = errors.New("record failed schema validation")
)
