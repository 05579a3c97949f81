// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package authority

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

var (
	// ErrInvalidInput indicates a nil context or malformed argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrGhost indicates a 404 on a per-id fetch: the authority no
	// longer has the record. Callers treat this as a benign "gone"
	// signal and drop the stale local reference.
	ErrGhost = errors.New("record gone from authority")

	// ErrUnavailable indicates a transport-level failure. The
	// operation should be deferred to the next sync window, not
	// retried immediately.
	ErrUnavailable = errors.New("authority unavailable")

	// ErrUnexpectedStatus indicates a status code outside the
	// documented contract.
	ErrUnexpectedStatus = errors.New("unexpected authority status")
)

// ConflictError is returned when a PUT's If-Match version does not
// match the authority's stored version. Snapshot is the authority's
// current record as returned in the 409 body.
type ConflictError struct {
	CID      string
	Snapshot *record.Record
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s", e.CID)
}

// AsConflict unwraps err into a *ConflictError if it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
