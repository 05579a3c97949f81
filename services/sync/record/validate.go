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
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. go-playground/validator
// caches struct metadata internally and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs the full schema check for a record.
//
// # Description
//
// Checks the Meta envelope (cid present and well-formed, kind in the
// closed set, version >= 1), then dispatches to the per-kind payload
// schema. Exactly one payload pointer must be set and it must match
// the kind tag.
//
// Records failing validation are dropped from commit batches by the
// hydration engine; the error here carries the reason that gets
// logged.
//
// # Outputs
//
//   - error: nil if the record is schema-valid. Wraps ErrMissingCID,
//     ErrUnknownKind, ErrPayloadMismatch, or ErrSchema.
func Validate(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrSchema)
	}
	if r.CID == "" {
		return ErrMissingCID
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if err := checkPayloadShape(r); err != nil {
		return err
	}
	if err := validate.Struct(r.Meta); err != nil {
		return fmt.Errorf("%w: meta: %v", ErrSchema, err)
	}
	var err error
	switch r.Kind {
	case KindCollection:
		err = validate.Struct(r.Collection)
	case KindItem:
		err = validate.Struct(r.Item)
	case KindProfile:
		err = validate.Struct(r.Profile)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchema, r.Kind, err)
	}
	return nil
}

// checkPayloadShape enforces the tagged-union shape: exactly one
// payload, matching the kind tag.
func checkPayloadShape(r *Record) error {
	set := 0
	if r.Collection != nil {
		set++
	}
	if r.Item != nil {
		set++
	}
	if r.Profile != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrPayloadMismatch, set)
	}
	switch r.Kind {
	case KindCollection:
		if r.Collection == nil {
			return fmt.Errorf("%w: kind %s without collection payload", ErrPayloadMismatch, r.Kind)
		}
	case KindItem:
		if r.Item == nil {
			return fmt.Errorf("%w: kind %s without item payload", ErrPayloadMismatch, r.Kind)
		}
	case KindProfile:
		if r.Profile == nil {
			return fmt.Errorf("%w: kind %s without profile payload", ErrPayloadMismatch, r.Kind)
		}
	}
	return nil
}
