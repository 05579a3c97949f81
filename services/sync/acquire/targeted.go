// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianSync/services/sync/authority"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

// Targeted is the single-record acquisition slice, used for
// just-in-time repair of out-of-date display data.
type Targeted struct {
	client *authority.Client
	logger *slog.Logger
}

// NewTargeted creates the targeted slice.
func NewTargeted(client *authority.Client, logger *slog.Logger) *Targeted {
	if logger == nil {
		logger = slog.Default()
	}
	return &Targeted{
		client: client,
		logger: logger.With(slog.String("slice", "targeted")),
	}
}

// FetchOne fetches one record by id.
//
// A 404 means the authority no longer has the record: a ghost. That
// is reported as found=false with a nil error so the caller silently
// drops its stale reference instead of raising.
func (s *Targeted) FetchOne(ctx context.Context, kind record.Kind, id string) (*record.Record, bool, error) {
	r, err := s.client.Fetch(ctx, kind, id)
	if errors.Is(err, authority.ErrGhost) {
		s.logger.Debug("targeted fetch hit a ghost",
			slog.String("kind", string(kind)), slog.String("id", id))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("targeted fetch %s/%s: %w", kind, id, err)
	}
	markAuthoritative(r)
	return r, true, nil
}
