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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianSync/services/sync/authority"
	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

// DefaultPageSize is the bulk listing page size.
const DefaultPageSize = 100

// Bulk is the full-set acquisition slice, used by the Collections and
// Items hydration gates.
//
// Local-only fields on pre-existing records survive the refresh: the
// commit gateway's merge preserves them when the authority's payload
// omits them due to partial projection.
type Bulk struct {
	client   *authority.Client
	pageSize int
	logger   *slog.Logger
}

// NewBulk creates the bulk slice. pageSize <= 0 selects the default.
func NewBulk(client *authority.Client, pageSize int, logger *slog.Logger) *Bulk {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bulk{
		client:   client,
		pageSize: pageSize,
		logger:   logger.With(slog.String("slice", "bulk")),
	}
}

// FetchAll pages through the authority's full set for one kind.
//
// # Outputs
//
//   - []*record.Record: Every record of the kind for the owner,
//     marked authoritative.
//   - error: The first transport or decode failure. Partial pages
//     fetched before the failure are discarded; the gate retries
//     whole.
func (b *Bulk) FetchAll(ctx context.Context, kind record.Kind, owner string) ([]*record.Record, error) {
	var all []*record.Record
	offset := 0
	for {
		page, err := b.client.List(ctx, kind, authority.ListQuery{
			Owner:  owner,
			Limit:  b.pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s at offset %d: %w", kind, offset, err)
		}
		for _, r := range page.Records {
			markAuthoritative(r)
		}
		all = append(all, page.Records...)

		// An empty page always terminates, even if the authority
		// claims more. Protects against a has_more lie looping forever.
		if !page.HasMore || len(page.Records) == 0 {
			break
		}
		offset += len(page.Records)
	}

	b.logger.Debug("bulk fetch complete",
		slog.String("kind", string(kind)), slog.Int("count", len(all)))
	return all, nil
}
