// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"encoding/json"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

const (
	// OversizeThreshold is the serialized size above which a record
	// travels in a batch of its own. Large embedded media must not
	// drag a whole batch into a timeout.
	OversizeThreshold = 256 << 10

	// MaxBatchRecords caps how many small records share one batch.
	MaxBatchRecords = 20
)

// buildBatches groups records by serialized payload size: oversized
// records go alone, small records fill up to MaxBatchRecords. Input
// order is preserved within and across batches.
func buildBatches(records []*record.Record) [][]*record.Record {
	var batches [][]*record.Record
	var current []*record.Record

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
		}
	}

	for _, r := range records {
		if serializedSize(r) > OversizeThreshold {
			flush()
			batches = append(batches, []*record.Record{r})
			continue
		}
		current = append(current, r)
		if len(current) >= MaxBatchRecords {
			flush()
		}
	}
	flush()
	return batches
}

func serializedSize(r *record.Record) int {
	buf, err := json.Marshal(r)
	if err != nil {
		// Unmarshalable records are caught by the gateway; treat as
		// oversized so they cannot poison a shared batch.
		return OversizeThreshold + 1
	}
	return len(buf)
}
