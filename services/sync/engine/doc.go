// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the hydration engine, the single commit
// gateway ("Iron Gate") through which every Local Store write passes.
//
// # Contract
//
// Commit and CommitBatch are the only sanctioned write paths to the
// record tables. Every commit runs the same pipeline:
//
//  1. Security gate: an active lockdown rejects the whole batch before
//     anything is written.
//  2. Deduplication: the batch is collapsed by cid, keeping the last
//     occurrence, so one transaction never writes the same key twice.
//  3. Normalization and schema validation: invalid records are dropped
//     from the batch with a logged reason; the remainder still
//     commits. Partial-batch tolerance applies across records, never
//     within one record's write.
//  4. One atomic transaction spanning every affected table.
//
// # Single-writer guarantee
//
// The original design runs on a cooperative single-threaded runtime;
// in Go the same guarantee needs a real lock. An internal mutex
// serializes all commits, so concurrent callers can never interleave
// partial writes for the same cid.
package engine
