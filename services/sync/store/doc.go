// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the Local Store on BadgerDB.
//
// The store holds the full local replica: one logical table per record
// kind, two secondary indexes (parent linkage and sync state), and a
// small durable key-value area for identity, schema version, pending
// conflict resolutions, and pull checkpoints. All of it lives in one
// Badger keyspace so a single transaction can span every table, which
// is what gives the hydration engine its atomic multi-table commit.
//
// # Keyspace
//
//	rec/<kind>/<cid>                    JSON-encoded record
//	idx/parent/<parentCid>/<cid>        child Item index
//	idx/state/<kind>/<state>/<cid>      sync-state index
//	kv/<name>                           durable scalar area
//
// # Write discipline
//
// Nothing outside the hydration engine may call Update. Read paths are
// open to every component; the single-writer guarantee is the engine's
// contract, not the store's.
//
// # Query strategies
//
// List operations run through a QueryStrategy. The primary strategy
// reads the secondary indexes; the fallback iterates the record table
// and filters, for replicas whose indexes were written by an older
// schema or damaged by a crash. A capability probe at startup picks
// the strategy.
package store
