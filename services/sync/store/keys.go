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

import (
	"fmt"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

// Keyspace prefixes. Keys are plain byte strings; the separator is a
// slash, which cannot appear in a cid or kind name.
const (
	prefixRecord = "rec/"
	prefixParent = "idx/parent/"
	prefixState  = "idx/state/"
	prefixKV     = "kv/"
)

// Well-known kv area names.
const (
	// KVIdentity holds the active identity, JSON-encoded.
	KVIdentity = "identity"

	// KVSchemaVersion holds the schema/migration version counter.
	KVSchemaVersion = "schemaver"

	// KVPullCheckpoint holds the pull service's resume checkpoint.
	KVPullCheckpoint = "checkpoint/pull"

	// KVResolutionPrefix prefixes pending conflict-resolution entries,
	// one per cid.
	KVResolutionPrefix = "resolution/"

	// KVArchivePrefix prefixes safety snapshots archived before a
	// remote-wins conflict resolution is applied.
	KVArchivePrefix = "archive/"
)

func recordKey(kind record.Kind, cid string) []byte {
	return []byte(prefixRecord + string(kind) + "/" + cid)
}

func recordPrefix(kind record.Kind) []byte {
	return []byte(prefixRecord + string(kind) + "/")
}

func parentKey(parentCID, cid string) []byte {
	return []byte(prefixParent + parentCID + "/" + cid)
}

func parentPrefix(parentCID string) []byte {
	return []byte(prefixParent + parentCID + "/")
}

func stateKey(kind record.Kind, st record.State, cid string) []byte {
	return []byte(fmt.Sprintf("%s%s/%d/%s", prefixState, kind, st, cid))
}

func statePrefix(kind record.Kind, st record.State) []byte {
	return []byte(fmt.Sprintf("%s%s/%d/", prefixState, kind, st))
}

func kvKey(name string) []byte {
	return []byte(prefixKV + name)
}

// cidFromIndexKey extracts the trailing cid from an index key.
func cidFromIndexKey(key []byte) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return string(key[i+1:])
		}
	}
	return string(key)
}
