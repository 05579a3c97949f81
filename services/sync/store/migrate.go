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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// Migration is one ordered schema migration step. Steps run inside
// their own transaction; the version counter advances only after the
// step commits.
type Migration struct {
	// Version is the schema version this step migrates TO.
	Version int

	// Name describes the step for logs.
	Name string

	// Apply performs the migration within the given transaction.
	Apply func(tx *Tx) error
}

// SchemaVersion reads the current schema version counter (0 if the
// replica predates versioning).
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.View(ctx, func(tx *Tx) error {
		raw, err := tx.GetKV(KVSchemaVersion)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("corrupt schema version %q: %w", raw, err)
		}
		v = n
		return nil
	})
	return v, err
}

// Migrate applies every migration step newer than the replica's
// current schema version, in order.
//
// A failed step aborts the run with ErrMigration; already-applied
// steps stay applied (each step is its own transaction, and each is
// expected to be idempotent against a partially migrated replica).
func (s *Store) Migrate(ctx context.Context, steps []Migration) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range steps {
		if m.Version <= current {
			continue
		}
		err := s.Update(ctx, func(tx *Tx) error {
			if err := m.Apply(tx); err != nil {
				return err
			}
			return tx.SetKV(KVSchemaVersion, []byte(strconv.Itoa(m.Version)))
		})
		if err != nil {
			return fmt.Errorf("%w: step %d (%s): %v", ErrMigration, m.Version, m.Name, err)
		}
		s.logger.Info("schema migration applied",
			slog.Int("version", m.Version), slog.String("name", m.Name))
		current = m.Version
	}
	return nil
}
