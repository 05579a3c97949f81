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

// Identity is the profile acquisition slice.
//
// # Description
//
// Identity fetches the owner's singleton profile from the authority.
// A brand-new identity has no profile yet; in that case Identity
// synthesizes a sensible default locally and registers it with the
// authority. Bootstrapping must never block the rest of hydration.
type Identity struct {
	client *authority.Client
	logger *slog.Logger
}

// NewIdentity creates the profile slice.
func NewIdentity(client *authority.Client, logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{
		client: client,
		logger: logger.With(slog.String("slice", "identity")),
	}
}

// FetchProfile returns the canonical profile for the owner, marked
// authoritative and ready for commit. The bool reports whether a
// default profile was bootstrapped for a brand-new identity.
func (s *Identity) FetchProfile(ctx context.Context, owner string) (*record.Record, bool, error) {
	prof, err := s.client.GetProfile(ctx, owner)
	if err == nil {
		markAuthoritative(prof)
		return prof, false, nil
	}
	if !errors.Is(err, authority.ErrGhost) {
		return nil, false, fmt.Errorf("fetch profile: %w", err)
	}

	s.logger.Info("no remote profile, bootstrapping default",
		slog.String("owner", owner))
	fresh := record.NewProfile(owner)
	echo, err := s.client.RegisterProfile(ctx, fresh)
	if err != nil {
		return nil, false, fmt.Errorf("register bootstrap profile: %w", err)
	}
	markAuthoritative(echo)
	return echo, true, nil
}

// markAuthoritative stamps a record as last seen from the authority.
func markAuthoritative(r *record.Record) {
	r.Synced = true
	r.Conflicted = false
	r.ConflictType = ""
	r.ConflictSnapshot = nil
}
