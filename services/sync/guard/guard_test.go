// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/identity"
	"github.com/AleutianAI/AleutianSync/services/sync/store"
)

type failingChecker struct {
	license, signature error
}

func (f failingChecker) CheckLicense(*identity.Identity) error   { return f.license }
func (f failingChecker) CheckSignature(*identity.Identity) error { return f.signature }

func newTestIdentity(t *testing.T, signedIn bool) *identity.Manager {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m := identity.NewManager(st, nil)
	if signedIn {
		require.NoError(t, m.Set(context.Background(), identity.Identity{Owner: "u"}))
	}
	return m
}

// TestCheckPassesWhenHealthy is the happy path.
func TestCheckPassesWhenHealthy(t *testing.T) {
	g := New(newTestIdentity(t, true), NewLockdown(), nil, nil)
	assert.NoError(t, g.Check(ScopeFull))
	assert.NoError(t, g.Check(ScopeLocalWrite))
}

// TestLockdownBlocksAllButProfileTraffic verifies lockdown dominates
// every scope except the profile-only escape hatch.
func TestLockdownBlocksAllButProfileTraffic(t *testing.T) {
	ld := NewLockdown()
	ld.Engage("profile hydration failed")
	g := New(newTestIdentity(t, true), ld, nil, nil)

	for _, scope := range []Scope{ScopeFull, ScopeLocalWrite} {
		err := g.Check(scope)
		assert.ErrorIs(t, err, ErrLockdown, "scope %d", scope)
		assert.True(t, IsSecurityError(err))
	}
	assert.NoError(t, g.Check(ScopeProfileBootstrap),
		"re-hydrating the profile is the way out of lockdown")

	ld.Release()
	assert.NoError(t, g.Check(ScopeFull))
}

// TestOfflineDefersSyncButNotLocalWrites verifies network posture
// handling: local-first means local writes proceed offline.
func TestOfflineDefersSyncButNotLocalWrites(t *testing.T) {
	mode := NetworkOffline
	g := New(newTestIdentity(t, true), NewLockdown(), func() NetworkMode { return mode }, nil)

	err := g.Check(ScopeFull)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.False(t, IsSecurityError(err))

	assert.NoError(t, g.Check(ScopeLocalWrite))

	mode = NetworkDegraded
	assert.ErrorIs(t, g.Check(ScopeFull), ErrNetworkUnavailable)
	mode = NetworkRestricted
	assert.ErrorIs(t, g.Check(ScopeProfileBootstrap), ErrNetworkUnavailable)
	mode = NetworkOnline
	assert.NoError(t, g.Check(ScopeFull))
}

// TestMissingProfileBlocksExceptBootstrap verifies the first-run
// exception reaches only profile traffic.
func TestMissingProfileBlocksExceptBootstrap(t *testing.T) {
	g := New(newTestIdentity(t, false), NewLockdown(), nil, nil)

	assert.ErrorIs(t, g.Check(ScopeFull), ErrNoProfile)
	assert.ErrorIs(t, g.Check(ScopeLocalWrite), ErrNoProfile)
	assert.NoError(t, g.Check(ScopeProfileBootstrap))
}

// TestLicenseAndSignatureFailures verifies checker verdicts map to
// the right sentinels.
func TestLicenseAndSignatureFailures(t *testing.T) {
	idm := newTestIdentity(t, true)

	g := New(idm, NewLockdown(), nil, failingChecker{license: errors.New("expired")})
	err := g.Check(ScopeFull)
	assert.ErrorIs(t, err, ErrLicenseInvalid)
	assert.True(t, IsSecurityError(err))

	g = New(idm, NewLockdown(), nil, failingChecker{signature: errors.New("tampered")})
	err = g.Check(ScopeFull)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}
