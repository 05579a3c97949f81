// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard implements the SyncGuard: the stateless preflight
// validator consulted by every sync operation, plus the process-wide
// lockdown latch it reads.
//
// The guard enforces defense in depth: the hydration engine performs
// the same lockdown check before any write, so a service that forgets
// its preflight still cannot corrupt the replica. A single escape
// hatch exists: profile-only traffic, covering first-run bootstrap
// (no profile can exist yet) and recovery from a profile-triggered
// lockdown.
package guard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianSync/services/sync/identity"
)

// NetworkMode is the coarse network posture reported by the platform.
type NetworkMode int

const (
	// NetworkOnline means normal connectivity.
	NetworkOnline NetworkMode = iota

	// NetworkOffline means no connectivity; sync is deferred.
	NetworkOffline

	// NetworkDegraded means connectivity exists but is unreliable;
	// sync is deferred to the next window rather than risked now.
	NetworkDegraded

	// NetworkRestricted means policy forbids sync traffic (metered
	// links, enterprise lockout).
	NetworkRestricted
)

// String returns a human-readable mode name.
func (m NetworkMode) String() string {
	switch m {
	case NetworkOnline:
		return "online"
	case NetworkOffline:
		return "offline"
	case NetworkDegraded:
		return "degraded"
	case NetworkRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// Security and availability sentinels. Lockdown-class errors are fatal
// to the operation and never retried automatically; network errors
// defer the operation to the next sync window.
var (
	// ErrLockdown means the process-wide lockdown latch is set.
	ErrLockdown = errors.New("security lockdown active")

	// ErrNoProfile means no active identity/profile exists.
	ErrNoProfile = errors.New("no profile for active identity")

	// ErrLicenseInvalid means the profile's license failed validation.
	ErrLicenseInvalid = errors.New("license invalid")

	// ErrSignatureInvalid means the profile's signature failed validation.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrNetworkUnavailable means the network posture forbids sync now.
	ErrNetworkUnavailable = errors.New("network unavailable for sync")
)

// IsSecurityError reports whether err belongs to the lockdown class
// (fatal, never auto-retried).
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrLockdown) ||
		errors.Is(err, ErrNoProfile) ||
		errors.Is(err, ErrLicenseInvalid) ||
		errors.Is(err, ErrSignatureInvalid)
}

// Lockdown is the process-wide security latch.
//
// It is set when emergency profile hydration fails or a risk condition
// is detected, and cleared only by a successful profile gate. While
// set, every local mutation and every sync operation is rejected.
//
// # Thread Safety
//
// Safe for concurrent use.
type Lockdown struct {
	mu     sync.RWMutex
	active bool
	reason string
}

// NewLockdown returns an inactive latch.
func NewLockdown() *Lockdown { return &Lockdown{} }

// Engage sets the latch with a reason.
func (l *Lockdown) Engage(reason string) {
	l.mu.Lock()
	l.active = true
	l.reason = reason
	l.mu.Unlock()
}

// Release clears the latch.
func (l *Lockdown) Release() {
	l.mu.Lock()
	l.active = false
	l.reason = ""
	l.mu.Unlock()
}

// Active reports whether the latch is set.
func (l *Lockdown) Active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Reason returns why the latch is set, or empty.
func (l *Lockdown) Reason() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason
}

// LicenseChecker validates the active identity's license material.
// The authentication/session provider behind it is an external
// collaborator; the guard only consumes the verdict.
type LicenseChecker interface {
	// CheckLicense returns nil when the identity's license is valid.
	CheckLicense(id *identity.Identity) error

	// CheckSignature returns nil when the identity's signature is valid.
	CheckSignature(id *identity.Identity) error
}

// permissiveChecker accepts everything and is the default for
// development replicas.
type permissiveChecker struct{}

func (permissiveChecker) CheckLicense(*identity.Identity) error   { return nil }
func (permissiveChecker) CheckSignature(*identity.Identity) error { return nil }

// Scope selects which checks a preflight performs.
type Scope int

const (
	// ScopeFull is the normal preflight: every check applies.
	ScopeFull Scope = iota

	// ScopeProfileBootstrap is the profile-only exception: first-run
	// bootstrap before a profile exists, and the lockdown escape
	// hatch. Only the network check applies.
	ScopeProfileBootstrap

	// ScopeLocalWrite applies to local mutations: lockdown and profile
	// checks apply, network posture does not (offline writes are the
	// whole point of a local-first replica).
	ScopeLocalWrite
)

// Guard is the stateless sync preflight validator.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the injected
// collaborators.
type Guard struct {
	identity *identity.Manager
	lockdown *Lockdown
	network  func() NetworkMode
	license  LicenseChecker
}

// New creates a Guard.
//
// network reports the current network posture; nil means always
// online (tests, wired replicas). license may be nil for the
// permissive default.
func New(idm *identity.Manager, lockdown *Lockdown, network func() NetworkMode, license LicenseChecker) *Guard {
	if network == nil {
		network = func() NetworkMode { return NetworkOnline }
	}
	if license == nil {
		license = permissiveChecker{}
	}
	return &Guard{
		identity: idm,
		lockdown: lockdown,
		network:  network,
		license:  license,
	}
}

// Check runs the preflight for the given scope.
//
// # Outputs
//
//   - error: nil if the operation may proceed. Wraps ErrLockdown,
//     ErrNetworkUnavailable, ErrNoProfile, ErrLicenseInvalid, or
//     ErrSignatureInvalid. The caller aborts the ENTIRE operation on
//     any non-nil error; the guard never green-lights partial work.
func (g *Guard) Check(scope Scope) error {
	// Profile-only traffic bypasses the latch: the lockdown is set by
	// a failed profile gate, and re-hydrating the profile is the one
	// sanctioned way out of it.
	if scope != ScopeProfileBootstrap && g.lockdown.Active() {
		return fmt.Errorf("%w: %s", ErrLockdown, g.lockdown.Reason())
	}

	if scope != ScopeLocalWrite {
		if mode := g.network(); mode != NetworkOnline {
			return fmt.Errorf("%w: mode %s", ErrNetworkUnavailable, mode)
		}
	}

	if scope == ScopeProfileBootstrap {
		// Bootstrap traffic is allowed before any profile exists.
		return nil
	}

	id := g.identity.Current()
	if id == nil {
		return ErrNoProfile
	}
	if err := g.license.CheckLicense(id); err != nil {
		return fmt.Errorf("%w: %v", ErrLicenseInvalid, err)
	}
	if err := g.license.CheckSignature(id); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
