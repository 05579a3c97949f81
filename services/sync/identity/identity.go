// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity manages the active identity for the sync core.
//
// The manager is an explicitly owned, injected service (never a
// package-level global). It persists the identity to the Local Store's
// durable kv area, exposes it to readers, and notifies subscribers
// synchronously on change. Readers must tolerate a nil identity during
// startup; WaitForIdentity blocks until one is set.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSync/services/sync/store"
)

// Identity is the active user identity.
type Identity struct {
	// Owner is the authority-side account identifier.
	Owner string `json:"owner"`

	// ProfileCID is the cid of the Profile record for this identity.
	ProfileCID string `json:"profile_cid"`

	// SignedInAt is when this identity became active on this device.
	SignedInAt time.Time `json:"signed_in_at"`
}

// Subscriber receives identity change notifications.
//
// Callbacks run synchronously on the setter's goroutine; they must not
// block and must not call back into the Manager's setters.
type Subscriber func(id *Identity)

// ErrNoIdentity is returned by reads that require an active identity
// before one has been set.
var ErrNoIdentity = errors.New("no active identity")

// Manager holds the active identity and its subscribers.
//
// # Thread Safety
//
// Manager is safe for concurrent use. The identity value is written
// only via Set/Clear; readers get a copy.
type Manager struct {
	st     *store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	current *Identity
	subs    map[int]Subscriber
	nextSub int
	readyCh chan struct{}
}

// NewManager creates a Manager bound to the Local Store's kv area.
func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		st:      st,
		logger:  logger.With(slog.String("component", "identity")),
		subs:    make(map[int]Subscriber),
		readyCh: make(chan struct{}),
	}
}

// Load restores a persisted identity at startup, if one exists.
func (m *Manager) Load(ctx context.Context) error {
	var raw []byte
	err := m.st.View(ctx, func(tx *store.Tx) error {
		b, err := tx.GetKV(store.KVIdentity)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if raw == nil {
		return nil
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return fmt.Errorf("decode persisted identity: %w", err)
	}
	m.apply(&id)
	m.logger.Info("identity restored", slog.String("owner", id.Owner))
	return nil
}

// Set persists and activates an identity, then notifies subscribers
// synchronously.
func (m *Manager) Set(ctx context.Context, id Identity) error {
	if id.Owner == "" {
		return errors.New("identity owner must not be empty")
	}
	if id.SignedInAt.IsZero() {
		id.SignedInAt = time.Now().UTC()
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	err = m.st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetKV(store.KVIdentity, data)
	})
	if err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	m.apply(&id)
	m.logger.Info("identity set", slog.String("owner", id.Owner))
	return nil
}

// Clear removes the active identity (sign-out).
func (m *Manager) Clear(ctx context.Context) error {
	err := m.st.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteKV(store.KVIdentity)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = nil
	m.readyCh = make(chan struct{})
	subs := m.snapshotSubs()
	m.mu.Unlock()

	for _, fn := range subs {
		fn(nil)
	}
	return nil
}

// apply installs the identity and fires subscribers.
func (m *Manager) apply(id *Identity) {
	m.mu.Lock()
	m.current = id
	select {
	case <-m.readyCh:
		// already closed
	default:
		close(m.readyCh)
	}
	subs := m.snapshotSubs()
	m.mu.Unlock()

	cp := *id
	for _, fn := range subs {
		fn(&cp)
	}
}

// snapshotSubs must be called with mu held.
func (m *Manager) snapshotSubs() []Subscriber {
	out := make([]Subscriber, 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

// Current returns a copy of the active identity, or nil.
func (m *Manager) Current() *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}

// Ready reports whether an identity is active.
func (m *Manager) Ready() bool {
	return m.Current() != nil
}

// WaitForIdentity blocks until an identity is set or ctx is done.
func (m *Manager) WaitForIdentity(ctx context.Context) (*Identity, error) {
	m.mu.RLock()
	ch := m.readyCh
	m.mu.RUnlock()

	select {
	case <-ch:
		id := m.Current()
		if id == nil {
			return nil, ErrNoIdentity
		}
		return id, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a change callback and returns an unsubscribe
// function. If an identity is already active, the callback fires
// immediately with the current value.
func (m *Manager) Subscribe(fn Subscriber) (unsubscribe func()) {
	m.mu.Lock()
	idx := m.nextSub
	m.nextSub++
	m.subs[idx] = fn
	current := m.current
	m.mu.Unlock()

	if current != nil {
		cp := *current
		fn(&cp)
	}
	return func() {
		m.mu.Lock()
		delete(m.subs, idx)
		m.mu.Unlock()
	}
}
