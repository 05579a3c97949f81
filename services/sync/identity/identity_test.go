// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, nil), st
}

// TestSetAndCurrent verifies the basic set/read cycle.
func TestSetAndCurrent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	assert.Nil(t, m.Current())
	assert.False(t, m.Ready())

	require.NoError(t, m.Set(ctx, Identity{Owner: "user-1", ProfileCID: "p1"}))
	id := m.Current()
	require.NotNil(t, id)
	assert.Equal(t, "user-1", id.Owner)
	assert.True(t, m.Ready())
}

// TestIdentitySurvivesRestart verifies persistence through Load.
func TestIdentitySurvivesRestart(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, Identity{Owner: "user-1"}))

	// A second manager on the same store simulates process restart.
	m2 := NewManager(st, nil)
	require.NoError(t, m2.Load(ctx))
	id := m2.Current()
	require.NotNil(t, id)
	assert.Equal(t, "user-1", id.Owner)
}

// TestSubscriberNotifiedSynchronously verifies observer semantics.
func TestSubscriberNotifiedSynchronously(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var seen []string
	unsub := m.Subscribe(func(id *Identity) {
		if id == nil {
			seen = append(seen, "<nil>")
			return
		}
		seen = append(seen, id.Owner)
	})

	require.NoError(t, m.Set(ctx, Identity{Owner: "a"}))
	require.NoError(t, m.Clear(ctx))
	unsub()
	require.NoError(t, m.Set(ctx, Identity{Owner: "b"}))

	assert.Equal(t, []string{"a", "<nil>"}, seen)
}

// TestSubscribeAfterSetFiresImmediately covers late subscribers.
func TestSubscribeAfterSetFiresImmediately(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Set(context.Background(), Identity{Owner: "a"}))

	var got string
	m.Subscribe(func(id *Identity) { got = id.Owner })
	assert.Equal(t, "a", got)
}

// TestWaitForIdentity verifies blocking semantics.
func TestWaitForIdentity(t *testing.T) {
	m, _ := newTestManager(t)

	done := make(chan *Identity, 1)
	go func() {
		id, err := m.WaitForIdentity(context.Background())
		if err == nil {
			done <- id
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Set(context.Background(), Identity{Owner: "late"}))

	select {
	case id := <-done:
		assert.Equal(t, "late", id.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForIdentity did not unblock")
	}
}

func TestWaitForIdentityHonorsContext(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.WaitForIdentity(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
