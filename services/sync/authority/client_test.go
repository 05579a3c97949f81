// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

func newTestClient(handler http.Handler) (*Client, func()) {
	srv := httptest.NewServer(handler)
	c := New(Config{BaseURL: srv.URL}, nil)
	return c, srv.Close
}

func TestListDecodesPage(t *testing.T) {
	var gotQuery string
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(Page{
			Records: []*record.Record{record.NewCollection("a")},
			Total:   41,
			HasMore: true,
		})
	}))
	defer done()

	page, err := c.List(context.Background(), record.KindCollection, ListQuery{
		Owner: "o1", Limit: 20, Offset: 40,
	})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.True(t, page.HasMore)
	assert.Contains(t, gotQuery, "owner=o1")
	assert.Contains(t, gotQuery, "offset=40")
}

func TestListItemsCarriesSince(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/items", r.URL.Path)
		require.Equal(t, "7", r.URL.Query().Get("since"))
		_ = json.NewEncoder(w).Encode(Page{})
	}))
	defer done()

	_, err := c.List(context.Background(), record.KindItem, ListQuery{Since: 7})
	require.NoError(t, err)
}

// TestBearerTokenSentFromEnclave: the token is sealed at construction,
// wiped from the plain config, and still reaches the wire on every
// request.
func TestBearerTokenSentFromEnclave(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Page{})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AuthToken: "s3cret"}, nil)
	assert.Empty(t, c.cfg.AuthToken, "plaintext must not linger in the config copy")

	for i := 0; i < 2; i++ {
		_, err := c.List(context.Background(), record.KindCollection, ListQuery{})
		require.NoError(t, err)
	}
	require.Len(t, auth, 2)
	assert.Equal(t, "Bearer s3cret", auth[0])
	assert.Equal(t, "Bearer s3cret", auth[1], "the enclave reopens on every request")
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Page{})
	}))
	defer done()

	_, err := c.List(context.Background(), record.KindCollection, ListQuery{})
	require.NoError(t, err)
}

func TestFetchGhostOn404(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer done()

	_, err := c.Fetch(context.Background(), record.KindItem, "gone-id")
	assert.ErrorIs(t, err, ErrGhost)
}

func TestUpdateSetsIfMatchAndCreateDoesNot(t *testing.T) {
	var ifMatch []string
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ifMatch = append(ifMatch, r.Header.Get("If-Match"))
		var rec record.Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		rec.RemoteID = "R1"
		_ = json.NewEncoder(w).Encode(&rec)
	}))
	defer done()

	r := record.NewCollection("c")
	r.Version = 5

	echo, err := c.Create(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "R1", echo.RemoteID)

	r.RemoteID = "R1"
	_, err = c.Update(context.Background(), r)
	require.NoError(t, err)

	require.Len(t, ifMatch, 2)
	assert.Empty(t, ifMatch[0], "create must not send If-Match")
	assert.Equal(t, "5", ifMatch[1])
}

func TestUpdateConflictCarriesSnapshot(t *testing.T) {
	theirs := record.NewCollection("renamed elsewhere")
	theirs.Version = 9
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(theirs)
	}))
	defer done()

	mine := record.NewCollection("renamed here")
	mine.RemoteID = "R1"
	mine.Version = 6
	_, err := c.Update(context.Background(), mine)
	require.Error(t, err)

	ce, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, mine.CID, ce.CID)
	require.NotNil(t, ce.Snapshot)
	assert.Equal(t, int64(9), ce.Snapshot.Version)
	assert.Equal(t, "renamed elsewhere", ce.Snapshot.Collection.Name)
}

func TestGetProfileGhostBootstrapsCaller(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/profile", r.URL.Path)
		http.NotFound(w, r)
	}))
	defer done()

	_, err := c.GetProfile(context.Background(), "new-owner")
	assert.ErrorIs(t, err, ErrGhost)
}

func TestPushRoutesByRemoteID(t *testing.T) {
	var methods []string
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		var rec record.Record
		_ = json.NewDecoder(r.Body).Decode(&rec)
		rec.RemoteID = "R1"
		_ = json.NewEncoder(w).Encode(&rec)
	}))
	defer done()

	fresh := record.NewCollection("fresh")
	_, err := c.Push(context.Background(), fresh)
	require.NoError(t, err)

	known := record.NewCollection("known")
	known.RemoteID = "R1"
	_, err = c.Push(context.Background(), known)
	require.NoError(t, err)

	assert.Equal(t, []string{http.MethodPost, http.MethodPut}, methods)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := c.List(context.Background(), record.KindCollection, ListQuery{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
