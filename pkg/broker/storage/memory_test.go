// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
)

func newTestStorage(t *testing.T) *MemoryStorage {
	t.Helper()
	s := NewMemoryStorage(WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testClient(id string) *Client {
	return &Client{
		ClientID:                id,
		SecretHash:              "deadbeef",
		RedirectURIs:            []string{"https://app.example/cb"},
		TokenEndpointAuthMethod: "client_secret_post",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		RegistrationDate:        time.Now().Unix(),
	}
}

func testGrant(userID, grantID string) *Grant {
	return &Grant{
		ID:       grantID,
		ClientID: "client-1",
		UserID:   userID,
		Scope:    []string{"org:read"},
		EncryptedProps: crypto.Envelope{
			Ciphertext: "Y2lwaGVy",
			IV:         "aXZpdml2aXZpdg==",
		},
		CreatedAt: time.Now().Unix(),
	}
}

func TestClientCRUD(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	c := testClient("client-1")
	require.NoError(t, s.SaveClient(ctx, c))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, c.RedirectURIs, got.RedirectURIs)

	// Save replaces the record.
	c.ClientName = "renamed"
	require.NoError(t, s.SaveClient(ctx, c))
	got, err = s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.ClientName)

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	_, err = s.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteClient(ctx, "client-1"), ErrNotFound)
}

func TestGrantTTL(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	g := testGrant("u1", "g1")
	require.NoError(t, s.SaveGrant(ctx, g, 20*time.Millisecond))

	got, err := s.GetGrant(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, g.EncryptedProps, got.EncryptedProps)

	time.Sleep(30 * time.Millisecond)
	_, err = s.GetGrant(ctx, "u1", "g1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Lazy eviction removed the entry.
	assert.Equal(t, 0, s.Stats().Grants)
}

func TestGrantSaveIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	g := testGrant("u1", "g1")
	g.AuthCodeID = "codehash"
	g.AuthCodeWrappedKey = "wrapped"
	g.RedirectURI = "https://app.example/cb"
	require.NoError(t, s.SaveGrant(ctx, g, 0))

	// Consuming the code rewrites the grant with the binding cleared.
	g.AuthCodeID = ""
	g.AuthCodeWrappedKey = ""
	require.NoError(t, s.SaveGrant(ctx, g, 0))

	got, err := s.GetGrant(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Empty(t, got.AuthCodeID)
	assert.Empty(t, got.AuthCodeWrappedKey)
	assert.Equal(t, "https://app.example/cb", got.RedirectURI)
}

func TestTokenCRUDAndBulkDelete(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok := &Token{
			ID:        fmt.Sprintf("tok-%d", i),
			GrantID:   "g1",
			UserID:    "u1",
			CreatedAt: time.Now().Unix(),
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
			ClientID:  "client-1",
			Scope:     []string{"org:read"},
		}
		require.NoError(t, s.SaveToken(ctx, tok, time.Hour))
	}
	other := &Token{ID: "tok-other", GrantID: "g2", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	require.NoError(t, s.SaveToken(ctx, other, time.Hour))

	got, err := s.GetToken(ctx, "u1", "g1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	require.NoError(t, s.DeleteTokensForGrant(ctx, "u1", "g1"))
	for i := 0; i < 3; i++ {
		_, err := s.GetToken(ctx, "u1", "g1", fmt.Sprintf("tok-%d", i))
		assert.ErrorIs(t, err, ErrNotFound)
	}

	// The sibling grant's token survives.
	_, err = s.GetToken(ctx, "u1", "g2", "tok-other")
	assert.NoError(t, err)
}

func TestTokenTTLExpiry(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	tok := &Token{ID: "tok", GrantID: "g1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	require.NoError(t, s.SaveToken(ctx, tok, 20*time.Millisecond))

	time.Sleep(30 * time.Millisecond)
	_, err := s.GetToken(ctx, "u1", "g1", "tok")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListClientsPagination(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveClient(ctx, testClient(fmt.Sprintf("client-%d", i))))
	}

	var seen []string
	cursor := ""
	for {
		page, err := s.ListClients(ctx, 2, cursor)
		require.NoError(t, err)
		for _, c := range page.Clients {
			seen = append(seen, c.ClientID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Len(t, seen, 5)
	assert.ElementsMatch(t,
		[]string{"client-0", "client-1", "client-2", "client-3", "client-4"}, seen)

	_, err := s.ListClients(ctx, 2, "not a cursor %%%")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestListUserGrants(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.SaveGrant(ctx, testGrant("u1", "g1"), 0))
	require.NoError(t, s.SaveGrant(ctx, testGrant("u1", "g2"), 0))
	require.NoError(t, s.SaveGrant(ctx, testGrant("u2", "g3"), 0))

	page, err := s.ListUserGrants(ctx, "u1", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Grants, 2)
	assert.Empty(t, page.NextCursor)
	for _, g := range page.Grants {
		assert.Equal(t, "u1", g.UserID)
	}
}

func TestRefreshLock(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	held, err := s.RefreshLockHeld(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, held)

	acquired, err := s.AcquireRefreshLock(ctx, "u1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = s.AcquireRefreshLock(ctx, "u1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, acquired)

	held, err = s.RefreshLockHeld(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, s.ReleaseRefreshLock(ctx, "u1"))
	acquired, err = s.AcquireRefreshLock(ctx, "u1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Expired locks can be re-acquired.
	time.Sleep(60 * time.Millisecond)
	acquired, err = s.AcquireRefreshLock(ctx, "u1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRefreshResult(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.GetRefreshResult(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	result := &RefreshResult{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, s.PutRefreshResult(ctx, "u1", result, 30*time.Millisecond))

	got, err := s.GetRefreshResult(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, result.AccessToken, got.AccessToken)

	time.Sleep(40 * time.Millisecond)
	_, err = s.GetRefreshResult(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeedClearSnapshot(t *testing.T) {
	s := newTestStorage(t)

	s.Seed(
		[]*Client{testClient("client-1")},
		[]*Grant{testGrant("u1", "g1")},
		[]*Token{{ID: "tok", GrantID: "g1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour).Unix()}},
	)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, 1, stats.Grants)
	assert.Equal(t, 1, stats.Tokens)

	grants, toks := s.Snapshot()
	assert.Len(t, grants, 1)
	assert.Len(t, toks, 1)

	s.Clear()
	assert.Equal(t, Stats{}, s.Stats())
}
