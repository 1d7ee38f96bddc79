// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStorageWithClient(client, "sentrybroker:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisClientCRUD(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	c := testClient("client-1")
	require.NoError(t, s.SaveClient(ctx, c))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, c.SecretHash, got.SecretHash)
	assert.Equal(t, c.RedirectURIs, got.RedirectURIs)

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	_, err = s.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteClient(ctx, "client-1"), ErrNotFound)
}

func TestRedisGrantTTL(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	g := testGrant("u1", "g1")
	g.AuthCodeID = "codehash"
	require.NoError(t, s.SaveGrant(ctx, g, DefaultGrantTTL))

	got, err := s.GetGrant(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, "codehash", got.AuthCodeID)
	assert.Equal(t, g.EncryptedProps, got.EncryptedProps)

	mr.FastForward(DefaultGrantTTL + time.Second)
	_, err = s.GetGrant(ctx, "u1", "g1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisGrantWithoutExpiry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.SaveGrant(ctx, testGrant("u1", "g1"), 0))

	mr.FastForward(365 * 24 * time.Hour)
	_, err := s.GetGrant(ctx, "u1", "g1")
	assert.NoError(t, err)
}

func TestRedisTokenLifecycle(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	tok := &Token{
		ID:                   "tok-1",
		GrantID:              "g1",
		UserID:               "u1",
		CreatedAt:            time.Now().Unix(),
		ExpiresAt:            time.Now().Add(DefaultAccessTokenTTL).Unix(),
		WrappedEncryptionKey: "d3JhcHBlZA==",
		ClientID:             "client-1",
		Scope:                []string{"org:read"},
	}
	require.NoError(t, s.SaveToken(ctx, tok, DefaultAccessTokenTTL))

	got, err := s.GetToken(ctx, "u1", "g1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, tok.WrappedEncryptionKey, got.WrappedEncryptionKey)

	mr.FastForward(DefaultAccessTokenTTL + time.Second)
	_, err = s.GetToken(ctx, "u1", "g1", "tok-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisDeleteTokensForGrant(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tok := &Token{
			ID:        fmt.Sprintf("tok-%d", i),
			GrantID:   "g1",
			UserID:    "u1",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		}
		require.NoError(t, s.SaveToken(ctx, tok, time.Hour))
	}
	other := &Token{ID: "tok-other", GrantID: "g2", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour).Unix()}
	require.NoError(t, s.SaveToken(ctx, other, time.Hour))

	require.NoError(t, s.DeleteTokensForGrant(ctx, "u1", "g1"))

	for i := 0; i < 5; i++ {
		_, err := s.GetToken(ctx, "u1", "g1", fmt.Sprintf("tok-%d", i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	_, err := s.GetToken(ctx, "u1", "g2", "tok-other")
	assert.NoError(t, err)
}

func TestRedisListClients(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, s.SaveClient(ctx, testClient(fmt.Sprintf("client-%d", i))))
	}

	seen := map[string]bool{}
	cursor := ""
	for {
		page, err := s.ListClients(ctx, 3, cursor)
		require.NoError(t, err)
		for _, c := range page.Clients {
			seen[c.ClientID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 7)

	_, err := s.ListClients(ctx, 3, "not-a-cursor")
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestRedisListUserGrants(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.SaveGrant(ctx, testGrant("u1", "g1"), 0))
	require.NoError(t, s.SaveGrant(ctx, testGrant("u1", "g2"), 0))
	require.NoError(t, s.SaveGrant(ctx, testGrant("u2", "g3"), 0))

	seen := map[string]bool{}
	cursor := ""
	for {
		page, err := s.ListUserGrants(ctx, "u1", 10, cursor)
		require.NoError(t, err)
		for _, g := range page.Grants {
			assert.Equal(t, "u1", g.UserID)
			seen[g.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 2)
}

func TestRedisRefreshLock(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	acquired, err := s.AcquireRefreshLock(ctx, "u1", DefaultRefreshLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Second acquire loses the race.
	acquired, err = s.AcquireRefreshLock(ctx, "u1", DefaultRefreshLockTTL)
	require.NoError(t, err)
	assert.False(t, acquired)

	held, err := s.RefreshLockHeld(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, held)

	// Locks for other users are independent.
	acquired, err = s.AcquireRefreshLock(ctx, "u2", DefaultRefreshLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, s.ReleaseRefreshLock(ctx, "u1"))
	held, err = s.RefreshLockHeld(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, held)

	// A crashed holder's lock lapses by TTL.
	acquired, err = s.AcquireRefreshLock(ctx, "u1", DefaultRefreshLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired)
	mr.FastForward(DefaultRefreshLockTTL + time.Second)
	acquired, err = s.AcquireRefreshLock(ctx, "u1", DefaultRefreshLockTTL)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRedisRefreshResult(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	_, err := s.GetRefreshResult(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	result := &RefreshResult{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, s.PutRefreshResult(ctx, "u1", result, DefaultRefreshResultTTL))

	got, err := s.GetRefreshResult(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, result, got)

	mr.FastForward(DefaultRefreshResultTTL + time.Second)
	_, err = s.GetRefreshResult(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisPing(t *testing.T) {
	s, mr := newTestRedis(t)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
