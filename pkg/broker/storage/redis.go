// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key prefixes within the broker keyspace.
const (
	keyTypeClient        = "client"
	keyTypeGrant         = "grant"
	keyTypeToken         = "token"
	keyTypeRefreshLock   = "refresh-lock"
	keyTypeRefreshResult = "refresh-result"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address, host:port.
	Addr string

	// Username and Password authenticate against a Redis ACL user.
	// Both may be empty for unauthenticated development instances.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces the broker's keys, e.g. "sentrybroker:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage against Redis, enabling a pool of
// stateless replicas to share clients, grants, tokens and the refresh
// coordination keys. TTLs are enforced natively by the backend.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis and verifies connectivity.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(keyType string, parts ...string) string {
	k := s.keyPrefix + keyType
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStorage) delete(ctx context.Context, key string) error {
	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------
// Clients
// -----------------------

// GetClient loads a client by its ID.
func (s *RedisStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	if err := s.getJSON(ctx, s.key(keyTypeClient, clientID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveClient adds or replaces a client. Clients do not expire.
func (s *RedisStorage) SaveClient(ctx context.Context, client *Client) error {
	return s.setJSON(ctx, s.key(keyTypeClient, client.ClientID), client, 0)
}

// DeleteClient removes a client.
func (s *RedisStorage) DeleteClient(ctx context.Context, clientID string) error {
	return s.delete(ctx, s.key(keyTypeClient, clientID))
}

// ListClients returns one page of clients. The cursor is the SCAN cursor
// from the previous page; ordering follows Redis iteration order.
func (s *RedisStorage) ListClients(ctx context.Context, limit int, cursor string) (*ClientPage, error) {
	keys, next, err := s.scanPage(ctx, s.key(keyTypeClient)+":*", limit, cursor)
	if err != nil {
		return nil, err
	}

	page := &ClientPage{NextCursor: next}
	for _, key := range keys {
		var c Client
		if err := s.getJSON(ctx, key, &c); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Expired between SCAN and GET.
				continue
			}
			return nil, err
		}
		page.Clients = append(page.Clients, &c)
	}
	return page, nil
}

// -----------------------
// Grants
// -----------------------

// GetGrant loads a grant by (userID, grantID).
func (s *RedisStorage) GetGrant(ctx context.Context, userID, grantID string) (*Grant, error) {
	var g Grant
	if err := s.getJSON(ctx, s.key(keyTypeGrant, userID, grantID), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGrant adds or replaces a grant. A zero ttl stores it without expiry.
func (s *RedisStorage) SaveGrant(ctx context.Context, grant *Grant, ttl time.Duration) error {
	return s.setJSON(ctx, s.key(keyTypeGrant, grant.UserID, grant.ID), grant, ttl)
}

// DeleteGrant removes a grant.
func (s *RedisStorage) DeleteGrant(ctx context.Context, userID, grantID string) error {
	return s.delete(ctx, s.key(keyTypeGrant, userID, grantID))
}

// ListUserGrants returns one page of a user's grant summaries.
func (s *RedisStorage) ListUserGrants(ctx context.Context, userID string, limit int, cursor string) (*GrantPage, error) {
	keys, next, err := s.scanPage(ctx, s.key(keyTypeGrant, userID)+":*", limit, cursor)
	if err != nil {
		return nil, err
	}

	page := &GrantPage{NextCursor: next}
	for _, key := range keys {
		var g Grant
		if err := s.getJSON(ctx, key, &g); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		page.Grants = append(page.Grants, g.Summary())
	}
	return page, nil
}

// -----------------------
// Tokens
// -----------------------

// GetToken loads a token record by (userID, grantID, tokenID).
func (s *RedisStorage) GetToken(ctx context.Context, userID, grantID, tokenID string) (*Token, error) {
	var t Token
	if err := s.getJSON(ctx, s.key(keyTypeToken, userID, grantID, tokenID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveToken adds or replaces a token record with the given TTL.
func (s *RedisStorage) SaveToken(ctx context.Context, token *Token, ttl time.Duration) error {
	return s.setJSON(ctx, s.key(keyTypeToken, token.UserID, token.GrantID, token.ID), token, ttl)
}

// DeleteToken removes a token record.
func (s *RedisStorage) DeleteToken(ctx context.Context, userID, grantID, tokenID string) error {
	return s.delete(ctx, s.key(keyTypeToken, userID, grantID, tokenID))
}

// DeleteTokensForGrant removes every token under a grant, iterating the
// keyspace in SCAN batches.
func (s *RedisStorage) DeleteTokensForGrant(ctx context.Context, userID, grantID string) error {
	match := s.key(keyTypeToken, userID, grantID) + ":*"

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan tokens: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete tokens: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// -----------------------
// Refresh coordination
// -----------------------

// AcquireRefreshLock is SET NX on the per-user lock key.
func (s *RedisStorage) AcquireRefreshLock(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.key(keyTypeRefreshLock, userID),
		time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	return acquired, nil
}

// RefreshLockHeld reports whether a live lock exists for the user.
func (s *RedisStorage) RefreshLockHeld(ctx context.Context, userID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.key(keyTypeRefreshLock, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check refresh lock: %w", err)
	}
	return exists > 0, nil
}

// ReleaseRefreshLock deletes the per-user lock key. Releasing an absent
// lock is not an error.
func (s *RedisStorage) ReleaseRefreshLock(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(keyTypeRefreshLock, userID)).Err(); err != nil {
		return fmt.Errorf("failed to release refresh lock: %w", err)
	}
	return nil
}

// GetRefreshResult returns the cached refresh outcome for a user.
func (s *RedisStorage) GetRefreshResult(ctx context.Context, userID string) (*RefreshResult, error) {
	var r RefreshResult
	if err := s.getJSON(ctx, s.key(keyTypeRefreshResult, userID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutRefreshResult caches a refresh outcome for a user.
func (s *RedisStorage) PutRefreshResult(ctx context.Context, userID string, result *RefreshResult, ttl time.Duration) error {
	return s.setJSON(ctx, s.key(keyTypeRefreshResult, userID), result, ttl)
}

// -----------------------
// Pagination
// -----------------------

// scanBatchSize is the COUNT hint for SCAN iterations.
const scanBatchSize = 64

// scanPage runs one SCAN step and returns its keys with the next opaque
// cursor ("" when iteration is complete).
func (s *RedisStorage) scanPage(ctx context.Context, match string, limit int, cursor string) ([]string, string, error) {
	var scanCursor uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		scanCursor = parsed
	}

	count := int64(limit)
	if count <= 0 {
		count = defaultPageSize
	}

	keys, next, err := s.client.Scan(ctx, scanCursor, match, count).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan keys: %w", err)
	}

	nextCursor := ""
	if next != 0 {
		nextCursor = strconv.FormatUint(next, 10)
	}
	return keys, nextCursor, nil
}

// Compile-time interface compliance check.
var _ Storage = (*RedisStorage)(nil)
