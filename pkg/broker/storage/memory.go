// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"time"
)

// timedEntry wraps a value with its expiry for TTL tracking. A zero
// expiresAt means the entry never expires.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

// MemoryStorage implements Storage with in-memory maps. It is safe for
// concurrent use and is the backend used in tests and single-replica
// development. TTLs are enforced at read time with lazy eviction plus a
// periodic background sweep.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps clientID -> Client.
	clients map[string]*timedEntry[*Client]

	// grants maps "userID:grantID" -> Grant.
	grants map[string]*timedEntry[*Grant]

	// tokens maps "userID:grantID:tokenID" -> Token. The tokenID is the
	// SHA-256 of the token string, so no stored key is a prefix of a
	// live token.
	tokens map[string]*timedEntry[*Token]

	// refreshLocks and refreshResults carry the coordinator's advisory
	// lock and cached outcome per userID.
	refreshLocks   map[string]*timedEntry[string]
	refreshResults map[string]*timedEntry[*RefreshResult]

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates a MemoryStorage and starts its background
// cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:         make(map[string]*timedEntry[*Client]),
		grants:          make(map[string]*timedEntry[*Grant]),
		tokens:          make(map[string]*timedEntry[*Token]),
		refreshLocks:    make(map[string]*timedEntry[string]),
		refreshResults:  make(map[string]*timedEntry[*RefreshResult]),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries. Collects under read lock,
// deletes under write lock to keep write lock hold time short.
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expiredClients, expiredGrants, expiredTokens, expiredLocks, expiredResults []string
	for k, v := range s.clients {
		if v.expired(now) {
			expiredClients = append(expiredClients, k)
		}
	}
	for k, v := range s.grants {
		if v.expired(now) {
			expiredGrants = append(expiredGrants, k)
		}
	}
	for k, v := range s.tokens {
		if v.expired(now) {
			expiredTokens = append(expiredTokens, k)
		}
	}
	for k, v := range s.refreshLocks {
		if v.expired(now) {
			expiredLocks = append(expiredLocks, k)
		}
	}
	for k, v := range s.refreshResults {
		if v.expired(now) {
			expiredResults = append(expiredResults, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredClients) == 0 && len(expiredGrants) == 0 && len(expiredTokens) == 0 &&
		len(expiredLocks) == 0 && len(expiredResults) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range expiredClients {
		delete(s.clients, k)
	}
	for _, k := range expiredGrants {
		delete(s.grants, k)
	}
	for _, k := range expiredTokens {
		delete(s.tokens, k)
	}
	for _, k := range expiredLocks {
		delete(s.refreshLocks, k)
	}
	for _, k := range expiredResults {
		delete(s.refreshResults, k)
	}
}

func grantKey(userID, grantID string) string {
	return userID + ":" + grantID
}

func tokenKey(userID, grantID, tokenID string) string {
	return userID + ":" + grantID + ":" + tokenID
}

// -----------------------
// Clients
// -----------------------

// GetClient loads a client by its ID.
func (s *MemoryStorage) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.clients[clientID]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	c := *entry.value
	return &c, nil
}

// SaveClient adds or replaces a client. Clients do not expire.
func (s *MemoryStorage) SaveClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ClientID] = &timedEntry[*Client]{value: &c}
	return nil
}

// DeleteClient removes a client.
func (s *MemoryStorage) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return ErrNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// ListClients returns one page of clients ordered by client ID.
func (s *MemoryStorage) ListClients(_ context.Context, limit int, cursor string) (*ClientPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := pageKeys(s.clients, "", limit, cursor)
	if err != nil {
		return nil, err
	}

	page := &ClientPage{NextCursor: keys.next}
	for _, k := range keys.keys {
		c := *s.clients[k].value
		page.Clients = append(page.Clients, &c)
	}
	return page, nil
}

// -----------------------
// Grants
// -----------------------

// GetGrant loads a grant by (userID, grantID). Expired grants read as not
// found and are lazily evicted.
func (s *MemoryStorage) GetGrant(_ context.Context, userID, grantID string) (*Grant, error) {
	key := grantKey(userID, grantID)

	s.mu.RLock()
	entry, ok := s.grants[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(time.Now()) {
		s.mu.Lock()
		delete(s.grants, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	g := *entry.value
	return &g, nil
}

// SaveGrant adds or replaces a grant. A zero ttl stores it without expiry.
func (s *MemoryStorage) SaveGrant(_ context.Context, grant *Grant, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	g := *grant
	s.grants[grantKey(grant.UserID, grant.ID)] = &timedEntry[*Grant]{value: &g, expiresAt: expiresAt}
	return nil
}

// DeleteGrant removes a grant.
func (s *MemoryStorage) DeleteGrant(_ context.Context, userID, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey(userID, grantID)
	if _, ok := s.grants[key]; !ok {
		return ErrNotFound
	}
	delete(s.grants, key)
	return nil
}

// ListUserGrants returns one page of a user's grant summaries.
func (s *MemoryStorage) ListUserGrants(_ context.Context, userID string, limit int, cursor string) (*GrantPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := pageKeys(s.grants, userID+":", limit, cursor)
	if err != nil {
		return nil, err
	}

	page := &GrantPage{NextCursor: keys.next}
	for _, k := range keys.keys {
		page.Grants = append(page.Grants, s.grants[k].value.Summary())
	}
	return page, nil
}

// -----------------------
// Tokens
// -----------------------

// GetToken loads a token record by (userID, grantID, tokenID).
func (s *MemoryStorage) GetToken(_ context.Context, userID, grantID, tokenID string) (*Token, error) {
	key := tokenKey(userID, grantID, tokenID)

	s.mu.RLock()
	entry, ok := s.tokens[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(time.Now()) {
		s.mu.Lock()
		delete(s.tokens, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	t := *entry.value
	return &t, nil
}

// SaveToken adds or replaces a token record with the given TTL.
func (s *MemoryStorage) SaveToken(_ context.Context, token *Token, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	t := *token
	s.tokens[tokenKey(token.UserID, token.GrantID, token.ID)] = &timedEntry[*Token]{value: &t, expiresAt: expiresAt}
	return nil
}

// DeleteToken removes a token record.
func (s *MemoryStorage) DeleteToken(_ context.Context, userID, grantID, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey(userID, grantID, tokenID)
	if _, ok := s.tokens[key]; !ok {
		return ErrNotFound
	}
	delete(s.tokens, key)
	return nil
}

// DeleteTokensForGrant removes every token under a grant.
func (s *MemoryStorage) DeleteTokensForGrant(_ context.Context, userID, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := grantKey(userID, grantID) + ":"
	for k := range s.tokens {
		if strings.HasPrefix(k, prefix) {
			delete(s.tokens, k)
		}
	}
	return nil
}

// -----------------------
// Refresh coordination
// -----------------------

// AcquireRefreshLock is put-if-absent on the per-user lock key.
func (s *MemoryStorage) AcquireRefreshLock(_ context.Context, userID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.refreshLocks[userID]; ok && !entry.expired(now) {
		return false, nil
	}
	s.refreshLocks[userID] = &timedEntry[string]{
		value:     now.UTC().Format(time.RFC3339Nano),
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// RefreshLockHeld reports whether a live lock exists for the user.
func (s *MemoryStorage) RefreshLockHeld(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshLocks[userID]
	return ok && !entry.expired(time.Now()), nil
}

// ReleaseRefreshLock deletes the per-user lock key. Releasing an absent
// lock is not an error.
func (s *MemoryStorage) ReleaseRefreshLock(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshLocks, userID)
	return nil
}

// GetRefreshResult returns the cached refresh outcome for a user.
func (s *MemoryStorage) GetRefreshResult(_ context.Context, userID string) (*RefreshResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshResults[userID]
	if !ok || entry.expired(time.Now()) {
		return nil, ErrNotFound
	}
	r := *entry.value
	return &r, nil
}

// PutRefreshResult caches a refresh outcome for a user.
func (s *MemoryStorage) PutRefreshResult(_ context.Context, userID string, result *RefreshResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *result
	s.refreshResults[userID] = &timedEntry[*RefreshResult]{value: &r, expiresAt: time.Now().Add(ttl)}
	return nil
}

// -----------------------
// Pagination
// -----------------------

type keyPage struct {
	keys []string
	next string
}

// pageKeys returns up to limit live keys with the given prefix, sorted,
// starting strictly after the cursor. Cursors are opaque to callers.
func pageKeys[T any](m map[string]*timedEntry[T], prefix string, limit int, cursor string) (keyPage, error) {
	after := ""
	if cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return keyPage{}, ErrInvalidCursor
		}
		after = string(raw)
	}

	now := time.Now()
	var keys []string
	for k, v := range m {
		if strings.HasPrefix(k, prefix) && !v.expired(now) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if limit <= 0 {
		limit = defaultPageSize
	}

	page := keyPage{}
	if len(keys) > limit {
		page.keys = keys[:limit]
		page.next = base64.RawURLEncoding.EncodeToString([]byte(keys[limit-1]))
	} else {
		page.keys = keys
	}
	return page, nil
}

// -----------------------
// Test hooks
// -----------------------

// Stats contains counts of stored records, for tests and monitoring.
type Stats struct {
	Clients        int
	Grants         int
	Tokens         int
	RefreshLocks   int
	RefreshResults int
}

// Stats returns current record counts.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Clients:        len(s.clients),
		Grants:         len(s.grants),
		Tokens:         len(s.tokens),
		RefreshLocks:   len(s.refreshLocks),
		RefreshResults: len(s.refreshResults),
	}
}

// Clear drops every record. Test use only.
func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = make(map[string]*timedEntry[*Client])
	s.grants = make(map[string]*timedEntry[*Grant])
	s.tokens = make(map[string]*timedEntry[*Token])
	s.refreshLocks = make(map[string]*timedEntry[string])
	s.refreshResults = make(map[string]*timedEntry[*RefreshResult])
}

// Seed loads fixtures without TTLs. Test use only.
func (s *MemoryStorage) Seed(clients []*Client, grants []*Grant, tokens []*Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range clients {
		cc := *c
		s.clients[c.ClientID] = &timedEntry[*Client]{value: &cc}
	}
	for _, g := range grants {
		gg := *g
		s.grants[grantKey(g.UserID, g.ID)] = &timedEntry[*Grant]{value: &gg}
	}
	for _, t := range tokens {
		tt := *t
		s.tokens[tokenKey(t.UserID, t.GrantID, t.ID)] = &timedEntry[*Token]{value: &tt}
	}
}

// Snapshot returns copies of every live grant and token. Test use only.
func (s *MemoryStorage) Snapshot() (grants []*Grant, toks []*Token) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, entry := range s.grants {
		if !entry.expired(now) {
			g := *entry.value
			grants = append(grants, &g)
		}
	}
	for _, entry := range s.tokens {
		if !entry.expired(now) {
			t := *entry.value
			toks = append(toks, &t)
		}
	}
	return grants, toks
}

// Compile-time interface compliance check.
var _ Storage = (*MemoryStorage)(nil)
