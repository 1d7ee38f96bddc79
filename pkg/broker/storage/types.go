// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence layer for the broker: OAuth
// clients, grants and tokens, plus the coordination keys used by the
// upstream refresh coordinator. Backends share identical semantics; the
// memory backend additionally exposes seeding and snapshot hooks for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a record does not exist or has passed
	// its TTL. Callers cannot distinguish deletion from expiry.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCursor is returned for listing cursors the backend did
	// not produce.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// defaultPageSize bounds listings when the caller passes no limit.
const defaultPageSize = 100

// Default TTLs for every record class.
const (
	// DefaultGrantTTL bounds the window between grant creation and
	// authorization-code consumption.
	DefaultGrantTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is the downstream access token lifetime.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the downstream refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultRefreshLockTTL must survive one upstream token call.
	DefaultRefreshLockTTL = 60 * time.Second

	// DefaultRefreshResultTTL is the window in which losers of a refresh
	// race observe the winner's result.
	DefaultRefreshResultTTL = 60 * time.Second
)

// Client is a registered downstream OAuth client.
type Client struct {
	ClientID string `json:"clientId"`

	// SecretHash is the SHA-256 of the client secret. Empty for public
	// clients (tokenEndpointAuthMethod "none").
	SecretHash string `json:"clientSecretHash,omitempty"`

	// RedirectURIs is the exact-match set used for redirect validation.
	RedirectURIs []string `json:"redirectUris"`

	ClientName string   `json:"clientName,omitempty"`
	ClientURI  string   `json:"clientUri,omitempty"`
	LogoURI    string   `json:"logoUri,omitempty"`
	PolicyURI  string   `json:"policyUri,omitempty"`
	TosURI     string   `json:"tosUri,omitempty"`
	Contacts   []string `json:"contacts,omitempty"`

	// TokenEndpointAuthMethod is one of "none", "client_secret_basic",
	// "client_secret_post".
	TokenEndpointAuthMethod string `json:"tokenEndpointAuthMethod"`

	GrantTypes    []string `json:"grantTypes"`
	ResponseTypes []string `json:"responseTypes"`

	// RegistrationDate is seconds since the Unix epoch.
	RegistrationDate int64 `json:"registrationDate"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// HasRedirectURI reports set membership with no normalization; matching is
// byte-for-byte.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// Grant records a user's consent to a client for a scope. It owns the
// AEAD-encrypted upstream credentials and, between creation and code
// consumption, the authorization-code binding fields.
type Grant struct {
	ID       string            `json:"id"`
	ClientID string            `json:"clientId"`
	UserID   string            `json:"userId"`
	Scope    []string          `json:"scope"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// EncryptedProps is the upstream credential blob, encrypted under the
	// grant's AEAD key.
	EncryptedProps crypto.Envelope `json:"encryptedProps"`

	CreatedAt int64 `json:"createdAt"`
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// AuthCodeID is the SHA-256 of the full authorization code. It doubles
	// as the single-use flag: cleared on first successful consumption and
	// never re-populated.
	AuthCodeID string `json:"authCodeId,omitempty"`

	// AuthCodeWrappedKey is the grant's AEAD key wrapped under a key
	// derived from the authorization code.
	AuthCodeWrappedKey string `json:"authCodeWrappedKey,omitempty"`

	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`

	// Resource holds RFC 8707 audience restrictions from the
	// authorization request.
	Resource []string `json:"resource,omitempty"`

	// RedirectURI is the URI from the authorization request; it must be
	// echoed at token exchange.
	RedirectURI string `json:"redirectUri,omitempty"`
}

// Summary strips the encrypted credential blob and code binding for
// listing endpoints.
func (g *Grant) Summary() *GrantSummary {
	return &GrantSummary{
		ID:        g.ID,
		ClientID:  g.ClientID,
		UserID:    g.UserID,
		Scope:     append([]string(nil), g.Scope...),
		Metadata:  g.Metadata,
		CreatedAt: g.CreatedAt,
		ExpiresAt: g.ExpiresAt,
	}
}

// GrantSummary is the listing view of a grant, with no encryptedProps.
type GrantSummary struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"clientId"`
	UserID    string            `json:"userId"`
	Scope     []string          `json:"scope"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
}

// Token is one issued access or refresh token. The raw token string never
// appears here; ID is its SHA-256.
type Token struct {
	ID        string `json:"id"`
	GrantID   string `json:"grantId"`
	UserID    string `json:"userId"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`

	// Audience mirrors the grant's resource restriction.
	Audience []string `json:"audience,omitempty"`

	// WrappedEncryptionKey is the grant's AEAD key wrapped under a key
	// derived from this token's string.
	WrappedEncryptionKey string `json:"wrappedEncryptionKey"`

	// Denormalized from the grant so bearer validation needs one lookup.
	ClientID       string          `json:"clientId"`
	Scope          []string        `json:"scope"`
	EncryptedProps crypto.Envelope `json:"encryptedProps"`

	// PreviousRefreshTokenID links a rotated refresh token to the one it
	// replaced. Write-only: kept for audit, not consulted on lookup.
	PreviousRefreshTokenID string `json:"previousRefreshTokenId,omitempty"`
}

// Expired reports whether the token's expiry has passed.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt <= now.Unix()
}

// RefreshResult is the coordinator's cached outcome of a successful
// upstream refresh.
type RefreshResult struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// ClientPage is one page of a client listing.
type ClientPage struct {
	Clients    []*Client
	NextCursor string
}

// GrantPage is one page of a user's grant listing.
type GrantPage struct {
	Grants     []*GrantSummary
	NextCursor string
}

// Storage is the persistence contract shared by the memory and Redis
// backends. All operations are safe for concurrent use; saves are
// idempotent record replacements; reads of expired records return
// ErrNotFound. Listing cursors are opaque and forward-only.
type Storage interface {
	// Clients.
	GetClient(ctx context.Context, clientID string) (*Client, error)
	SaveClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context, limit int, cursor string) (*ClientPage, error)

	// Grants, keyed (userID, grantID). A zero ttl means no expiry.
	GetGrant(ctx context.Context, userID, grantID string) (*Grant, error)
	SaveGrant(ctx context.Context, grant *Grant, ttl time.Duration) error
	DeleteGrant(ctx context.Context, userID, grantID string) error
	ListUserGrants(ctx context.Context, userID string, limit int, cursor string) (*GrantPage, error)

	// Tokens, keyed (userID, grantID, tokenID).
	GetToken(ctx context.Context, userID, grantID, tokenID string) (*Token, error)
	SaveToken(ctx context.Context, token *Token, ttl time.Duration) error
	DeleteToken(ctx context.Context, userID, grantID, tokenID string) error

	// DeleteTokensForGrant removes every token under a grant, paginating
	// the backing store as it goes.
	DeleteTokensForGrant(ctx context.Context, userID, grantID string) error

	// Refresh coordination. AcquireRefreshLock is put-if-absent and
	// reports whether this caller obtained the lock.
	AcquireRefreshLock(ctx context.Context, userID string, ttl time.Duration) (bool, error)
	RefreshLockHeld(ctx context.Context, userID string) (bool, error)
	ReleaseRefreshLock(ctx context.Context, userID string) error
	GetRefreshResult(ctx context.Context, userID string) (*RefreshResult, error)
	PutRefreshResult(ctx context.Context, userID string, result *RefreshResult, ttl time.Duration) error

	// Ping checks backend connectivity (health check).
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
