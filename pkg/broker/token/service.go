// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token implements the token endpoint: client authentication, the
// authorization-code grant with single-use consumption and PKCE, and the
// refresh-token grant with rotation and coordinated upstream refresh.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
	"github.com/stacklok/sentrybroker/pkg/broker/metrics"
	"github.com/stacklok/sentrybroker/pkg/broker/oautherr"
	"github.com/stacklok/sentrybroker/pkg/broker/refresh"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/broker/tokens"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

// upstreamExpiryThreshold is how much upstream lifetime must remain for a
// refresh to reuse the stored credentials instead of rotating them.
const upstreamExpiryThreshold = 120 * time.Second

// Response is a successful token response per RFC 6749 section 5.1.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// Service handles token-endpoint requests.
type Service struct {
	store       storage.Storage
	coordinator *refresh.Coordinator
}

// NewService creates a token service.
func NewService(store storage.Storage, coordinator *refresh.Coordinator) *Service {
	return &Service{store: store, coordinator: coordinator}
}

// Exchange processes one token request: authenticate the client, then
// dispatch on grant_type. The *oautherr.Error return is ready for the wire.
func (s *Service) Exchange(r *http.Request) (*Response, *oautherr.Error) {
	if err := r.ParseForm(); err != nil {
		return nil, oautherr.InvalidRequest("Malformed request body")
	}

	client, oerr := s.authenticateClient(r)
	if oerr != nil {
		return nil, oerr
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		return s.exchangeAuthorizationCode(r.Context(), client, r)
	case "refresh_token":
		return s.exchangeRefreshToken(r.Context(), client, r)
	default:
		return nil, oautherr.UnsupportedGrantType()
	}
}

// authenticateClient implements RFC 6749 section 2.3: credentials arrive as
// HTTP Basic or as form fields; public clients carry only a client_id.
func (s *Service) authenticateClient(r *http.Request) (*storage.Client, *oautherr.Error) {
	clientID, clientSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	if clientID == "" {
		return nil, oautherr.InvalidRequest("client_id is required")
	}

	client, err := s.store.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidClient("Unknown client")
		}
		logger.Errorw("failed to load client", "client_id", clientID, "error", err)
		return nil, oautherr.ServerError("Failed to load client")
	}

	if client.IsPublic() {
		return client, nil
	}
	if clientSecret == "" {
		return nil, oautherr.InvalidClient("Client authentication required")
	}
	if !crypto.VerifySecret(clientSecret, client.SecretHash) {
		return nil, oautherr.InvalidClient("Invalid client credentials")
	}
	return client, nil
}

func (s *Service) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, r *http.Request) (*Response, *oautherr.Error) {
	code := r.PostForm.Get("code")
	if code == "" {
		return nil, oautherr.InvalidRequest("code is required")
	}

	parsed, err := tokens.Parse(code)
	if err != nil {
		return nil, oautherr.InvalidGrant("Malformed authorization code")
	}

	grant, err := s.store.GetGrant(ctx, parsed.UserID, parsed.GrantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidGrant("Authorization code not found or expired")
		}
		logger.Errorw("failed to load grant", "error", err)
		return nil, oautherr.ServerError("Failed to load grant")
	}

	// An empty authCodeId means the code was already redeemed. This is the
	// single-use check; replays stop here.
	if grant.AuthCodeID == "" {
		return nil, oautherr.InvalidGrant("Authorization code already used")
	}
	if !crypto.VerifySecret(code, grant.AuthCodeID) {
		return nil, oautherr.InvalidGrant("Invalid authorization code")
	}
	if grant.ClientID != client.ClientID {
		return nil, oautherr.InvalidGrant("Authorization code was issued to a different client")
	}
	if grant.RedirectURI != "" && r.PostForm.Get("redirect_uri") != grant.RedirectURI {
		return nil, oautherr.InvalidGrant("redirect_uri does not match the authorization request")
	}
	if grant.CodeChallenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		if verifier == "" || !crypto.VerifyPKCE(verifier, grant.CodeChallenge, grant.CodeChallengeMethod) {
			return nil, oautherr.InvalidGrant("PKCE verification failed")
		}
	}

	// Consume the code before minting anything. The cleared write is the
	// commit point: a concurrent exchange that loads the grant after it
	// fails the single-use check above.
	wrappedKey := grant.AuthCodeWrappedKey
	grant.AuthCodeID = ""
	grant.AuthCodeWrappedKey = ""
	grant.CodeChallenge = ""
	grant.CodeChallengeMethod = ""
	grant.ExpiresAt = time.Now().Add(storage.DefaultRefreshTokenTTL).Unix()
	if err := s.store.SaveGrant(ctx, grant, storage.DefaultRefreshTokenTTL); err != nil {
		logger.Errorw("failed to consume authorization code", "grant_id", grant.ID, "error", err)
		return nil, oautherr.ServerError("Failed to consume authorization code")
	}

	key, err := crypto.UnwrapKey(code, wrappedKey)
	if err != nil {
		logger.Errorw("failed to unwrap grant key with authorization code", "grant_id", grant.ID, "error", err)
		return nil, oautherr.ServerError("Failed to recover grant key")
	}

	resp, oerr := s.mintPair(ctx, grant, key, grant.EncryptedProps, storage.DefaultAccessTokenTTL, "")
	if oerr != nil {
		return nil, oerr
	}
	metrics.TokensIssued.WithLabelValues("authorization_code").Inc()
	logger.Infow("authorization code exchanged",
		"client_id", client.ClientID,
		"grant_id", grant.ID,
	)
	return resp, nil
}

func (s *Service) exchangeRefreshToken(ctx context.Context, client *storage.Client, r *http.Request) (*Response, *oautherr.Error) {
	raw := r.PostForm.Get("refresh_token")
	if raw == "" {
		return nil, oautherr.InvalidRequest("refresh_token is required")
	}

	parsed, err := tokens.Parse(raw)
	if err != nil {
		return nil, oautherr.InvalidGrant("Malformed refresh token")
	}

	tokenID := crypto.HashSecret(raw)
	record, err := s.store.GetToken(ctx, parsed.UserID, parsed.GrantID, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidGrant("Refresh token not found or expired")
		}
		logger.Errorw("failed to load refresh token", "error", err)
		return nil, oautherr.ServerError("Failed to load refresh token")
	}

	now := time.Now()
	if record.Expired(now) {
		return nil, oautherr.InvalidGrant("Refresh token expired")
	}
	if record.ClientID != client.ClientID {
		return nil, oautherr.InvalidGrant("Refresh token was issued to a different client")
	}

	key, err := crypto.UnwrapKey(raw, record.WrappedEncryptionKey)
	if err != nil {
		logger.Errorw("failed to unwrap grant key with refresh token", "grant_id", record.GrantID, "error", err)
		return nil, oautherr.ServerError("Failed to recover grant key")
	}

	grant, err := s.store.GetGrant(ctx, record.UserID, record.GrantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidGrant("Grant revoked or expired")
		}
		logger.Errorw("failed to load grant", "error", err)
		return nil, oautherr.ServerError("Failed to load grant")
	}

	creds, envelope, oerr := s.recoverCredentials(key, record, grant)
	if oerr != nil {
		return nil, oerr
	}
	credsChanged := envelope != record.EncryptedProps

	// Reuse the upstream access token while it has comfortable lifetime
	// left; otherwise rotate it through the coordinator.
	accessTTL := storage.DefaultAccessTokenTTL
	if remaining := creds.Remaining(now); remaining > upstreamExpiryThreshold {
		if remaining < accessTTL {
			accessTTL = remaining
		}
	} else {
		refreshed, err := s.coordinator.Refresh(ctx, record.UserID, creds.RefreshToken)
		if err != nil {
			// The downstream refresh fails whenever a required upstream
			// refresh cannot be performed.
			return nil, oautherr.InvalidGrant("Failed to refresh upstream credentials")
		}
		creds = refreshed
		credsChanged = true
		accessTTL = creds.Remaining(now)
		if accessTTL <= 0 {
			accessTTL = upstreamExpiryThreshold
		}
	}

	if credsChanged {
		key, envelope, oerr = s.reencrypt(ctx, grant, creds)
		if oerr != nil {
			return nil, oerr
		}
	}

	resp, oerr := s.mintPair(ctx, grant, key, envelope, accessTTL, tokenID)
	if oerr != nil {
		return nil, oerr
	}
	metrics.TokensIssued.WithLabelValues("refresh_token").Inc()
	logger.Infow("refresh token rotated",
		"client_id", client.ClientID,
		"grant_id", grant.ID,
		"upstream_refreshed", credsChanged,
	)
	return resp, nil
}

// recoverCredentials decrypts the credential blob, preferring the token
// record's denormalized copy and falling back to the grant's when the
// denormalized envelope fails its schema check.
func (s *Service) recoverCredentials(key []byte, record *storage.Token, grant *storage.Grant) (*upstream.Credentials, crypto.Envelope, *oautherr.Error) {
	envelope := record.EncryptedProps
	if !envelope.Valid() {
		envelope = grant.EncryptedProps
	}

	plaintext, err := crypto.Decrypt(key, envelope)
	if err != nil && envelope != grant.EncryptedProps {
		envelope = grant.EncryptedProps
		plaintext, err = crypto.Decrypt(key, envelope)
	}
	if err != nil {
		logger.Errorw("failed to decrypt upstream credentials", "grant_id", grant.ID, "error", err)
		return nil, crypto.Envelope{}, oautherr.ServerError("Failed to decrypt credentials")
	}

	var creds upstream.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		logger.Errorw("failed to parse upstream credentials", "grant_id", grant.ID, "error", err)
		return nil, crypto.Envelope{}, oautherr.ServerError("Failed to decode credentials")
	}
	return &creds, envelope, nil
}

// reencrypt stores changed credentials under a fresh AEAD key and updates
// the grant, returning the new key and envelope for token minting.
func (s *Service) reencrypt(ctx context.Context, grant *storage.Grant, creds *upstream.Credentials) ([]byte, crypto.Envelope, *oautherr.Error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, crypto.Envelope{}, oautherr.ServerError("Failed to generate key")
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, crypto.Envelope{}, oautherr.ServerError("Failed to encode credentials")
	}
	envelope, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, crypto.Envelope{}, oautherr.ServerError("Failed to encrypt credentials")
	}

	grant.EncryptedProps = envelope
	if err := s.store.SaveGrant(ctx, grant, storage.DefaultRefreshTokenTTL); err != nil {
		logger.Errorw("failed to update grant credentials", "grant_id", grant.ID, "error", err)
		return nil, crypto.Envelope{}, oautherr.ServerError("Failed to update grant")
	}
	return key, envelope, nil
}

// mintPair issues a downstream access/refresh token pair bound to the grant
// key and writes both records.
func (s *Service) mintPair(
	ctx context.Context,
	grant *storage.Grant,
	key []byte,
	envelope crypto.Envelope,
	accessTTL time.Duration,
	previousRefreshTokenID string,
) (*Response, *oautherr.Error) {
	accessToken, err := tokens.NewAccessToken(grant.UserID, grant.ID)
	if err != nil {
		return nil, oautherr.ServerError("Failed to mint access token")
	}
	refreshToken, err := tokens.NewAccessToken(grant.UserID, grant.ID)
	if err != nil {
		return nil, oautherr.ServerError("Failed to mint refresh token")
	}

	now := time.Now()
	records := []struct {
		raw      string
		ttl      time.Duration
		previous string
	}{
		{raw: accessToken, ttl: accessTTL},
		{raw: refreshToken, ttl: storage.DefaultRefreshTokenTTL, previous: previousRefreshTokenID},
	}
	for _, rec := range records {
		wrapped, err := crypto.WrapKey(rec.raw, key)
		if err != nil {
			return nil, oautherr.ServerError("Failed to wrap grant key")
		}
		token := &storage.Token{
			ID:                     crypto.HashSecret(rec.raw),
			GrantID:                grant.ID,
			UserID:                 grant.UserID,
			CreatedAt:              now.Unix(),
			ExpiresAt:              now.Add(rec.ttl).Unix(),
			Audience:               grant.Resource,
			WrappedEncryptionKey:   wrapped,
			ClientID:               grant.ClientID,
			Scope:                  grant.Scope,
			EncryptedProps:         envelope,
			PreviousRefreshTokenID: rec.previous,
		}
		if err := s.store.SaveToken(ctx, token, rec.ttl); err != nil {
			logger.Errorw("failed to save token", "grant_id", grant.ID, "error", err)
			return nil, oautherr.ServerError("Failed to save token")
		}
	}

	return &Response{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(accessTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        strings.Join(grant.Scope, " "),
	}, nil
}
