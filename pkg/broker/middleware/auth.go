// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware guards protected routes: bearer-token validation that
// recovers the upstream credentials, and scope enforcement on top of it.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/broker/tokens"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

// Identity is what a validated bearer token resolves to. Handlers read it
// from the request context.
type Identity struct {
	UserID      string
	GrantID     string
	ClientID    string
	Scope       []string
	Credentials *upstream.Credentials
}

// HasScope reports whether the identity carries the scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey struct{}

// IdentityFromContext returns the identity attached by BearerAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok
}

// BearerAuth validates the Authorization header against the token store and
// attaches the resolved Identity to the request context. The realm appears
// in WWW-Authenticate challenges.
func BearerAuth(store storage.Storage, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				challenge(w, realm, "invalid_request", "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				challenge(w, realm, "invalid_request", "Authorization header must use the Bearer scheme", http.StatusUnauthorized)
				return
			}

			id, err := resolve(r.Context(), store, raw)
			if err != nil {
				challenge(w, realm, "invalid_token", "The access token is invalid or expired", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
		})
	}
}

// resolve validates the raw token string and recovers the upstream
// credentials bound to it.
func resolve(ctx context.Context, store storage.Storage, raw string) (*Identity, error) {
	parsed, err := tokens.Parse(raw)
	if err != nil {
		return nil, err
	}

	record, err := store.GetToken(ctx, parsed.UserID, parsed.GrantID, crypto.HashSecret(raw))
	if err != nil {
		return nil, err
	}
	if record.Expired(time.Now()) {
		return nil, errors.New("token expired")
	}

	key, err := crypto.UnwrapKey(raw, record.WrappedEncryptionKey)
	if err != nil {
		logger.Errorw("failed to unwrap grant key for bearer token", "grant_id", record.GrantID, "error", err)
		return nil, err
	}
	plaintext, err := crypto.Decrypt(key, record.EncryptedProps)
	if err != nil {
		logger.Errorw("failed to decrypt credentials for bearer token", "grant_id", record.GrantID, "error", err)
		return nil, err
	}
	var creds upstream.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		logger.Errorw("failed to parse credentials for bearer token", "grant_id", record.GrantID, "error", err)
		return nil, err
	}

	return &Identity{
		UserID:      record.UserID,
		GrantID:     record.GrantID,
		ClientID:    record.ClientID,
		Scope:       record.Scope,
		Credentials: &creds,
	}, nil
}

// RequireScope rejects requests whose identity lacks any of the required
// scopes. Must run after BearerAuth.
func RequireScope(realm string, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				challenge(w, realm, "invalid_token", "The access token is invalid or expired", http.StatusUnauthorized)
				return
			}
			for _, scope := range scopes {
				if !id.HasScope(scope) {
					w.Header().Set("WWW-Authenticate", fmt.Sprintf(
						`Bearer realm=%q, error="insufficient_scope", scope=%q`,
						realm, strings.Join(scopes, " ")))
					http.Error(w, "Insufficient scope", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func challenge(w http.ResponseWriter, realm, code, description string, status int) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm=%q, error=%q, error_description=%q`, realm, code, description))
	http.Error(w, description, status)
}
