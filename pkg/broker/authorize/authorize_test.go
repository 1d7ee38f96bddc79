// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/broker/tokens"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
)

const testRedirectURI = "https://app.example/cb"

func newTestService(t *testing.T) (*Service, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	store.Seed([]*storage.Client{{
		ClientID:                "client-1",
		SecretHash:              crypto.HashSecret("client-secret"),
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: "client_secret_post",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
	}}, nil, nil)
	return NewService(store), store
}

func brokerURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://broker.example/oauth/authorize")
	require.NoError(t, err)
	return u
}

func validRequest() *Request {
	return &Request{
		ResponseType: "code",
		ClientID:     "client-1",
		RedirectURI:  testRedirectURI,
		Scope:        []string{"org:read"},
		State:        "xyz",
	}
}

func TestParseAuthRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet,
		"/oauth/authorize?response_type=code&client_id=client-1"+
			"&redirect_uri=https%3A%2F%2Fapp.example%2Fcb&scope=org%3Aread+project%3Aread"+
			"&state=xyz&code_challenge=abc&resource=https%3A%2F%2Fbroker.example%2Fmcp", nil)

	req := ParseAuthRequest(r)
	assert.Equal(t, "code", req.ResponseType)
	assert.Equal(t, "client-1", req.ClientID)
	assert.Equal(t, testRedirectURI, req.RedirectURI)
	assert.Equal(t, []string{"org:read", "project:read"}, req.Scope)
	assert.Equal(t, "xyz", req.State)
	assert.Equal(t, "abc", req.CodeChallenge)
	// Method defaults to plain when a challenge is present.
	assert.Equal(t, crypto.PKCEMethodPlain, req.CodeChallengeMethod)
	assert.Equal(t, []string{"https://broker.example/mcp"}, req.Resource)
}

func TestValidateRequest(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, svc.ValidateRequest(ctx, validRequest(), brokerURL(t)))
	})

	t.Run("javascript redirect", func(t *testing.T) {
		req := validRequest()
		req.RedirectURI = "javascript:alert(1)"
		assert.ErrorIs(t, svc.ValidateRequest(ctx, req, brokerURL(t)), ErrInvalidRedirectURI)
	})

	t.Run("relative redirect", func(t *testing.T) {
		req := validRequest()
		req.RedirectURI = "/cb"
		assert.ErrorIs(t, svc.ValidateRequest(ctx, req, brokerURL(t)), ErrInvalidRedirectURI)
	})

	t.Run("implicit grant", func(t *testing.T) {
		req := validRequest()
		req.ResponseType = "token"
		assert.ErrorIs(t, svc.ValidateRequest(ctx, req, brokerURL(t)), ErrUnsupportedResponseType)
	})

	t.Run("missing client id", func(t *testing.T) {
		req := validRequest()
		req.ClientID = ""
		assert.ErrorIs(t, svc.ValidateRequest(ctx, req, brokerURL(t)), ErrMissingClientID)
	})

	t.Run("unknown client", func(t *testing.T) {
		req := validRequest()
		req.ClientID = "nope"
		assert.ErrorIs(t, svc.ValidateRequest(ctx, req, brokerURL(t)), ErrUnknownClient)
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		req := validRequest()
		req.RedirectURI = "https://evil.example/cb"
		assert.ErrorIs(t, svc.ValidateRequest(ctx, req, brokerURL(t)), ErrUnregisteredRedirectURI)
	})

	// Exact matching: a trailing slash is a different URI.
	t.Run("redirect trailing slash", func(t *testing.T) {
		req := validRequest()
		req.RedirectURI = testRedirectURI + "/"
		assert.ErrorIs(t, svc.ValidateRequest(ctx, req, brokerURL(t)), ErrUnregisteredRedirectURI)
	})
}

func TestValidateResourceIndicators(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		resource string
		ok       bool
	}{
		{"mcp root", "https://broker.example/mcp", true},
		{"mcp subpath", "https://broker.example/mcp/tools", true},
		{"wrong host", "https://other.example/mcp", false},
		{"wrong scheme", "http://broker.example/mcp", false},
		{"wrong port", "https://broker.example:8443/mcp", false},
		{"fragment", "https://broker.example/mcp#frag", false},
		{"prefix not segment", "https://broker.example/mcpx", false},
		{"percent encoded path", "https://broker.example/mcp/%2e%2e", false},
		{"relative", "/mcp", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			req.Resource = []string{tc.resource}
			err := svc.ValidateRequest(ctx, req, brokerURL(t))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidResource)
			}
		})
	}
}

func TestCompleteAuthorization(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	creds := &upstream.Credentials{
		AccessToken:          "up-access",
		RefreshToken:         "up-refresh",
		AccessTokenExpiresAt: time.Now().Add(time.Hour).Unix(),
		Scope:                "org:read",
	}
	req := validRequest()
	req.CodeChallenge = "challenge-value"
	req.CodeChallengeMethod = crypto.PKCEMethodPlain

	redirect, err := svc.CompleteAuthorization(ctx, req, "user-1", creds)
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "app.example", u.Host)
	assert.Equal(t, "xyz", u.Query().Get("state"))

	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	tok, err := tokens.Parse(code)
	require.NoError(t, err)
	assert.Equal(t, "user-1", tok.UserID)
	assert.Len(t, tok.Secret, crypto.CodeSecretLength)

	grant, err := store.GetGrant(ctx, "user-1", tok.GrantID)
	require.NoError(t, err)
	assert.Equal(t, "client-1", grant.ClientID)
	assert.Equal(t, []string{"org:read"}, grant.Scope)
	assert.Equal(t, crypto.HashSecret(code), grant.AuthCodeID)
	assert.Equal(t, "challenge-value", grant.CodeChallenge)
	assert.Equal(t, testRedirectURI, grant.RedirectURI)

	// The code unwraps the grant key and decrypts the credentials.
	key, err := crypto.UnwrapKey(code, grant.AuthCodeWrappedKey)
	require.NoError(t, err)
	plaintext, err := crypto.Decrypt(key, grant.EncryptedProps)
	require.NoError(t, err)

	var got upstream.Credentials
	require.NoError(t, json.Unmarshal(plaintext, &got))
	assert.Equal(t, *creds, got)
}

func TestCompleteAuthorizationRevalidatesRedirect(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := validRequest()
	req.RedirectURI = "https://evil.example/cb"
	_, err := svc.CompleteAuthorization(ctx, req, "user-1", &upstream.Credentials{})
	assert.ErrorIs(t, err, ErrUnregisteredRedirectURI)

	req = validRequest()
	req.ClientID = "nope"
	_, err = svc.CompleteAuthorization(ctx, req, "user-1", &upstream.Credentials{})
	assert.ErrorIs(t, err, ErrUnknownClient)
}
