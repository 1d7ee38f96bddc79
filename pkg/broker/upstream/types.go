// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream talks to Sentry's OAuth token endpoint: authorization-code
// exchange and refresh-token exchange. Upstream response bodies never reach
// callers; failures are translated into Error values carrying the status to
// surface downstream and a correlation id for the logs.
package upstream

import (
	"encoding/json"
	"fmt"
	"time"
)

// TokenResponse is the parsed body of a successful upstream token call.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`

	// User is the Sentry user object attached to token responses. Passed
	// through opaquely.
	User json.RawMessage `json:"user,omitempty"`
}

// Error is a failed upstream call, classified for downstream delivery.
// Status is the HTTP status the broker should respond with; EventID is an
// opaque correlation id echoed in X-Event-ID and in the logs.
type Error struct {
	Status         int
	UpstreamStatus int
	EventID        string
	Message        string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("upstream error (event %s): %s", e.EventID, e.Message)
}

// UserFacing reports whether the failure was caused by the request rather
// than by the upstream service. User-facing errors are logged at warn level
// and never alerted on.
func (e *Error) UserFacing() bool {
	return e.Status < 500
}

// Credentials is the plaintext of a grant's encryptedProps: the upstream
// token pair plus its absolute expiry.
type Credentials struct {
	AccessToken          string `json:"accessToken"`
	RefreshToken         string `json:"refreshToken"`
	AccessTokenExpiresAt int64  `json:"accessTokenExpiresAt"`
	Scope                string `json:"scope,omitempty"`
}

// CredentialsFromTokenResponse converts an upstream token response into the
// stored credential form, resolving expires_in against now.
func CredentialsFromTokenResponse(tr *TokenResponse, now time.Time) *Credentials {
	return &Credentials{
		AccessToken:          tr.AccessToken,
		RefreshToken:         tr.RefreshToken,
		AccessTokenExpiresAt: now.Unix() + tr.ExpiresIn,
		Scope:                tr.Scope,
	}
}

// Remaining returns the time until the upstream access token expires.
// Non-positive when already expired.
func (c *Credentials) Remaining(now time.Time) time.Duration {
	return time.Duration(c.AccessTokenExpiresAt-now.Unix()) * time.Second
}
