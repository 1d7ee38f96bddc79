// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens defines the downstream token string format.
//
// Every credential issued by the broker - authorization codes, access
// tokens and refresh tokens - is the string "userId:grantId:secret". The
// prefix routes storage lookups without a global token index; the secret
// carries the entropy. The SHA-256 of the full string is the storage
// handle, so a leaked database never yields usable tokens.
package tokens

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
)

// ErrMalformed is returned for any string that is not exactly three
// non-empty colon-delimited parts.
var ErrMalformed = errors.New("malformed token")

// Token is the parsed form of a downstream credential string.
type Token struct {
	UserID  string
	GrantID string
	Secret  string
}

// String reassembles the wire form.
func (t Token) String() string {
	return t.UserID + ":" + t.GrantID + ":" + t.Secret
}

// Parse splits a token string into its three parts. Extra colons, missing
// parts and empty parts are all rejected.
func Parse(s string) (Token, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Token{}, ErrMalformed
	}
	return Token{UserID: parts[0], GrantID: parts[1], Secret: parts[2]}, nil
}

// NewAuthorizationCode mints an authorization code for the given user and
// grant, with a 32-character secret.
func NewAuthorizationCode(userID, grantID string) (string, error) {
	return mint(userID, grantID, crypto.CodeSecretLength)
}

// NewAccessToken mints an access or refresh token for the given user and
// grant, with a 48-character secret.
func NewAccessToken(userID, grantID string) (string, error) {
	return mint(userID, grantID, crypto.TokenSecretLength)
}

func mint(userID, grantID string, secretLength int) (string, error) {
	secret, err := crypto.RandomString(secretLength)
	if err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}
	return Token{UserID: userID, GrantID: grantID, Secret: secret}.String(), nil
}
