// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the primitives that bind downstream tokens to
// the encrypted upstream credentials: random secret generation, SHA-256
// token handles, AES-GCM encryption of the credential blob, PBKDF2-derived
// AES-KW key wrapping, and PKCE verification.
package crypto

import (
	"crypto/rand"
	"fmt"
)

// alphabet is the URL-safe character set used for every generated
// identifier and secret. Each random byte is reduced modulo the alphabet
// length; the resulting bias is negligible for a 62-character alphabet at
// the secret lengths used here.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Identifier and secret lengths, in characters of the alphabet above.
const (
	ClientIDLength     = 16
	ClientSecretLength = 32
	GrantIDLength      = 16
	CodeSecretLength   = 32
	TokenSecretLength  = 48
)

// RandomString returns a string of length characters drawn uniformly
// (modulo the negligible bias noted above) from the URL-safe alphabet.
func RandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}
