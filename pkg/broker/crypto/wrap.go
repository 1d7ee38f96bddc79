// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrUnwrap is returned when key unwrapping fails its integrity check,
// which happens whenever the wrong token or code string is supplied.
var ErrUnwrap = errors.New("key unwrap failed")

// pbkdf2Iterations matches the cost used when the stored wrapped keys were
// produced; changing it invalidates every wrappedEncryptionKey at rest.
const pbkdf2Iterations = 100_000

// wrappingSalt is a fixed constant. The token or authorization code being
// stretched supplies all of the entropy; the salt exists only to satisfy
// the KDF signature.
var wrappingSalt = []byte("sentrybroker-key-wrapping")

// DeriveWrappingKey stretches a token or authorization code into a 256-bit
// key-encryption key with PBKDF2-HMAC-SHA-256.
func DeriveWrappingKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), wrappingSalt, pbkdf2Iterations, aeadKeySize, sha256.New)
}

// WrapKey wraps an AEAD key with AES-KW under a key derived from the given
// token or authorization code. The wrapped key is returned base64-encoded.
func WrapKey(secret string, key []byte) (string, error) {
	wrapped, err := keywrapWrap(DeriveWrappingKey(secret), key)
	if err != nil {
		return "", fmt.Errorf("failed to wrap key: %w", err)
	}
	return b64.EncodeToString(wrapped), nil
}

// UnwrapKey reverses WrapKey. A wrong secret surfaces as ErrUnwrap.
func UnwrapKey(secret, wrapped string) ([]byte, error) {
	raw, err := b64.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrUnwrap)
	}
	key, err := keywrapUnwrap(DeriveWrappingKey(secret), raw)
	if err != nil {
		return nil, ErrUnwrap
	}
	return key, nil
}
