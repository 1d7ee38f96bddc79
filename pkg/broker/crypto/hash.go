// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashSecret returns the lowercase hex SHA-256 of the UTF-8 bytes of s.
// It is used both as the storage handle for tokens (the raw token string is
// never persisted) and for at-rest storage of client secrets.
func HashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// VerifySecret hashes candidate and compares it against storedHash in
// constant time. Both sides are equal-length hex strings by construction;
// a length mismatch returns false immediately.
func VerifySecret(candidate, storedHash string) bool {
	h := HashSecret(candidate)
	if len(h) != len(storedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h), []byte(storedHash)) == 1
}
