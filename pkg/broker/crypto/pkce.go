// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE challenge methods per RFC 7636.
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// VerifyPKCE checks a code_verifier against a stored code_challenge per
// RFC 7636 section 4.6. Any method other than "plain" or "S256" fails.
func VerifyPKCE(verifier, challenge, method string) bool {
	switch method {
	case PKCEMethodPlain:
		return constantTimeEqual(verifier, challenge)
	case PKCEMethodS256:
		// base64url-without-padding of SHA-256(verifier), delegated to
		// the oauth2 helper the rest of the ecosystem uses.
		return constantTimeEqual(oauth2.S256ChallengeFromVerifier(verifier), challenge)
	default:
		return false
	}
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
