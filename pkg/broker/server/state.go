// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State verification failures. Both map to a 400 "Invalid state" response;
// they are distinct so the logs can tell tampering from slow users.
var (
	ErrInvalidState = errors.New("invalid state")
	ErrStateExpired = errors.New("state expired")
)

// DefaultStateTTL bounds how long an approval dialog or upstream round-trip
// may take.
const DefaultStateTTL = 10 * time.Minute

// StateSigner signs and verifies the state parameter that carries the
// authorization request through the approval form and the upstream
// redirect. The payload is JSON, base64url encoded, with an expiry and an
// HMAC-SHA256 tag: "payload.signature".
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewStateSigner creates a signer keyed with secret.
func NewStateSigner(secret []byte, ttl time.Duration) *StateSigner {
	if ttl == 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: secret, ttl: ttl}
}

type stateEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt int64           `json:"expiresAt"`
}

// Sign serializes payload into a signed, TTL-limited state string.
func (s *StateSigner) Sign(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode state payload: %w", err)
	}
	env, err := json.Marshal(stateEnvelope{
		Payload:   raw,
		ExpiresAt: time.Now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode state envelope: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(env)
	return body + "." + s.tag(body), nil
}

// Verify checks the signature and expiry, then decodes the payload into out.
func (s *StateSigner) Verify(state string, out any) error {
	body, tag, found := strings.Cut(state, ".")
	if !found || !hmac.Equal([]byte(tag), []byte(s.tag(body))) {
		return ErrInvalidState
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return ErrInvalidState
	}
	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ErrInvalidState
	}
	if env.ExpiresAt <= time.Now().Unix() {
		return ErrStateExpired
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return ErrInvalidState
	}
	return nil
}

func (s *StateSigner) tag(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
