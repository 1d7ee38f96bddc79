// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oautherr maps failures onto RFC 6749 section 5.2 wire errors.
// Core packages return these; only the HTTP layer serializes them.
package oautherr

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/sentrybroker/pkg/logger"
)

// Error is an OAuth error response: a registered error code, an optional
// human-readable description, and the HTTP status it is delivered with.
type Error struct {
	Code            string `json:"error"`
	Description     string `json:"error_description,omitempty"`
	Status          int    `json:"-"`
	WWWAuthenticate string `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// InvalidRequest is a malformed request (400).
func InvalidRequest(description string) *Error {
	return &Error{Code: "invalid_request", Description: description, Status: http.StatusBadRequest}
}

// InvalidClient is an unknown or unauthenticated client (401). The response
// carries a WWW-Authenticate challenge per RFC 6749 section 5.2.
func InvalidClient(description string) *Error {
	return &Error{
		Code:            "invalid_client",
		Description:     description,
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: `Basic realm="token"`,
	}
}

// InvalidGrant covers bad codes, bad refresh tokens, PKCE mismatches,
// redirect mismatches and single-use violations (400).
func InvalidGrant(description string) *Error {
	return &Error{Code: "invalid_grant", Description: description, Status: http.StatusBadRequest}
}

// InvalidTarget is an RFC 8707 resource indicator failure (400).
func InvalidTarget(description string) *Error {
	return &Error{Code: "invalid_target", Description: description, Status: http.StatusBadRequest}
}

// UnsupportedGrantType rejects grant types other than authorization_code
// and refresh_token (400).
func UnsupportedGrantType() *Error {
	return &Error{Code: "unsupported_grant_type", Description: "Unsupported grant type", Status: http.StatusBadRequest}
}

// ServerError is an internal failure (500).
func ServerError(description string) *Error {
	return &Error{Code: "server_error", Description: description, Status: http.StatusInternalServerError}
}

// Write serializes the error as a token-endpoint response body. Token
// responses are never cacheable.
func (e *Error) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if e.WWWAuthenticate != "" {
		w.Header().Set("WWW-Authenticate", e.WWWAuthenticate)
	}
	w.WriteHeader(e.Status)
	if err := json.NewEncoder(w).Encode(e); err != nil {
		logger.Debugw("failed to encode error response", "error", err)
	}
}
