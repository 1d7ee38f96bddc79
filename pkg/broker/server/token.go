// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
	"github.com/stacklok/sentrybroker/pkg/broker/metrics"
	"github.com/stacklok/sentrybroker/pkg/broker/oautherr"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

// maxRegistrationBodySize caps registration request bodies (64KB).
const maxRegistrationBodySize = 64 * 1024

// TokenHandler serves POST /oauth/token.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		oautherr.InvalidRequest("Content-Type must be application/x-www-form-urlencoded").Write(w)
		return
	}

	resp, oerr := h.tokensvc.Exchange(r)
	if oerr != nil {
		oerr.Write(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debugw("failed to encode token response", "error", err)
	}
}

// registrationRequest is the RFC 7591 client metadata the broker accepts.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name"`
	ClientURI               string   `json:"client_uri"`
	LogoURI                 string   `json:"logo_uri"`
	PolicyURI               string   `json:"policy_uri"`
	TosURI                  string   `json:"tos_uri"`
	Contacts                []string `json:"contacts"`
}

type registrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at"`
	registrationRequest
}

type registrationError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RegisterClientHandler implements RFC 7591 dynamic client registration.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeRegistrationError(w, http.StatusBadRequest,
			"invalid_client_metadata", "Content-Type must be application/json")
		return
	}

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRegistrationError(w, http.StatusBadRequest,
			"invalid_client_metadata", "Invalid JSON request body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeRegistrationError(w, http.StatusBadRequest,
			"invalid_redirect_uri", "At least one redirect_uri is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if !validRedirectURI(uri) {
			writeRegistrationError(w, http.StatusBadRequest,
				"invalid_redirect_uri", "redirect_uris must be absolute http or https URLs")
			return
		}
	}

	switch req.TokenEndpointAuthMethod {
	case "":
		req.TokenEndpointAuthMethod = "client_secret_post"
	case "none", "client_secret_post", "client_secret_basic":
	default:
		writeRegistrationError(w, http.StatusBadRequest,
			"invalid_client_metadata", "Unsupported token_endpoint_auth_method")
		return
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}

	clientID, err := crypto.RandomString(crypto.ClientIDLength)
	if err != nil {
		writeRegistrationError(w, http.StatusInternalServerError, "server_error", "Failed to register client")
		return
	}

	client := &storage.Client{
		ClientID:                clientID,
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		LogoURI:                 req.LogoURI,
		PolicyURI:               req.PolicyURI,
		TosURI:                  req.TosURI,
		Contacts:                req.Contacts,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		RegistrationDate:        time.Now().Unix(),
	}

	var clientSecret string
	if req.TokenEndpointAuthMethod != "none" {
		clientSecret, err = crypto.RandomString(crypto.ClientSecretLength)
		if err != nil {
			writeRegistrationError(w, http.StatusInternalServerError, "server_error", "Failed to register client")
			return
		}
		client.SecretHash = crypto.HashSecret(clientSecret)
	}

	if err := h.store.SaveClient(r.Context(), client); err != nil {
		logger.Errorw("failed to save registered client", "error", err)
		writeRegistrationError(w, http.StatusInternalServerError, "server_error", "Failed to register client")
		return
	}

	metrics.ClientsRegistered.Inc()
	logger.Infow("registered client",
		"client_id", clientID,
		"auth_method", client.TokenEndpointAuthMethod,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	resp := registrationResponse{
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		ClientIDIssuedAt:      client.RegistrationDate,
		ClientSecretExpiresAt: 0,
		registrationRequest:   req,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debugw("failed to encode registration response", "error", err)
	}
}

func validRedirectURI(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func writeRegistrationError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(registrationError{Error: code, ErrorDescription: description})
	if err != nil {
		logger.Debugw("failed to encode registration error", "error", err)
	}
}
