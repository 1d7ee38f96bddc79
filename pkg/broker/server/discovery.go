// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/sentrybroker/pkg/broker/middleware"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

// authorizationServerMetadata is the RFC 8414 document.
type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// AuthorizationServerMetadataHandler serves RFC 8414 discovery metadata.
func (h *Handler) AuthorizationServerMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, authorizationServerMetadata{
		Issuer:                            h.cfg.Issuer,
		AuthorizationEndpoint:             h.cfg.Issuer + "/oauth/authorize",
		TokenEndpoint:                     h.cfg.Issuer + "/oauth/token",
		RegistrationEndpoint:              h.cfg.Issuer + "/oauth/register",
		ScopesSupported:                   h.cfg.Scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post"},
	})
}

// protectedResourceMetadata is the RFC 9728 document for the MCP resource.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ProtectedResourceMetadataHandler serves RFC 9728 discovery metadata.
func (h *Handler) ProtectedResourceMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, protectedResourceMetadata{
		Resource:               h.cfg.Issuer + "/mcp",
		AuthorizationServers:   []string{h.cfg.Issuer},
		ScopesSupported:        h.cfg.Scopes,
		BearerMethodsSupported: []string{"header"},
	})
}

// MCPHandler is the demo protected resource: it reports the identity the
// bearer token resolved to. Real MCP traffic would mount here instead.
func (*Handler) MCPHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"user_id":   id.UserID,
		"grant_id":  id.GrantID,
		"client_id": id.ClientID,
		"scope":     id.Scope,
	})
}

// HealthHandler reports process and storage health.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		logger.Warnw("storage ping failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(w).Encode(v); err != nil &&
		!errors.Is(err, http.ErrBodyNotAllowed) {
		logger.Debugw("failed to encode response", "error", err)
	}
}
