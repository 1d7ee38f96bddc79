// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server wires the broker's HTTP surface: the authorization and
// token endpoints, dynamic client registration, discovery metadata, and the
// protected demo resource.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/sentrybroker/pkg/broker/authorize"
	"github.com/stacklok/sentrybroker/pkg/broker/metrics"
	"github.com/stacklok/sentrybroker/pkg/broker/middleware"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/broker/token"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
)

// bearerRealm appears in WWW-Authenticate challenges on protected routes.
const bearerRealm = "mcp"

// Config is the immutable server configuration, built once at startup.
type Config struct {
	// Issuer is the broker's external base URL, e.g. "https://broker.example".
	Issuer string

	// Scopes are offered on the approval dialog, advertised in discovery
	// metadata, and requested from the upstream provider.
	Scopes []string

	// CookieSecret keys the state signer and the approval cookie.
	CookieSecret []byte
}

// UpstreamIDP is the slice of the upstream client the HTTP layer needs.
type UpstreamIDP interface {
	AuthorizationURL(state string, scopes []string) string
	ExchangeCodeForAccessToken(ctx context.Context, code, redirectURI string) (*upstream.TokenResponse, error)
}

// Handler carries the broker services behind the HTTP surface.
type Handler struct {
	cfg      Config
	store    storage.Storage
	authz    *authorize.Service
	tokensvc *token.Service
	upstream UpstreamIDP
	signer   *StateSigner
}

// NewHandler creates the HTTP handler set.
func NewHandler(
	cfg Config,
	store storage.Storage,
	authz *authorize.Service,
	tokensvc *token.Service,
	idp UpstreamIDP,
) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    store,
		authz:    authz,
		tokensvc: tokensvc,
		upstream: idp,
		signer:   NewStateSigner(cfg.CookieSecret, DefaultStateTTL),
	}
}

// Routes builds the full router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)

	r.Get("/oauth/authorize", h.AuthorizeGetHandler)
	r.Post("/oauth/authorize", h.AuthorizePostHandler)
	r.Get("/oauth/callback", h.CallbackHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/register", h.RegisterClientHandler)

	r.Get("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadataHandler)
	r.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadataHandler)

	r.Route("/mcp", func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.store, bearerRealm))
		r.Get("/", h.MCPHandler)
		r.Get("/whoami", h.MCPHandler)
	})

	r.Get("/health", h.HealthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}
