// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/sentrybroker/pkg/broker/authorize"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

// approvalCookie pins the browser that saw the approval dialog to the one
// returning from the upstream provider.
const approvalCookie = "sentrybroker_approval"

var approvalTemplate = template.Must(template.New("approval").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>Authorize access</h1>
<p><strong>{{.ClientName}}</strong> is requesting access to your Sentry account.</p>
{{if .Scopes}}<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>{{end}}
<form method="POST" action="/oauth/authorize">
<input type="hidden" name="state" value="{{.State}}">
<button type="submit">Approve</button>
</form>
</body>
</html>
`))

// AuthorizeGetHandler parses and validates the authorization request and
// renders the approval dialog.
func (h *Handler) AuthorizeGetHandler(w http.ResponseWriter, r *http.Request) {
	req := authorize.ParseAuthRequest(r)
	if handled := h.validateAuthRequest(w, r, req); handled {
		return
	}

	signed, err := h.signer.Sign(req)
	if err != nil {
		logger.Errorw("failed to sign authorization state", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	client, err := h.store.GetClient(r.Context(), req.ClientID)
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	clientName := client.ClientName
	if clientName == "" {
		clientName = client.ClientID
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = approvalTemplate.Execute(w, map[string]any{
		"ClientName": clientName,
		"Scopes":     req.Scope,
		"State":      signed,
	})
	if err != nil {
		logger.Errorw("failed to render approval dialog", "error", err)
	}
}

// AuthorizePostHandler consumes the signed approval form and redirects the
// browser to the upstream provider.
func (h *Handler) AuthorizePostHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	signed := r.PostForm.Get("state")

	var req authorize.Request
	if err := h.signer.Verify(signed, &req); err != nil {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	// The form round-tripped through the browser; validate again.
	if handled := h.validateAuthRequest(w, r, &req); handled {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     approvalCookie,
		Value:    h.signer.tag(signed),
		Path:     "/oauth",
		MaxAge:   int(DefaultStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   strings.HasPrefix(h.cfg.Issuer, "https://"),
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.upstream.AuthorizationURL(signed, h.cfg.Scopes), http.StatusFound)
}

// CallbackHandler receives the upstream redirect: it verifies the signed
// state and the approval cookie, exchanges the upstream code, and completes
// the authorization with a redirect back to the client.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	signed := q.Get("state")

	var req authorize.Request
	if err := h.signer.Verify(signed, &req); err != nil {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	cookie, err := r.Cookie(approvalCookie)
	if err != nil || cookie.Value != h.signer.tag(signed) {
		http.Error(w, "Authorization failed: Client not approved", http.StatusForbidden)
		return
	}

	code := q.Get("code")
	tr, err := h.upstream.ExchangeCodeForAccessToken(r.Context(), code, h.cfg.Issuer+"/oauth/callback")
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	userID := upstreamUserID(tr)
	if userID == "" {
		logger.Errorw("upstream token response did not identify the user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	redirect, err := h.authz.CompleteAuthorization(r.Context(), &req, userID,
		upstream.CredentialsFromTokenResponse(tr, time.Now()))
	if err != nil {
		logger.Errorw("failed to complete authorization", "client_id", req.ClientID, "error", err)
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// The approval cookie is single-use.
	http.SetCookie(w, &http.Cookie{Name: approvalCookie, Path: "/oauth", MaxAge: -1})
	http.Redirect(w, r, redirect, http.StatusFound)
}

// validateAuthRequest maps validation failures onto the user-facing bodies
// the endpoints promise. Returns true when a response was written.
func (h *Handler) validateAuthRequest(w http.ResponseWriter, r *http.Request, req *authorize.Request) bool {
	requestURL := &url.URL{Scheme: "https", Host: r.Host}
	if issuer, err := url.Parse(h.cfg.Issuer); err == nil && issuer.Host != "" {
		requestURL = issuer
	}

	err := h.authz.ValidateRequest(r.Context(), req, requestURL)
	switch {
	case err == nil:
		return false
	case errors.Is(err, authorize.ErrInvalidRedirectURI),
		errors.Is(err, authorize.ErrUnregisteredRedirectURI):
		http.Error(w, "Invalid redirect URI", http.StatusBadRequest)
	case errors.Is(err, authorize.ErrInvalidResource):
		http.Error(w, "Invalid resource", http.StatusBadRequest)
	default:
		http.Error(w, "Invalid request", http.StatusBadRequest)
	}
	return true
}

// upstreamUserID pulls the user id out of Sentry's token response.
func upstreamUserID(tr *upstream.TokenResponse) string {
	if len(tr.User) == 0 {
		return ""
	}
	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(tr.User, &user); err != nil {
		return ""
	}
	return user.ID
}

// writeUpstreamError surfaces an upstream failure with its correlation id.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		w.Header().Set("X-Event-ID", uerr.EventID)
		http.Error(w, uerr.Message, uerr.Status)
		return
	}
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

