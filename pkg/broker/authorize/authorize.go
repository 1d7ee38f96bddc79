// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authorize implements the authorization half of the broker: parsing
// and validating authorization requests, and turning an approved upstream
// login into a grant plus a single-use authorization code.
package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/sentrybroker/pkg/broker/crypto"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/broker/tokens"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

// Validation failures, each mapping to a distinct user-facing response.
var (
	ErrMissingClientID         = errors.New("client_id is required")
	ErrUnknownClient           = errors.New("unknown client")
	ErrInvalidRedirectURI      = errors.New("invalid redirect URI")
	ErrUnregisteredRedirectURI = errors.New("redirect URI not registered for client")
	ErrUnsupportedResponseType = errors.New("unsupported response type")
	ErrInvalidResource         = errors.New("invalid resource indicator")
)

// Request is a parsed authorization request.
type Request struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            []string
}

// ParseAuthRequest extracts an authorization request from query or form
// parameters. The PKCE method defaults to "plain" when a challenge is sent
// without one.
func ParseAuthRequest(r *http.Request) *Request {
	q := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			q = r.Form
		}
	}

	req := &Request{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q["resource"],
	}
	if scope := q.Get("scope"); scope != "" {
		req.Scope = strings.Fields(scope)
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = crypto.PKCEMethodPlain
	}
	return req
}

// Service validates authorization requests and finalizes approved ones.
type Service struct {
	store storage.Storage
}

// NewService creates an authorization service over the given store.
func NewService(store storage.Storage) *Service {
	return &Service{store: store}
}

// ValidateRequest applies the ordered validation rules. requestURL is the
// broker's own URL for the request, used to pin resource indicators to this
// host.
func (s *Service) ValidateRequest(ctx context.Context, req *Request, requestURL *url.URL) error {
	if req.RedirectURI != "" {
		if err := validateRedirectScheme(req.RedirectURI); err != nil {
			return err
		}
	}

	if req.ResponseType != "code" {
		return ErrUnsupportedResponseType
	}

	if req.ClientID == "" {
		return ErrMissingClientID
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownClient
		}
		return fmt.Errorf("failed to load client: %w", err)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return ErrUnregisteredRedirectURI
	}

	for _, res := range req.Resource {
		if err := validateResource(res, requestURL); err != nil {
			return err
		}
	}
	return nil
}

// validateRedirectScheme rejects anything that is not an absolute http or
// https URL. Schemes like javascript: must never reach a Location header.
func validateRedirectScheme(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ErrInvalidRedirectURI
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidRedirectURI
	}
	return nil
}

// validateResource enforces the RFC 8707 rules for this deployment: the
// indicator must be an absolute URL on the broker's own authority, with no
// fragment, a path of /mcp or below, and no percent-encoding in the path.
func validateResource(raw string, requestURL *url.URL) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ErrInvalidResource
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return ErrInvalidResource
	}
	if u.Scheme != requestURL.Scheme || u.Host != requestURL.Host {
		return ErrInvalidResource
	}
	if u.EscapedPath() != u.Path {
		return ErrInvalidResource
	}
	if u.Path != "/mcp" && !strings.HasPrefix(u.Path, "/mcp/") {
		return ErrInvalidResource
	}
	return nil
}

// CompleteAuthorization records the user's consent: it creates a grant
// holding the encrypted upstream credentials, mints the single-use
// authorization code bound to it, and returns the client redirect URL.
func (s *Service) CompleteAuthorization(
	ctx context.Context,
	req *Request,
	userID string,
	creds *upstream.Credentials,
) (string, error) {
	// Re-validate the redirect against the client record. The approval form
	// round-trips the request through the browser, so nothing in req is
	// trusted at this point.
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrUnknownClient
		}
		return "", fmt.Errorf("failed to load client: %w", err)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return "", ErrUnregisteredRedirectURI
	}

	grantID, err := crypto.RandomString(crypto.GrantIDLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate grant id: %w", err)
	}

	code, err := tokens.NewAuthorizationCode(userID, grantID)
	if err != nil {
		return "", err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to serialize credentials: %w", err)
	}
	envelope, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return "", err
	}
	wrappedKey, err := crypto.WrapKey(code, key)
	if err != nil {
		return "", err
	}

	now := time.Now()
	grant := &storage.Grant{
		ID:                  grantID,
		ClientID:            client.ClientID,
		UserID:              userID,
		Scope:               req.Scope,
		EncryptedProps:      envelope,
		CreatedAt:           now.Unix(),
		ExpiresAt:           now.Add(storage.DefaultGrantTTL).Unix(),
		AuthCodeID:          crypto.HashSecret(code),
		AuthCodeWrappedKey:  wrappedKey,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resource:            req.Resource,
		RedirectURI:         req.RedirectURI,
	}
	if err := s.store.SaveGrant(ctx, grant, storage.DefaultGrantTTL); err != nil {
		return "", fmt.Errorf("failed to save grant: %w", err)
	}

	logger.Infow("authorization granted",
		"client_id", client.ClientID,
		"grant_id", grantID,
		"scope", strings.Join(req.Scope, " "),
	)

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", ErrInvalidRedirectURI
	}
	q := redirect.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}
