// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/sentrybroker/pkg/logger"
)

const (
	// DefaultHost is the Sentry SaaS authority; self-hosted deployments
	// override it.
	DefaultHost = "sentry.io"

	// DefaultTimeout bounds one upstream token call.
	DefaultTimeout = 10 * time.Second

	// tokenPath is Sentry's OAuth token endpoint (trailing slash required).
	tokenPath = "/oauth/token/"

	userAgent = "sentrybroker"

	// maxResponseSize caps how much of an upstream body is read.
	maxResponseSize = 1 << 20
)

// Provider is the upstream contract consumed by the authorization and token
// services. Satisfied by SentryClient; tests substitute fakes.
type Provider interface {
	ExchangeCodeForAccessToken(ctx context.Context, code, redirectURI string) (*TokenResponse, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Compile-time interface compliance check.
var _ Provider = (*SentryClient)(nil)

// Config identifies this server to Sentry.
type Config struct {
	ClientID     string
	ClientSecret string

	// Host is the Sentry authority, without scheme. Defaults to DefaultHost.
	Host string

	// Timeout bounds each token call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// SentryClient implements Provider over HTTPS.
type SentryClient struct {
	cfg           Config
	tokenEndpoint string
	httpClient    *http.Client
}

// SentryClientOption configures a SentryClient.
type SentryClientOption func(*SentryClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) SentryClientOption {
	return func(c *SentryClient) {
		c.httpClient = client
	}
}

// WithTokenEndpoint overrides the derived token endpoint URL. Used in tests
// to point at a local server.
func WithTokenEndpoint(endpoint string) SentryClientOption {
	return func(c *SentryClient) {
		c.tokenEndpoint = endpoint
	}
}

// NewSentryClient creates an upstream client for the configured Sentry host.
func NewSentryClient(cfg Config, opts ...SentryClientOption) (*SentryClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("upstream client id and secret are required")
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &SentryClient{
		cfg:           cfg,
		tokenEndpoint: "https://" + cfg.Host + tokenPath,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AuthorizationURL builds the URL the browser is redirected to for upstream
// consent.
func (c *SentryClient) AuthorizationURL(state string, scopes []string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {c.cfg.ClientID},
		"state":         {state},
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	return "https://" + c.cfg.Host + "/oauth/authorize/?" + params.Encode()
}

// ExchangeCodeForAccessToken redeems an upstream authorization code.
func (c *SentryClient) ExchangeCodeForAccessToken(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	if redirectURI != "" {
		params.Set("redirect_uri", redirectURI)
	}

	return c.tokenRequest(ctx, params)
}

// RefreshAccessToken exchanges an upstream refresh token for a fresh pair.
// Sentry rotates the refresh token on every call; the caller must persist
// the returned one.
func (c *SentryClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	return c.tokenRequest(ctx, params)
}

func (c *SentryClient) tokenRequest(ctx context.Context, params url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and transport failures are operator-facing.
		uerr := &Error{
			Status:  http.StatusBadGateway,
			EventID: uuid.NewString(),
			Message: "upstream token request failed",
		}
		logger.Errorw("upstream token request failed",
			"event_id", uerr.EventID,
			"grant_type", params.Get("grant_type"),
			"error", err,
		)
		return nil, uerr
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		uerr := &Error{
			Status:         http.StatusBadGateway,
			UpstreamStatus: resp.StatusCode,
			EventID:        uuid.NewString(),
			Message:        "failed to read upstream response",
		}
		logger.Errorw("failed to read upstream response",
			"event_id", uerr.EventID,
			"upstream_status", resp.StatusCode,
			"error", err,
		)
		return nil, uerr
	}

	return classifyResponse(resp.StatusCode, body, params.Get("grant_type"))
}

// classifyResponse maps an upstream response onto either a parsed token
// response or an Error. Bodies are never propagated: a 4xx becomes a 400
// (user-facing, warn), a 5xx becomes a 502 (operator-facing, alertable), and
// a 2xx that does not parse becomes a 500.
func classifyResponse(status int, body []byte, grantType string) (*TokenResponse, error) {
	switch {
	case status >= 200 && status < 300:
		var tr TokenResponse
		if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
			uerr := &Error{
				Status:         http.StatusInternalServerError,
				UpstreamStatus: status,
				EventID:        uuid.NewString(),
				Message:        "unexpected upstream token response",
			}
			logger.Errorw("failed to parse upstream token response",
				"event_id", uerr.EventID,
				"upstream_status", status,
				"grant_type", grantType,
			)
			return nil, uerr
		}
		return &tr, nil

	case status >= 400 && status < 500:
		uerr := &Error{
			Status:         http.StatusBadRequest,
			UpstreamStatus: status,
			EventID:        uuid.NewString(),
			Message:        "upstream rejected the request",
		}
		logger.Warnw("upstream rejected token request",
			"event_id", uerr.EventID,
			"upstream_status", status,
			"grant_type", grantType,
		)
		return nil, uerr

	default:
		uerr := &Error{
			Status:         http.StatusBadGateway,
			UpstreamStatus: status,
			EventID:        uuid.NewString(),
			Message:        "upstream service error",
		}
		logger.Errorw("upstream token endpoint failed",
			"event_id", uerr.EventID,
			"upstream_status", status,
			"grant_type", grantType,
		)
		return nil, uerr
	}
}
