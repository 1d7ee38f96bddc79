// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package refresh serializes upstream refresh-token calls. Sentry rotates
// refresh tokens on every exchange, so two replicas refreshing the same
// user concurrently would invalidate each other; a per-user lock plus a
// short-lived result cache keeps that race rare and lets losers reuse the
// winner's outcome.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/sentrybroker/pkg/broker/metrics"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

// ErrNoRefreshToken is returned when upstream answers a refresh without a
// new refresh token. Issuing downstream tokens against a credential set
// that can never be refreshed again would strand the grant, so the refresh
// is treated as failed.
var ErrNoRefreshToken = errors.New("upstream response missing refresh token")

// DefaultLockWait is how long a caller that observes someone else's lock
// waits before re-checking the result cache.
const DefaultLockWait = 2 * time.Second

// Coordinator runs upstream refreshes through the lock/result-cache
// protocol. Best-effort: it reduces the frequency of concurrent refreshes,
// it does not guarantee mutual exclusion.
type Coordinator struct {
	store    storage.Storage
	provider upstream.Provider

	lockWait  time.Duration
	lockTTL   time.Duration
	resultTTL time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLockWait overrides the bounded wait on a contended lock. Tests use
// this to avoid real sleeps.
func WithLockWait(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.lockWait = d
	}
}

// NewCoordinator creates a coordinator over the given store and upstream
// provider.
func NewCoordinator(store storage.Storage, provider upstream.Provider, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		provider:  provider,
		lockWait:  DefaultLockWait,
		lockTTL:   storage.DefaultRefreshLockTTL,
		resultTTL: storage.DefaultRefreshResultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh returns fresh upstream credentials for the user, either from the
// result cache or by calling upstream with the supplied refresh token.
func (c *Coordinator) Refresh(ctx context.Context, userID, refreshToken string) (*upstream.Credentials, error) {
	if creds := c.cachedResult(ctx, userID); creds != nil {
		metrics.RefreshCacheHits.Inc()
		return creds, nil
	}

	held, err := c.store.RefreshLockHeld(ctx, userID)
	if err != nil {
		logger.Warnw("failed to check refresh lock", "error", err)
	}
	if held {
		// Another caller is mid-refresh. Wait once for its result; if it
		// never lands the holder likely failed, so fall through and try
		// ourselves.
		if err := sleep(ctx, c.lockWait); err != nil {
			return nil, err
		}
		if creds := c.cachedResult(ctx, userID); creds != nil {
			metrics.RefreshCacheHits.Inc()
			return creds, nil
		}
	}

	acquired, err := c.store.AcquireRefreshLock(ctx, userID, c.lockTTL)
	if err != nil {
		logger.Warnw("failed to acquire refresh lock", "error", err)
	}
	if !acquired && err == nil {
		// Lost the acquire race. One more chance to pick up the winner's
		// result before burning the refresh token ourselves.
		if err := sleep(ctx, c.lockWait); err != nil {
			return nil, err
		}
		if creds := c.cachedResult(ctx, userID); creds != nil {
			metrics.RefreshCacheHits.Inc()
			return creds, nil
		}
	}

	creds, err := c.callUpstream(ctx, refreshToken)
	if acquired {
		if relErr := c.store.ReleaseRefreshLock(ctx, userID); relErr != nil {
			logger.Warnw("failed to release refresh lock", "error", relErr)
		}
	}
	if err != nil {
		metrics.UpstreamRefreshes.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.UpstreamRefreshes.WithLabelValues("success").Inc()

	// Best-effort: the upstream rotation already happened, so a failed
	// cache write must not discard the outcome.
	result := &storage.RefreshResult{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.AccessTokenExpiresAt,
	}
	if err := c.store.PutRefreshResult(ctx, userID, result, c.resultTTL); err != nil {
		logger.Warnw("failed to cache refresh result", "error", err)
	}

	return creds, nil
}

func (c *Coordinator) cachedResult(ctx context.Context, userID string) *upstream.Credentials {
	result, err := c.store.GetRefreshResult(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("failed to read refresh result", "error", err)
		}
		return nil
	}
	return &upstream.Credentials{
		AccessToken:          result.AccessToken,
		RefreshToken:         result.RefreshToken,
		AccessTokenExpiresAt: result.ExpiresAt,
	}
}

func (c *Coordinator) callUpstream(ctx context.Context, refreshToken string) (*upstream.Credentials, error) {
	tr, err := c.provider.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if tr.RefreshToken == "" {
		logger.Warnw("upstream refresh response omitted refresh token")
		return nil, ErrNoRefreshToken
	}
	return upstream.CredentialsFromTokenResponse(tr, time.Now()), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("refresh wait aborted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
