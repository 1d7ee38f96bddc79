// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/sentrybroker/pkg/broker/authorize"
	"github.com/stacklok/sentrybroker/pkg/broker/refresh"
	"github.com/stacklok/sentrybroker/pkg/broker/server"
	"github.com/stacklok/sentrybroker/pkg/broker/storage"
	"github.com/stacklok/sentrybroker/pkg/broker/token"
	"github.com/stacklok/sentrybroker/pkg/broker/upstream"
	"github.com/stacklok/sentrybroker/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker server",
		RunE:  serveCmdFunc,
	}

	cmd.Flags().String("listen-addr", ":8080", "Address to listen on")
	cmd.Flags().String("issuer", "", "External base URL of this server, e.g. https://broker.example")
	cmd.Flags().String("sentry-host", upstream.DefaultHost, "Sentry authority (host, no scheme)")
	cmd.Flags().String("redis-addr", "", "Redis address; empty selects in-memory storage")
	cmd.Flags().String("redis-password", "", "Redis password")
	cmd.Flags().String("scopes", "org:read", "Space-separated scopes offered to clients")

	for flagName, envName := range map[string]string{
		"listen-addr":    "LISTEN_ADDR",
		"issuer":         "ISSUER",
		"sentry-host":    "SENTRY_HOST",
		"redis-addr":     "REDIS_ADDR",
		"redis-password": "REDIS_PASSWORD",
		"scopes":         "SCOPES",
	} {
		_ = viper.BindPFlag(flagName, cmd.Flags().Lookup(flagName))
		_ = viper.BindEnv(flagName, envName)
	}
	// Secrets come from the environment only.
	_ = viper.BindEnv("sentry-client-id", "SENTRY_CLIENT_ID")
	_ = viper.BindEnv("sentry-client-secret", "SENTRY_CLIENT_SECRET")
	_ = viper.BindEnv("cookie-secret", "COOKIE_SECRET")

	return cmd
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer := strings.TrimSuffix(viper.GetString("issuer"), "/")
	if issuer == "" {
		return errors.New("issuer is required (--issuer or ISSUER)")
	}
	cookieSecret := viper.GetString("cookie-secret")
	if cookieSecret == "" {
		return errors.New("COOKIE_SECRET is required")
	}

	store, err := buildStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sentry, err := upstream.NewSentryClient(upstream.Config{
		ClientID:     viper.GetString("sentry-client-id"),
		ClientSecret: viper.GetString("sentry-client-secret"),
		Host:         viper.GetString("sentry-host"),
	})
	if err != nil {
		return fmt.Errorf("failed to configure upstream client: %w", err)
	}

	handler := server.NewHandler(
		server.Config{
			Issuer:       issuer,
			Scopes:       strings.Fields(viper.GetString("scopes")),
			CookieSecret: []byte(cookieSecret),
		},
		store,
		authorize.NewService(store),
		token.NewService(store, refresh.NewCoordinator(store, sentry)),
		sentry,
	)

	srv := &http.Server{
		Addr:              viper.GetString("listen-addr"),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("server listening",
			"addr", srv.Addr,
			"issuer", issuer,
			"sentry_host", viper.GetString("sentry-host"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func buildStorage(ctx context.Context) (storage.Storage, error) {
	redisAddr := viper.GetString("redis-addr")
	if redisAddr == "" {
		logger.Infow("using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	store, err := storage.NewRedisStorage(ctx, storage.RedisConfig{
		Addr:      redisAddr,
		Password:  viper.GetString("redis-password"),
		KeyPrefix: "sentrybroker:",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Infow("using redis storage", "addr", redisAddr)
	return store, nil
}
