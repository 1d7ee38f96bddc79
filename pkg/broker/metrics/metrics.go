// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TokensIssued counts successful token-endpoint responses by grant type.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrybroker_tokens_issued_total",
		Help: "Downstream token pairs issued, by grant type.",
	}, []string{"grant_type"})

	// UpstreamRefreshes counts upstream refresh attempts by outcome.
	UpstreamRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrybroker_upstream_refreshes_total",
		Help: "Upstream refresh-token calls, by outcome.",
	}, []string{"outcome"})

	// RefreshCacheHits counts refreshes served from the coordinator's
	// result cache instead of an upstream call.
	RefreshCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentrybroker_refresh_result_cache_hits_total",
		Help: "Coordinator refreshes satisfied by the cached result.",
	})

	// ClientsRegistered counts dynamic client registrations.
	ClientsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentrybroker_clients_registered_total",
		Help: "Clients registered through the registration endpoint.",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
