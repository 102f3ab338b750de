// Package metrics defines the prometheus collectors shared by the verifier
// and its HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts per-issuer verification attempts by outcome.
	//
	// Example usage:
	// metrics.VerificationsTotal.WithLabelValues("tenant", "ok").Inc()
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcx_verifications_total",
			Help: "Number of token verification attempts per candidate issuer.",
		},
		[]string{"issuer", "result"},
	)

	// JWKSFetchDuration is a histogram that tracks the latency of key-set
	// fetches from issuers.
	JWKSFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oidcx_jwks_fetch_duration_seconds",
			Help:    "A histogram of JWKS fetch latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 4, 8},
		},
		[]string{"status"},
	)

	// JWKSCacheTotal counts key-set cache lookups.
	//
	// Example usage:
	// metrics.JWKSCacheTotal.WithLabelValues("hit").Inc()
	JWKSCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcx_jwks_cache_total",
			Help: "Number of JWKS cache lookups by result.",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts requests served by the verify endpoint.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcx_http_requests_total",
			Help: "Number of requests served by the verify endpoint.",
		},
		[]string{"status"},
	)
)
