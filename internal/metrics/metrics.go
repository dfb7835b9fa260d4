// Package metrics provides Prometheus instrumentation for OpsRelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsrelay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsrelay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Link metrics.
var (
	AgentConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsrelay_agent_connected",
		Help: "1 when a worker agent is attached to the gateway, else 0.",
	})

	WSFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsrelay_ws_frames_total",
		Help: "Total number of WebSocket frames by direction.",
	}, []string{"direction"})
)

// Dispatch metrics.
var (
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsrelay_actions_total",
		Help: "Total number of dispatched actions by outcome.",
	}, []string{"outcome"})

	ActionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opsrelay_action_duration_seconds",
		Help:    "End-to-end action dispatch duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsrelay_idempotent_replays_total",
		Help: "Total number of /action requests served from the idempotency store.",
	})
)
