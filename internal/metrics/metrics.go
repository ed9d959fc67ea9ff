// Package metrics holds the coordinator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ClaimsTotal  *prometheus.CounterVec
	ReturnsTotal *prometheus.CounterVec

	ArtifactBytes *prometheus.CounterVec
}

// New creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in production; tests pass a fresh
// registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_requests_total",
				Help: "Requests handled, by route and outcome code",
			},
			[]string{"route", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_request_duration_seconds",
				Help:    "Request handling time by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ClaimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_claims_total",
				Help: "Task claims granted, by queue",
			},
			[]string{"queue"},
		),
		ReturnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_returns_total",
				Help: "Task returns processed, by queue and outcome",
			},
			[]string{"queue", "outcome"}, // outcome: done, rejected
		),
		ArtifactBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_artifact_bytes_total",
				Help: "Artifact bytes moved through the store",
			},
			[]string{"direction"}, // direction: read, write
		),
	}
}
