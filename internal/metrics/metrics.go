// Package metrics exposes poll and breaker telemetry for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts completed poll cycles by status
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capwatch_polls_total",
			Help: "Total number of completed poll cycles",
		},
		[]string{"status"},
	)

	// PollErrorsTotal counts failed poll cycles by error kind
	PollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capwatch_poll_errors_total",
			Help: "Total number of failed poll cycles",
		},
		[]string{"kind"},
	)

	// PollDuration tracks how long a poll cycle takes, retries included
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capwatch_poll_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	// CoalescedTotal counts refresh requests dropped because a poll was in flight
	CoalescedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capwatch_coalesced_requests_total",
			Help: "Poll requests dropped because another attempt was in flight",
		},
		[]string{"source"},
	)

	// UsagePercent is the latest accepted percentage per component
	UsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capwatch_usage_percent",
			Help: "Latest usage percentage per component",
		},
		[]string{"component"},
	)

	// ConsecutiveFailures mirrors the breaker's failure streak
	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capwatch_consecutive_failures",
			Help: "Consecutive failed poll cycles",
		},
	)

	// CircuitOpen is 1 while automatic polling is suspended
	CircuitOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capwatch_circuit_open",
			Help: "Whether the circuit breaker is open (1) or closed (0)",
		},
	)

	// LastSuccess is the unix time of the last ok or partial poll
	LastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capwatch_last_success_timestamp_seconds",
			Help: "Unix time of the last successful poll",
		},
	)
)
