// Package metrics defines the Prometheus metrics exported by perfbridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientRuns counts client runs by outcome.
	ClientRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfbridge_client_runs_total",
			Help: "Number of client test runs, by outcome.",
		},
		[]string{"outcome"},
	)

	// CancelRequests counts cancellation requests, by whether an active run
	// was found.
	CancelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfbridge_cancel_requests_total",
			Help: "Number of client cancellation requests.",
		},
		[]string{"outcome"},
	)

	// ProgressIntervals counts the progress notifications delivered to
	// callers.
	ProgressIntervals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perfbridge_progress_intervals_total",
			Help: "Number of interval progress notifications emitted.",
		},
	)

	// ServerTests counts tests handled by the engine server, by result.
	ServerTests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfbridge_server_tests_total",
			Help: "Number of tests handled by the server, by result.",
		},
		[]string{"protocol", "result"},
	)

	// ServerRunning is 1 while a server session is registered.
	ServerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perfbridge_server_running",
			Help: "Whether a server session is currently running.",
		},
	)
)
