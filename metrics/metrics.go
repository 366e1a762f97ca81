// Package metrics defines the prometheus metrics exported by the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for general use across sessions, pipes and the policy engine.
var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_active_sessions",
			Help: "A gauge of client sessions currently relayed by the proxy.",
		},
	)
	SessionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_sessions_total",
			Help: "Number of client sessions accepted, by how they ended.",
		},
		[]string{"result"},
	)
	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "proxy_session_duration_seconds",
			Help: "How long relayed sessions last.",
			Buckets: []float64{
				.01, .1, .25, .5,
				1, 2.5, 5, 10, 25, 60,
				120, 300, 600, 1800, 3600},
		},
	)
	RelayedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_relayed_bytes_total",
			Help: "Number of payload bytes forwarded, by direction.",
		},
		[]string{"direction"},
	)
	CaptureErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_capture_errors_total",
			Help: "Number of capture file operations that failed, by direction.",
		},
		[]string{"direction"},
	)
	ProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_rtt_probe_failures_total",
			Help: "Number of RTT probes that did not complete a round trip.",
		},
	)
	PolicyTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_policy_transitions_total",
			Help: "Number of times the adaptive policy switched into each tier.",
		},
		[]string{"tier"},
	)
	AccessRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_access_requests_total",
			Help: "Total number of clients handled by the access txcontroller.",
		},
		[]string{"request"},
	)
	CongestionChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_congestion_changes_total",
			Help: "Number of congestion control changes attempted, by algorithm and result.",
		},
		[]string{"algorithm", "result"},
	)
)
