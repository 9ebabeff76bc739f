// Package metrics exposes the pipeline's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convoflow"

var (
	// MessagesIngested counts inbound messages by outcome: new_group, joined or duplicate.
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Inbound messages handled by the grouping buffer",
		},
		[]string{"result"},
	)

	GroupsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "groups_claimed_total",
			Help:      "Message groups claimed for delivery",
		},
	)

	// ClaimConflicts counts claims lost to another worker.
	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to a concurrent worker",
		},
	)

	GroupsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "groups_dispatched_total",
			Help:      "Message groups delivered to the responder",
		},
	)

	// GroupFailures counts failed deliveries; outcome is retry or failed.
	GroupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "group_failures_total",
			Help:      "Failed group deliveries",
		},
		[]string{"outcome"},
	)

	GroupsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "groups_released_total",
			Help:      "Expired group leases returned to open",
		},
	)

	// TurnLatency measures the time from the last message of a group to its delivery.
	TurnLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "turn_latency_seconds",
			Help:      "Time between the last member of a group and its delivery",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	ExecutionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "executions_enqueued_total",
			Help:      "Flow executions created by trigger sweeps",
		},
		[]string{"trigger"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one trigger sweep",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ExecutionsFinished counts executions reaching completed, halted or failed.
	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_finished_total",
			Help:      "Flow executions that reached a terminal state",
		},
		[]string{"status"},
	)

	StepsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Flow steps executed by kind",
		},
		[]string{"kind"},
	)

	// Deliveries counts outbound calls by target (responder, sender, generator) and outcome.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by target and outcome",
		},
		[]string{"target", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Delivery call duration including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"target"},
	)

	// BreakerState reports the sender circuit breaker: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	WorkerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_errors_total",
			Help:      "Errors logged by background workers",
		},
		[]string{"worker"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
