// Package metrics declares the gateway's Prometheus instrumentation.
//
// Naming convention: namespace_subsystem_name
//   - namespace: gateway (application-level grouping)
//   - subsystem: connection, room, dispatch, circuit_breaker, backend,
//     rate_limit, store, load, batch
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Current number of active socket connections on this instance",
	})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "connection",
		Name:      "total",
		Help:      "Total connections accepted, by outcome",
	}, []string{"outcome"})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of rooms with at least one member (plus persistent system rooms)",
	})

	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "room",
		Name:      "members",
		Help:      "Number of members in each room",
	}, []string{"room"})

	DispatchedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "dispatch",
		Name:      "events_total",
		Help:      "Total inbound socket events dispatched, by event name and outcome",
	}, []string{"event", "outcome"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Time spent handling an inbound socket event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0: closed, 1: open, 2: half-open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total calls rejected by a circuit breaker while open",
	}, []string{"service"})

	BackendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Total backend HTTP requests, by outcome",
	}, []string{"outcome"})

	BackendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "backend",
		Name:      "retries_total",
		Help:      "Total backend request retry attempts",
	})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded a rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against a rate limiter",
	}, []string{"endpoint"})

	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total shared-store operations, by operation and status",
	}, []string{"operation", "status"})

	LoadLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "load",
		Name:      "level",
		Help:      "Current load level (0: normal, 1: elevated, 2: high, 3: critical)",
	})

	ThrottlingActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "load",
		Name:      "throttling_active",
		Help:      "Whether a throttling mode is currently active (1) or not (0)",
	}, []string{"mode"})

	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "batch",
		Name:      "flushed_total",
		Help:      "Total batches flushed, by trigger reason",
	}, []string{"reason"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "batch",
		Name:      "size",
		Help:      "Number of messages in a flushed batch",
		Buckets:   prometheus.LinearBuckets(1, 5, 10),
	})
)
