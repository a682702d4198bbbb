package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the LockFrame routing server.
//
// Naming convention: namespace_subsystem_name
// - namespace: lockframe
// - subsystem: session, room, rate_limit, bus, redis (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (frames processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveSessions tracks the current number of active transport sessions
	// (one per connected sender; Gauge - current state)
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockframe",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active sessions",
	})

	// ActiveRooms tracks the current number of rooms with at least one member (Gauge)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockframe",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room (GaugeVec with room_id label)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lockframe",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// FramesProcessed tracks the total number of frames the driver has
	// dispatched to the room manager, by opcode and outcome (CounterVec)
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockframe",
		Subsystem: "session",
		Name:      "frames_total",
		Help:      "Total frames processed",
	}, []string{"opcode", "status"})

	// FrameProcessingDuration tracks the time spent processing a frame end
	// to end (HistogramVec - latency distribution)
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lockframe",
		Subsystem: "session",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing a frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"opcode"})

	// TransportAcceptAttempts tracks the total number of QUIC connection
	// attempts (CounterVec)
	TransportAcceptAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockframe",
		Subsystem: "transport",
		Name:      "accept_attempts_total",
		Help:      "Total transport accept attempts",
	}, []string{"status"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lockframe",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockframe",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of checks that exceeded their rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockframe",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of checks that exceeded the rate limit",
	}, []string{"kind", "reason"})

	// RateLimitRequests tracks the total number of checks made against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockframe",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of checks made against the rate limiter",
	}, []string{"kind"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockframe",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lockframe",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
