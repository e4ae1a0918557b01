package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for collabmesh.
// Using promauto for automatic registration with default registry.
var (
	// --- Channel Metrics ---

	// ChannelTransitions counts status transitions per channel kind.
	ChannelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "channel",
			Name:      "transitions_total",
			Help:      "Total number of channel status transitions",
		},
		[]string{"kind", "status"},
	)

	// MeshFallbacks counts mesh channels dropped by the hybrid watchdog.
	MeshFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "channel",
			Name:      "mesh_fallbacks_total",
			Help:      "Total number of mesh channels disabled after sustained failure",
		},
	)

	// --- Coordinator Metrics ---

	// SnapshotPublications counts snapshots published to subscribers.
	SnapshotPublications = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "coordinator",
			Name:      "snapshots_total",
			Help:      "Total number of coordinator snapshots published",
		},
	)

	// CoordinatorStatus is 1 for the current aggregate status, 0 otherwise.
	CoordinatorStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "collabmesh",
			Subsystem: "coordinator",
			Name:      "status",
			Help:      "Current aggregate coordinator status",
		},
		[]string{"status"},
	)

	// --- Relay Metrics ---

	// ActiveRooms tracks rooms loaded in memory.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collabmesh",
			Subsystem: "relay",
			Name:      "active_rooms",
			Help:      "Number of rooms currently loaded",
		},
	)

	// ConnectedClients tracks open relay websockets.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collabmesh",
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Number of connected relay clients",
		},
	)

	// RelayedMessages counts frames fanned out to other clients by type.
	RelayedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Total number of frames relayed",
		},
		[]string{"type"},
	)

	// DocumentStores counts document persistence attempts by result.
	DocumentStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "relay",
			Name:      "document_stores_total",
			Help:      "Total number of document store attempts",
		},
		[]string{"result"},
	)

	// SnapshotsArchived counts room snapshots written to the archive.
	SnapshotsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "archiver",
			Name:      "snapshots_total",
			Help:      "Total number of room snapshots archived",
		},
	)

	// ArchiveRuns counts archiver cycles.
	ArchiveRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "archiver",
			Name:      "runs_total",
			Help:      "Total number of archiver cycles",
		},
	)

	// SignalingTopics tracks active signaling topics.
	SignalingTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collabmesh",
			Subsystem: "signaling",
			Name:      "topics",
			Help:      "Number of signaling topics with subscribers",
		},
	)

	// BrokerMessages counts cross-instance fan-out messages by direction.
	BrokerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Total number of broker messages",
		},
		[]string{"direction"},
	)

	// NodeHeartbeats counts node registrations by result.
	NodeHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "cluster",
			Name:      "heartbeats_total",
			Help:      "Total number of node registration heartbeats",
		},
		[]string{"result"},
	)

	// --- HTTP Metrics ---

	// HTTPRequests counts finished API requests by route template.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPLatency tracks API request latency. Websocket sessions are excluded.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "collabmesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// HTTPInFlight tracks API requests being served.
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "collabmesh",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// WebsocketUpgrades counts websocket sessions by route and outcome.
	WebsocketUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "collabmesh",
			Subsystem: "http",
			Name:      "websocket_sessions_total",
			Help:      "Total number of websocket upgrade requests",
		},
		[]string{"route", "status"},
	)

	// BreakerState reports the document store circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "collabmesh",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state",
		},
		[]string{"name"},
	)
)

var coordinatorStatuses = []string{"idle", "connecting", "connected", "disconnected", "error"}

// RecordChannelTransition records one channel status change.
func RecordChannelTransition(kind, status string) {
	ChannelTransitions.WithLabelValues(kind, status).Inc()
}

// RecordSnapshot records a published coordinator snapshot.
func RecordSnapshot(status string) {
	SnapshotPublications.Inc()
	for _, s := range coordinatorStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		CoordinatorStatus.WithLabelValues(s).Set(v)
	}
}

// RecordHTTPRequest records one finished API request.
func RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordWebsocketSession records a websocket upgrade once the session ends.
func RecordWebsocketSession(route string, status int) {
	WebsocketUpgrades.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
