package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fireframe_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// DatabaseErrors counts table operation failures.
	DatabaseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fireframe_database_errors_total",
		Help: "Total number of failed table operations",
	}, []string{"operation", "table"})

	// FeedEvents counts change events published and delivered.
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fireframe_feed_events_total",
		Help: "Total change-feed events by table, type and stage",
	}, []string{"table", "event", "stage"})

	// StorageUploads counts object uploads by bucket and result.
	StorageUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fireframe_storage_uploads_total",
		Help: "Total object uploads by bucket and result",
	}, []string{"bucket", "result"})

	// AuthEvents counts authentication outcomes.
	AuthEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fireframe_auth_events_total",
		Help: "Total authentication events by type",
	}, []string{"event"})

	// WebSocketConnections is the gauge of open feed connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fireframe_websocket_connections",
		Help: "Number of open WebSocket feed connections",
	})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fireframe_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})
)
