package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SnapshotsApplied counts snapshots folded into a reducer.
	SnapshotsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "sync",
			Name:      "snapshots_applied_total",
			Help:      "Total snapshots applied by reducers",
		},
		[]string{"reducer"},
	)

	// MalformedRecords counts records skipped during reconciliation.
	MalformedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "sync",
			Name:      "malformed_records_total",
			Help:      "Total malformed records skipped by reducers",
		},
		[]string{"reducer"},
	)

	// StoreOperations counts replica operations by outcome.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "replica",
			Name:      "operations_total",
			Help:      "Total replica store operations",
		},
		[]string{"op", "status"},
	)

	// ActiveSubscriptions tracks live replica subscriptions.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pairchat",
			Subsystem: "replica",
			Name:      "active_subscriptions",
			Help:      "Number of live replica subscriptions",
		},
	)

	// SnapshotsDelivered counts snapshots pushed to subscribers.
	SnapshotsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "replica",
			Name:      "snapshots_delivered_total",
			Help:      "Total snapshots pushed to subscribers",
		},
	)

	// FramesTotal counts protocol frames by direction and type.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "network",
			Name:      "frames_total",
			Help:      "Total protocol frames",
		},
		[]string{"direction", "type"},
	)

	// MediaIngested counts media uploads by kind and outcome.
	MediaIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "media",
			Name:      "ingested_total",
			Help:      "Total media uploads",
		},
		[]string{"kind", "status"},
	)

	// MediaBytes counts stored media bytes by kind.
	MediaBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "media",
			Name:      "bytes_total",
			Help:      "Total media bytes stored",
		},
		[]string{"kind"},
	)

	// AuthAttempts counts auth operations by outcome.
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total auth operations",
		},
		[]string{"op", "outcome"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordStoreOperation records a replica operation outcome.
func RecordStoreOperation(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreOperations.WithLabelValues(op, status).Inc()
}

// RecordSnapshot records one reducer pass and its skipped records.
func RecordSnapshot(reducer string, malformed int) {
	SnapshotsApplied.WithLabelValues(reducer).Inc()
	if malformed > 0 {
		MalformedRecords.WithLabelValues(reducer).Add(float64(malformed))
	}
}

// RecordFrame records one protocol frame.
func RecordFrame(direction, messageType string) {
	FramesTotal.WithLabelValues(direction, messageType).Inc()
}

// RecordMedia records a media upload.
func RecordMedia(kind, status string, bytes int64) {
	MediaIngested.WithLabelValues(kind, status).Inc()
	if status == "success" {
		MediaBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordAuth records an auth outcome.
func RecordAuth(op, outcome string) {
	AuthAttempts.WithLabelValues(op, outcome).Inc()
}
