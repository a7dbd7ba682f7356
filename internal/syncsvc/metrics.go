package syncsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationTotal counts sync operations by operation and result.
	operationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbl_bridge_sync_operations_total",
		Help: "Sync operations by operation and result",
	}, []string{"operation", "result"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tbl_bridge_sync_operation_duration_seconds",
		Help:    "Sync operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"operation"})

	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbl_bridge_events_delivered_total",
		Help: "Bridge events delivered to subscribers by kind",
	}, []string{"kind"})

	subscriberFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tbl_bridge_subscriber_failures_total",
		Help: "Subscriber errors and panics by subscriber",
	}, []string{"subscriber"})

	storageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tbl_bridge_snapshot_failures_total",
		Help: "Snapshot load and save failures",
	})

	registryRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tbl_bridge_registry_records",
		Help: "Records currently held by the bridge registry",
	})
)
