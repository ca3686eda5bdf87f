package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStorageMetrics() {
	factory := promauto.With(r.registry)

	r.StorageOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	r.StorageOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"operation"},
	)

	r.StorageSegments = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_segments",
			Help:      "Number of segment files in the set",
		},
	)

	r.StorageFrozenSegments = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_frozen_segments",
			Help:      "Number of segments sealed by rotation",
		},
	)

	r.StorageIndexedKeys = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_indexed_keys",
			Help:      "Sum of index sizes across segments; a key present in several segments counts once per segment",
		},
	)

	r.StorageBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_bytes",
			Help:      "Total size of all segment files in bytes",
		},
	)

	r.StorageBytesWritten = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_bytes_written_total",
			Help:      "Bytes appended to segment files",
		},
	)

	r.StorageRotationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_rotations_total",
			Help:      "Number of segment rotations",
		},
	)

	r.StorageSegmentLoads = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_segment_loads_total",
			Help:      "Segments loaded at startup, by index source",
		},
		[]string{"source"},
	)

	r.StorageHintWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_hint_writes_total",
			Help:      "Hint files written for frozen segments",
		},
		[]string{"status"},
	)

	r.StorageStartupSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_startup_seconds",
			Help:      "Time spent loading segments when the store was opened",
		},
	)

	r.ArchiveUploadsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Frozen segment uploads to object storage",
		},
		[]string{"status"},
	)

	r.ArchiveUploadBytes = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_upload_bytes_total",
			Help:      "Bytes uploaded to object storage",
		},
	)
}
