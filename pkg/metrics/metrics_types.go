package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "segkv"

// Registry holds all metrics for the application
type Registry struct {
	// Storage Metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageSegments          prometheus.Gauge
	StorageFrozenSegments    prometheus.Gauge
	StorageIndexedKeys       prometheus.Gauge
	StorageBytes             prometheus.Gauge
	StorageBytesWritten      prometheus.Counter
	StorageRotationsTotal    prometheus.Counter
	StorageSegmentLoads      *prometheus.CounterVec
	StorageHintWritesTotal   *prometheus.CounterVec
	StorageStartupSeconds    prometheus.Gauge

	// Archive Metrics
	ArchiveUploadsTotal *prometheus.CounterVec
	ArchiveUploadBytes  prometheus.Counter

	// Protocol Server Metrics
	ServerConnectionsActive   prometheus.Gauge
	ServerConnectionsTotal    prometheus.Counter
	ServerCommandsTotal       *prometheus.CounterVec
	ServerCommandDuration     *prometheus.HistogramVec
	ServerProtocolErrorsTotal *prometheus.CounterVec

	// Admin HTTP Metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry  *prometheus.Registry
	startTime time.Time
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized.
// Each registry owns its own prometheus.Registry, so tests can create as
// many as they like.
func NewRegistry() *Registry {
	r := &Registry{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	r.initStorageMetrics()
	r.initServerMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
