package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values
const (
	StatusSuccess  = "success"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Segment load sources
const (
	SourceHint   = "hint"
	SourceReplay = "replay"
)

// RecordStorageOperation records a store operation
func (r *Registry) RecordStorageOperation(operation, status string, duration time.Duration) {
	r.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	r.StorageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetStorageShape publishes the current size of the segment set
func (r *Registry) SetStorageShape(segments, frozen, indexedKeys int, bytes int64) {
	r.StorageSegments.Set(float64(segments))
	r.StorageFrozenSegments.Set(float64(frozen))
	r.StorageIndexedKeys.Set(float64(indexedKeys))
	r.StorageBytes.Set(float64(bytes))
}

// RecordAppend counts bytes appended to the writable segment
func (r *Registry) RecordAppend(bytes int) {
	r.StorageBytesWritten.Add(float64(bytes))
}

// RecordRotation counts a segment rotation
func (r *Registry) RecordRotation() {
	r.StorageRotationsTotal.Inc()
}

// RecordSegmentLoad counts a segment loaded at startup from the given source
func (r *Registry) RecordSegmentLoad(source string) {
	r.StorageSegmentLoads.WithLabelValues(source).Inc()
}

// RecordHintWrite counts a hint file write attempt
func (r *Registry) RecordHintWrite(status string) {
	r.StorageHintWritesTotal.WithLabelValues(status).Inc()
}

// SetStartupDuration records how long opening the store took
func (r *Registry) SetStartupDuration(d time.Duration) {
	r.StorageStartupSeconds.Set(d.Seconds())
}

// RecordArchiveUpload counts an upload attempt and, on success, its size
func (r *Registry) RecordArchiveUpload(status string, bytes int64) {
	r.ArchiveUploadsTotal.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		r.ArchiveUploadBytes.Add(float64(bytes))
	}
}

// ConnectionOpened tracks a newly accepted protocol connection
func (r *Registry) ConnectionOpened() {
	r.ServerConnectionsTotal.Inc()
	r.ServerConnectionsActive.Inc()
}

// ConnectionClosed tracks a protocol connection going away
func (r *Registry) ConnectionClosed() {
	r.ServerConnectionsActive.Dec()
}

// RecordCommand records one handled protocol command
func (r *Registry) RecordCommand(command, status string, duration time.Duration) {
	r.ServerCommandsTotal.WithLabelValues(command, status).Inc()
	r.ServerCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordProtocolError counts a line that failed before reaching the store
func (r *Registry) RecordProtocolError(reason string) {
	r.ServerProtocolErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records an admin HTTP request with its duration
func (r *Registry) RecordHTTPRequest(path string, status int, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// UpdateSystemMetrics samples uptime and Go runtime statistics
func (r *Registry) UpdateSystemMetrics() {
	r.UptimeSeconds.Set(time.Since(r.startTime).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.MemoryAllocBytes.Set(float64(m.Alloc))
	r.MemorySysBytes.Set(float64(m.Sys))
}

// RunSystemCollector samples system metrics every interval until ctx is done
func (r *Registry) RunSystemCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.UpdateSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.UpdateSystemMetrics()
		}
	}
}

// Handler exposes the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// InstrumentHandler wraps an admin endpoint so its requests are counted
// under the given path label
func (r *Registry) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, req)
		r.RecordHTTPRequest(path, wrapper.statusCode, time.Since(start))
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
