package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initServerMetrics() {
	factory := promauto.With(r.registry)

	r.ServerConnectionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connections_active",
			Help:      "Currently open protocol connections",
		},
	)

	r.ServerConnectionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_connections_total",
			Help:      "Protocol connections accepted",
		},
	)

	r.ServerCommandsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_commands_total",
			Help:      "Commands handled, by command and outcome",
		},
		[]string{"command", "status"},
	)

	r.ServerCommandDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_command_duration_seconds",
			Help:      "Time from a parsed command to its reply being written",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"command"},
	)

	r.ServerProtocolErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_protocol_errors_total",
			Help:      "Lines that could not be handled, by reason",
		},
		[]string{"reason"},
	)

	r.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_http_requests_total",
			Help:      "Requests served by the admin HTTP endpoint",
		},
		[]string{"path", "status"},
	)

	r.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_http_request_duration_seconds",
			Help:      "Admin HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path"},
	)
}
