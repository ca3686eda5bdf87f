package server

import (
	"encoding/json"
	"net/http"

	"github.com/dd0wney/cluso-segkv/pkg/health"
	"github.com/dd0wney/cluso-segkv/pkg/logging"
	"github.com/dd0wney/cluso-segkv/pkg/metrics"
)

// AdminRoutes are the collaborators behind the admin HTTP endpoints. Nil
// fields disable their routes.
type AdminRoutes struct {
	Metrics *metrics.Registry
	Health  *health.HealthChecker
	// Stats returns a JSON-serializable snapshot for /stats.
	Stats func() any
}

// NewAdminServer builds the admin HTTP server:
//
//	GET  /metrics       Prometheus exposition
//	GET  /health        all checks
//	GET  /health/ready  readiness checks
//	GET  /health/live   liveness checks
//	GET  /stats         store statistics
//	POST /reload        run the configuration reload hook
func NewAdminServer(addr string, routes AdminRoutes, logger logging.Logger) *GracefulServer {
	mux := http.NewServeMux()
	gs := NewGracefulServer(addr, mux, logger)

	handle := func(pattern, label string, h http.Handler) {
		if routes.Metrics != nil {
			h = routes.Metrics.InstrumentHandler(label, h)
		}
		mux.Handle(pattern, h)
	}

	if routes.Metrics != nil {
		handle("GET /metrics", "/metrics", routes.Metrics.Handler())
	}
	if routes.Health != nil {
		handle("GET /health", "/health", routes.Health.HTTPHandler())
		handle("GET /health/ready", "/health/ready", routes.Health.ReadinessHandler())
		handle("GET /health/live", "/health/live", routes.Health.LivenessHandler())
	}
	if routes.Stats != nil {
		handle("GET /stats", "/stats", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, routes.Stats())
		}))
	}
	handle("POST /reload", "/reload", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := gs.ReloadConfig(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}))

	return gs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
