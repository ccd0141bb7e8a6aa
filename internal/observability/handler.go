package observability

import (
	"encoding/json"
	"net/http"
	"strings"
)

// MetricsHandler exposes the registry in Prometheus text exposition
// format.
func MetricsHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		reg.WritePrometheus(&b)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	}
}

// LivenessHandler reports whether the process itself is still viable
// (critical checks only); a failure here should trigger a restart.
func LivenessHandler(h *HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, h.Liveness(r.Context()))
	}
}

// ReadinessHandler reports whether the process should receive traffic
// (every registered check); a degraded non-critical dependency still
// returns 200 so the process stays in rotation while serving what it can.
func ReadinessHandler(h *HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, h.Readiness(r.Context()))
	}
}

func writeReport(w http.ResponseWriter, report *Report) {
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
