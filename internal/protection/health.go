package protection

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// componentHealth is one component's status in the health report.
type componentHealth struct {
	Status string         `json:"status"` // healthy, degraded, disabled
	Detail map[string]any `json:"detail,omitempty"`
}

// HealthHandler reports per-component state at /health/protection.
// No configuration secrets are included.
func (co *Coordinator) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		components := map[string]componentHealth{}

		storeHealth := componentHealth{Status: "healthy"}
		if err := co.store.Ping(ctx); err != nil {
			storeHealth.Status = "degraded"
			if co.settings.FailOpen {
				storeHealth.Detail = map[string]any{"mode": "fail_open"}
			} else {
				storeHealth.Detail = map[string]any{"mode": "fail_closed"}
			}
		}
		components["store"] = storeHealth

		components["behavior_analyzer"] = toggleHealth(co.settings.Behavior.Enabled, map[string]any{
			"active_profiles": co.analyzer.ProfileCount(),
		})

		anomalyDetail := map[string]any{"trained": co.detector.Trained()}
		if acc, ok := co.detector.Accuracy(); ok {
			anomalyDetail["feedback_accuracy"] = acc
		}
		components["anomaly_detector"] = toggleHealth(co.settings.Anomaly.Enabled, anomalyDetail)

		components["reputation_engine"] = toggleHealth(co.settings.Reputation.Enabled, nil)

		breakerDetail := map[string]any{}
		for ep, state := range co.breakers.States() {
			breakerDetail[ep] = string(state)
		}
		components["circuit_breakers"] = toggleHealth(co.settings.Breakers.Enabled, breakerDetail)

		components["timeout_manager"] = componentHealth{
			Status: "healthy",
			Detail: map[string]any{
				"active_operations":   co.timeouts.ActiveCount(),
				"emergency_shutdowns": co.timeouts.EmergencyShutdowns(),
			},
		}

		status := "healthy"
		if storeHealth.Status == "degraded" {
			status = "degraded"
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":       status,
			"health_score": co.HealthScore(),
			"enabled":      co.settings.Enabled,
			"components":   components,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// MetricsHandler reports counters at /health/protection/metrics; the
// Prometheus endpoint remains the full-fidelity surface.
func (co *Coordinator) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"requests_total":   co.requests.Load(),
			"inflight":         co.inflight.Load(),
			"health_score":     co.HealthScore(),
			"operation_stats":  co.timeouts.StatsSnapshot(),
			"breaker_states":   co.breakers.States(),
			"active_profiles":  co.analyzer.ProfileCount(),
			"anomaly_trained":  co.detector.Trained(),
			"timestamp":        time.Now().UTC().Format(time.RFC3339),
		})
	})
}

func toggleHealth(enabled bool, detail map[string]any) componentHealth {
	if !enabled {
		return componentHealth{Status: "disabled"}
	}
	return componentHealth{Status: "healthy", Detail: detail}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

