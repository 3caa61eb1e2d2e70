package httpapi

import "net/http"

// HealthHandler serves the unauthenticated liveness and readiness probes.
type HealthHandler struct {
	apiToken       string
	gatewayBaseURL string
}

// NewHealthHandler creates the handler. Readiness requires the API token
// and the gateway base URL to be configured.
func NewHealthHandler(apiToken, gatewayBaseURL string) *HealthHandler {
	return &HealthHandler{apiToken: apiToken, gatewayBaseURL: gatewayBaseURL}
}

// RegisterRoutes registers the health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health/live", h.handleLive)
	mux.HandleFunc("GET /v1/health/ready", h.handleReady)
}

func (h *HealthHandler) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) handleReady(w http.ResponseWriter, _ *http.Request) {
	var missing []string
	if h.apiToken == "" {
		missing = append(missing, "CORE_API_TOKEN")
	}
	if h.gatewayBaseURL == "" {
		missing = append(missing, "CORE_GATEWAY_BASE_URL")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"missing": missing,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
