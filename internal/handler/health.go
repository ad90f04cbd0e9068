package handler

import (
	"net/http"

	"github.com/patentdraft-ai/addin-core/internal/bus"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	busClient *bus.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(busClient *bus.Client) *HealthHandler {
	return &HealthHandler{busClient: busClient}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.busClient == nil || !h.busClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
