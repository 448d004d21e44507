// Package health exposes liveness and readiness probes for the gateway
// process, generalized from the teacher's Redis+SFU checks to the shared
// bus and the outbound backend client.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// BusChecker is the subset of bus.Service the handler needs.
type BusChecker interface {
	Healthy(ctx context.Context) bool
}

// BackendChecker is the subset of backend.Client the handler needs.
type BackendChecker interface {
	Healthy() bool
}

// Handler manages the /health/live and /health/ready endpoints.
type Handler struct {
	bus     BusChecker
	backend BackendChecker
}

// NewHandler builds a Handler. Either dependency may be nil, in which case
// its check is reported healthy (single-instance mode / no backend
// configured, matching the teacher's "nil redisService is healthy" rule).
func NewHandler(bus BusChecker, backend BackendChecker) *Handler {
	return &Handler{bus: bus, backend: backend}
}

// LivenessResponse is the liveness probe body: no dependency checks, just
// confirmation the process is up.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body: per-dependency status plus
// an aggregate verdict.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 as long as the process can handle a request at all.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only when every configured dependency is healthy,
// 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	busStatus := h.checkBus(ctx)
	checks["bus"] = busStatus
	if busStatus != "healthy" {
		allHealthy = false
	}

	backendStatus := h.checkBackend()
	checks["backend"] = backendStatus
	if backendStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}
	if !h.bus.Healthy(ctx) {
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBackend() string {
	if h.backend == nil {
		return "healthy"
	}
	if !h.backend.Healthy() {
		return "unhealthy"
	}
	return "healthy"
}
