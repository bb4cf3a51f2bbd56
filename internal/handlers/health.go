package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evanigwilo/meet-up-sub001/internal/monitoring"
)

// HealthHandler exposes liveness and readiness probes.
type HealthHandler struct {
	health *monitoring.HealthManager
}

func NewHealthHandler(health *monitoring.HealthManager) *HealthHandler {
	return &HealthHandler{health: health}
}

// Liveness answers as long as the process can serve HTTP.
func (h *HealthHandler) Liveness(c *gin.Context) {
	writeHealth(c, h.health.EvaluateLiveness(requestContext(c)))
}

// Readiness probes the database, redis and the connection manager.
func (h *HealthHandler) Readiness(c *gin.Context) {
	writeHealth(c, h.health.EvaluateReadiness(requestContext(c)))
}

func writeHealth(c *gin.Context, report monitoring.HealthReport) {
	status := http.StatusOK
	if report.Status == monitoring.StatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": report.Success, "data": report})
}
