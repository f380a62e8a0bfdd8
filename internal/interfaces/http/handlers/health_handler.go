package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/tap/pkg/logger"
)

// HealthProbe is one named dependency check.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	probes []HealthProbe
	logger logger.Logger
}

// NewHealthHandler creates the handler over the given dependency probes.
func NewHealthHandler(probes []HealthProbe, log logger.Logger) *HealthHandler {
	return &HealthHandler{
		probes: probes,
		logger: log.WithComponent("health_handler"),
	}
}

// Liveness handles GET /live: the process is up.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness handles GET /health: every dependency must answer.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for _, probe := range h.probes {
		if err := probe.Check(ctx); err != nil {
			h.logger.Error(ctx, "dependency check failed", err,
				logger.String("dependency", probe.Name),
			)
			checks[probe.Name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[probe.Name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
