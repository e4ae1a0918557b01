package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"collabmesh/pkg/resilience"
)

const healthCheckTimeout = 2 * time.Second

// healthCheck handles GET /health. Any failing dependency, or an open
// document store breaker, reports the relay as degraded.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy := true
	deps := make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	body := gin.H{
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
		"goroutines":   runtime.NumGoroutine(),
	}

	if s.hub != nil {
		stats := s.hub.Breaker().Stats()
		body["node"] = s.hub.NodeID()
		body["breaker"] = stats
		body["rooms"] = len(s.hub.Rooms())
		if stats.State == resilience.CircuitOpen.String() {
			healthy = false
		}
	}

	if v, err := mem.VirtualMemory(); err == nil {
		body["memory"] = gin.H{
			"totalMB":     v.Total / 1024 / 1024,
			"usedPercent": v.UsedPercent,
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body["status"] = status
	c.JSON(code, body)
}
