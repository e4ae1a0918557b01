package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"collabmesh/pkg/metrics"
)

// RequestMetrics feeds the HTTP families in pkg/metrics. Unmatched paths share
// one label so room names never become label values.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		if isUpgrade(c) {
			c.Next()
			metrics.RecordWebsocketSession(route, c.Writer.Status())
			return
		}

		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func isUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}
