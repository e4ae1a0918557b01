package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "collabmesh/pkg/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w.Body.String()
}

func TestRequestMetrics_LabelsByRouteTemplate(t *testing.T) {
	router := gin.New()
	router.Use(RequestMetrics())
	router.GET("/rooms/:room", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/collab", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rooms/secret-room", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	req := httptest.NewRequest(http.MethodGet, "/collab", nil)
	req.Header.Set("Upgrade", "websocket")
	router.ServeHTTP(httptest.NewRecorder(), req)

	body := scrape(t)
	for _, want := range []string{
		`collabmesh_http_requests_total{method="GET",route="/rooms/:room",status="200"}`,
		`collabmesh_http_requests_total{method="GET",route="unmatched",status="404"}`,
		`collabmesh_http_websocket_sessions_total{route="/collab",status="400"}`,
		`collabmesh_http_request_duration_seconds_count{method="GET",route="/rooms/:room"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected scrape to contain %s", want)
		}
	}
	if strings.Contains(body, "secret-room") {
		t.Error("room names must not become label values")
	}
	if strings.Contains(body, `collabmesh_http_request_duration_seconds_count{method="GET",route="/collab"}`) {
		t.Error("websocket sessions must stay out of the latency histogram")
	}
}
