package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func runLimited(h gin.HandlerFunc, path, ip string) bool {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", path, nil)
	c.Request.RemoteAddr = ip + ":1234"
	h(c)
	return c.IsAborted()
}

func TestRateLimitBlocksBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := RateLimit(0.001, 2)
	require.False(t, runLimited(h, "/api/v1/ingest", "10.0.0.1"))
	require.False(t, runLimited(h, "/api/v1/ingest", "10.0.0.1"))
	require.True(t, runLimited(h, "/api/v1/ingest", "10.0.0.1"))
}

func TestRateLimitKeysByClientAndPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := RateLimit(0.001, 1)
	require.False(t, runLimited(h, "/api/v1/ingest", "10.0.0.1"))
	require.False(t, runLimited(h, "/api/v1/ingest", "10.0.0.2"))
	require.False(t, runLimited(h, "/api/v1/search", "10.0.0.1"))
	require.True(t, runLimited(h, "/api/v1/search", "10.0.0.1"))
}

func TestRateLimitDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := RateLimit(0, 0)
	for i := 0; i < 10; i++ {
		require.False(t, runLimited(h, "/api/v1/ingest", "10.0.0.1"))
	}
}
