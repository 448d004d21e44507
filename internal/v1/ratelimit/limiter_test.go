package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messagegateway/gateway/internal/v1/auth"
	"github.com/messagegateway/gateway/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitPush:      "5-M",
		RateLimitBroadcast: "3-M",
		RateLimitNotify:    "5-M",
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestNewFallsBackToMemoryStoreWithoutRedis(t *testing.T) {
	rl, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, rl)
	assert.Nil(t, rl.redisClient)
}

func TestMiddlewareForEndpointLimitsByIP(t *testing.T) {
	rl, err := New(testConfig(), nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/broadcast", rl.MiddlewareForEndpoint("broadcast"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, "/broadcast", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "3", resp.Header().Get("X-RateLimit-Limit"))
	}

	req, _ := http.NewRequest(http.MethodPost, "/broadcast", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestMiddlewareForEndpointLimitsByAuthenticatedUser(t *testing.T) {
	rl, err := New(testConfig(), nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token != "" {
			claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}
			c.Set("claims", claims)
		}
		c.Next()
	})
	r.POST("/push", rl.MiddlewareForEndpoint("push"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	signed := signToken(t, "user-1")
	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest(http.MethodPost, "/push", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	req, _ := http.NewRequest(http.MethodPost, "/push", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestCheckWebSocketConnectLimitsByIP(t *testing.T) {
	rl, err := New(testConfig(), nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request, _ = http.NewRequest(http.MethodGet, "/ws", nil)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.CheckWebSocketConnect(c))
	}
	assert.False(t, rl.CheckWebSocketConnect(c))
}
