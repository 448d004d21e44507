package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/messagegateway/gateway/internal/v1/health"
	"github.com/messagegateway/gateway/internal/v1/middleware"
	"github.com/messagegateway/gateway/internal/v1/ratelimit"
)

// WebSocketHandler is the subset of gateway.Hub the router needs to mount
// the upgrade endpoint.
type WebSocketHandler interface {
	ServeWs(c *gin.Context)
}

// RouterConfig bundles every collaborator NewRouter wires onto the gin
// engine.
type RouterConfig struct {
	AllowedOrigins []string
	Hub            WebSocketHandler
	Push           Pusher
	Limiter        *ratelimit.RateLimiter
	Health         *health.Handler

	// ServiceName, when set, enables otelgin request-span middleware
	// tagged with this service name. Left empty, no tracing middleware
	// is installed.
	ServiceName string
}

// NewRouter builds the gateway's gin engine: CORS, recovery, correlation
// ID, the websocket upgrade endpoint, the push API surface, and the
// observability endpoints, mirroring the teacher's cmd/main.go wiring
// shape.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/ws", func(c *gin.Context) {
		if cfg.Limiter != nil && !cfg.Limiter.CheckWebSocketConnect(c) {
			return
		}
		cfg.Hub.ServeWs(c)
	})

	if cfg.Health != nil {
		router.GET("/health/live", cfg.Health.Liveness)
		router.GET("/health/ready", cfg.Health.Readiness)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.Push != nil {
		h := NewHandlers(cfg.Push)

		pushGroup := router.Group("")
		if cfg.Limiter != nil {
			pushGroup.Use(cfg.Limiter.MiddlewareForEndpoint("push"))
		}
		pushGroup.POST("/push", h.Push)
		pushGroup.POST("/push/users", h.PushUsers)

		broadcastGroup := router.Group("")
		if cfg.Limiter != nil {
			broadcastGroup.Use(cfg.Limiter.MiddlewareForEndpoint("broadcast"))
		}
		broadcastGroup.POST("/broadcast", h.Broadcast)
		broadcastGroup.POST("/broadcast/all", h.BroadcastAll)

		notifyGroup := router.Group("")
		if cfg.Limiter != nil {
			notifyGroup.Use(cfg.Limiter.MiddlewareForEndpoint("notify"))
		}
		notifyGroup.POST("/notify", h.Notify)
	}

	return router
}
