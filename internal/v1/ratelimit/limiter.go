// Package ratelimit enforces per-endpoint request limits using a Redis or
// in-memory token bucket store, keyed by authenticated user when available
// and by client IP otherwise.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/messagegateway/gateway/internal/v1/auth"
	"github.com/messagegateway/gateway/internal/v1/config"
	"github.com/messagegateway/gateway/internal/v1/logging"
	"github.com/messagegateway/gateway/internal/v1/metrics"
)

// RateLimiter holds one named limiter per HTTP push endpoint plus a
// websocket-connect limiter, all sharing a single store.
type RateLimiter struct {
	push        *limiter.Limiter
	broadcast   *limiter.Limiter
	notify      *limiter.Limiter
	wsConnect   *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// New builds a RateLimiter. redisClient may be nil, in which case every
// limiter falls back to an in-memory store (single-instance only).
func New(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	pushRate, err := limiter.NewRateFromFormatted(cfg.RateLimitPush)
	if err != nil {
		return nil, fmt.Errorf("invalid push rate: %w", err)
	}
	broadcastRate, err := limiter.NewRateFromFormatted(cfg.RateLimitBroadcast)
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast rate: %w", err)
	}
	notifyRate, err := limiter.NewRateFromFormatted(cfg.RateLimitNotify)
	if err != nil {
		return nil, fmt.Errorf("invalid notify rate: %w", err)
	}
	// The websocket-connect path has no dedicated config field of its own;
	// it reuses the broadcast rate as a sane per-minute connection ceiling.
	wsConnectRate := broadcastRate

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "ratelimit:v1:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(nil, "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(nil, "rate limiter using memory store (no shared store configured)")
	}

	return &RateLimiter{
		push:        limiter.New(store, pushRate),
		broadcast:   limiter.New(store, broadcastRate),
		notify:      limiter.New(store, notifyRate),
		wsConnect:   limiter.New(store, wsConnectRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// MiddlewareForEndpoint returns gin middleware enforcing the named
// endpoint's limiter, keyed by authenticated user id when "claims" is
// present in the gin context and by client IP otherwise.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	inst := rl.limiterFor(endpointType)

	return func(c *gin.Context) {
		key, keyType := rl.keyFor(c)

		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err), zap.String("endpoint", endpointType))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpointType, keyType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "rate limit exceeded",
				"code":       "RATE_LIMIT_EXCEEDED",
				"retryAfter": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(endpointType).Inc()
		c.Next()
	}
}

func (rl *RateLimiter) limiterFor(endpointType string) *limiter.Limiter {
	switch endpointType {
	case "push":
		return rl.push
	case "broadcast":
		return rl.broadcast
	case "notify":
		return rl.notify
	default:
		return rl.push
	}
}

func (rl *RateLimiter) keyFor(c *gin.Context) (key, keyType string) {
	if claims, ok := c.Get("claims"); ok {
		if userClaims, ok := claims.(*auth.Claims); ok {
			return userClaims.Subject(), "user"
		}
	}
	return c.ClientIP(), "ip"
}

// CheckWebSocketConnect checks the websocket-connect limiter for the given
// client IP, writing a 429 JSON response and returning false when the
// connection should be refused. Call this before upgrading, in addition to
// the hub's own load-based admission check.
func (rl *RateLimiter) CheckWebSocketConnect(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.wsConnect.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "websocket rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   "too many connection attempts from this address",
			"code":    "RATE_LIMIT_EXCEEDED",
		})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}
