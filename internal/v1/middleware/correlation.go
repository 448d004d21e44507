// Package middleware contains Gin middleware for the gateway's HTTP
// router. httpapi.NewRouter mounts it router-wide, so it runs for the
// push/broadcast/notify endpoints and the WebSocket upgrade path alike.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/messagegateway/gateway/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation ID, echoed
// in the response header and threaded onto the request's context.Context
// (not just gin's per-request keystore) so that logging.Info/Warn/Error
// calls made deeper in the call chain - inside push.Service, out to the
// shared bus - pick it up automatically via appendContextFields.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
