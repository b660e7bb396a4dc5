package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shopchat/livechat/pkg/logger"
)

// Logger writes one structured access-log entry per request. Health checks
// and Prometheus scrapes log at debug so the steady-state log stays readable.
// For websocket connections the entry is written when the connection closes,
// so the duration field is the connection lifetime.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		upgrade := c.IsWebsocket()

		c.Next()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if upgrade {
			if role := c.Query("type"); role != "" {
				fields = append(fields, zap.String("role", role))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		log := logger.WithModule("http")
		if path == "/health" || path == "/metrics" {
			log.Debug("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
