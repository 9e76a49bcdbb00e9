package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ambiyansyah-risyal/kurir"
)

// requestLogger logs every request after it is handled.
func requestLogger(logger kurir.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if len(c.Errors) > 0 {
			for _, e := range c.Errors.Errors() {
				logger.Error("Request error",
					"method", c.Request.Method,
					"path", path,
					"query", query,
					"status", c.Writer.Status(),
					"ip", c.ClientIP(),
					"error", e,
				)
			}
			return
		}
		logger.Info("Request processed",
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", c.Writer.Status(),
			"latency", latency,
			"ip", c.ClientIP(),
			"user-agent", c.Request.UserAgent(),
		)
	}
}
