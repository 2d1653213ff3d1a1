// Package httpmw holds bped's gin middleware: RequestLogger (one access-log
// line per request or websocket upgrade), which api/http's Mount installs on
// the shared router with serverName "bped", and OtelTracing (one OTel span
// per request), which bped does not mount.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/muxlabs/bpe/internal/common/logger"
	"go.uber.org/zap"
)

// RequestLogger logs HTTP request details after the handler completes.
// Client errors like a terminate/dispose call against an unknown process ID
// are routine and log at debug; only a 5xx (the engine's own failure) logs
// at error.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		if status >= 500 {
			log.Error("http",
				zap.String("server", serverName),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int64("duration_ms", latency.Milliseconds()),
				zap.Int("bytes", size),
			)
		} else {
			log.Debug("http",
				zap.String("server", serverName),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int64("duration_ms", latency.Milliseconds()),
				zap.Int("bytes", size),
			)
		}
	}
}
