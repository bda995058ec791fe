package health

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the relayd HTTP surface:
//
//	GET /healthz       liveness, always 200 while the process serves
//	GET /readyz        every registered check, 503 when one is unhealthy
//	GET /outbox/stats  backlog and last forwarding pass
//
// stats may be nil when the process does not forward.
func NewRouter(service string, registry *Registry, stats *OutboxChecker, logger *slog.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(recovery(logger), requestLogger(logger))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": StatusHealthy, "service": service})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		report := registry.CheckAll(c.Request.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})

	engine.GET("/outbox/stats", func(c *gin.Context) {
		if stats == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "outbox forwarding is not enabled"})
			return
		}
		snapshot, err := stats.Stats(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	})

	return engine
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.Errors())
		}

		switch {
		case status >= 500:
			logger.Error("HTTP request", attrs...)
		case status >= 400:
			logger.Warn("HTTP request", attrs...)
		default:
			logger.Debug("HTTP request", attrs...)
		}
	}
}

func recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"panic", r,
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
