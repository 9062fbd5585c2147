package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	pushHandler *PushHandler,
	watchHandler *WatchHandler,
	emailQueryHandler *EmailQueryHandler,
	healthHandler *HealthHandler,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/readyz", healthHandler.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/pubsub/push", pushHandler.Push)

	r.POST("/watches", watchHandler.CreateWatch)
	r.GET("/watches/:mailbox", watchHandler.GetWatch)
	r.DELETE("/watches/:mailbox", watchHandler.DeleteWatch)

	r.GET("/emails", emailQueryHandler.GetEmails)

	return &Router{Engine: r}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
