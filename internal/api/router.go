package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aicareer/internal/api/middleware"
	"aicareer/internal/metrics"
)

const healthTimeout = 2 * time.Second

// NewRouter 构建 Gin 路由引擎：公共中间件、健康检查、指标与全部 /v1 路由。
func NewRouter(deps Deps) *gin.Engine {
	registerValidators()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.CorrelationIDMiddleware(),
		middleware.SlogLoggerMiddleware(logger),
		metrics.GinMiddleware(),
		middleware.CORSMiddleware(deps.AllowedOrigins),
	)

	router.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
			defer cancel()
			if err := deps.Health(ctx); err != nil {
				middleware.LoggerFromContext(c).Warn("health check failed", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	RegisterRoutes(router, deps)
	return router
}
