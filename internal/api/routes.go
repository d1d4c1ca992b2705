package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"aicareer/internal/api/middleware"
	"aicareer/internal/auth"
	"aicareer/internal/config"
	"aicareer/internal/database"
	"aicareer/internal/notify"
	"aicareer/internal/service"
)

// Deps 汇总路由需要的全部依赖，由 cmd/api 组装。
type Deps struct {
	Logger *slog.Logger
	Auth   *auth.AuthService

	Sessions  *service.SessionService
	Documents *service.DocumentService
	Resumes   *service.ResumeService
	Jobs      *service.JobService
	Runs      *service.RunService
	Users     *service.UserService
	Audit     *service.AuditService
	Queues    QueueInspector

	// Subscriber 为空时 /v1/ws 返回 503。
	Subscriber notify.Subscriber
	// RateCounter 为空时不限流。
	RateCounter middleware.RateCounter
	RateLimit   config.RateLimitConfig

	AllowedOrigins []string
	RefreshTTL     time.Duration
	CookieDomain   string
	Health         func(ctx context.Context) error
}

// RegisterRoutes 注册 /v1 下的业务路由。
func RegisterRoutes(router *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authHandler := NewAuthHandler(deps.Sessions, deps.RefreshTTL, deps.CookieDomain)
	documentHandler := NewDocumentHandler(deps.Documents)
	resumeHandler := NewResumeHandler(deps.Resumes)
	jobHandler := NewJobHandler(deps.Jobs)
	runHandler := NewRunHandler(deps.Runs)
	userHandler := NewUserHandler(deps.Users)
	auditHandler := NewAuditHandler(deps.Audit)
	queueHandler := NewQueueHandler(deps.Queues)
	wsHandler := NewWsHandler(deps.Subscriber, deps.Auth, logger, deps.AllowedOrigins)

	authMiddleware := middleware.AuthMiddleware(deps.Auth)
	adminOnly := middleware.RequireRole(database.RoleAdmin)

	v1 := router.Group("/v1")
	v1.Use(middleware.RateLimitMiddleware(deps.RateCounter, middleware.RateLimit{
		Bucket: "api",
		Max:    deps.RateLimit.Max,
		Window: deps.RateLimit.Window,
	}, logger))
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimitMiddleware(deps.RateCounter, middleware.RateLimit{
			Bucket: "auth",
			Max:    deps.RateLimit.AuthMax,
			Window: deps.RateLimit.Window,
		}, logger))
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/token", authHandler.Login)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.POST("/logout", authMiddleware, authHandler.Logout)
		}

		documentGroup := v1.Group("/documents")
		documentGroup.Use(authMiddleware)
		{
			documentGroup.POST("/uploads/init", documentHandler.InitUpload)
			documentGroup.POST("/uploads/finalize/:id", documentHandler.FinalizeUpload)
			documentGroup.GET("", documentHandler.List)
			documentGroup.GET("/:id", documentHandler.Get)
			documentGroup.GET("/:id/download-url", documentHandler.DownloadURL)
			documentGroup.DELETE("/:id", documentHandler.Delete)
		}

		resumeGroup := v1.Group("/resumes")
		resumeGroup.Use(authMiddleware)
		{
			resumeGroup.POST("", resumeHandler.Create)
			resumeGroup.GET("", resumeHandler.List)
			resumeGroup.GET("/:id", resumeHandler.Get)
			resumeGroup.PATCH("/:id", resumeHandler.Update)
			resumeGroup.DELETE("/:id", resumeHandler.Delete)
			resumeGroup.POST("/:id/versions", resumeHandler.CreateVersion)
		}

		jobGroup := v1.Group("/jobs")
		jobGroup.Use(authMiddleware)
		{
			jobGroup.POST("", jobHandler.Create)
			jobGroup.GET("", jobHandler.List)
			jobGroup.GET("/:id", jobHandler.Get)
			jobGroup.PATCH("/:id", jobHandler.Update)
			jobGroup.DELETE("/:id", jobHandler.Delete)
		}

		runGroup := v1.Group("/runs")
		runGroup.Use(authMiddleware)
		{
			runGroup.POST("", runHandler.Create)
			runGroup.GET("", runHandler.List)
			runGroup.GET("/:id", runHandler.Get)
			runGroup.DELETE("/:id", runHandler.Delete)
		}

		userGroup := v1.Group("/users")
		userGroup.Use(authMiddleware)
		{
			userGroup.GET("/me", userHandler.Me)
			userGroup.GET("/:id", userHandler.Get)
			userGroup.POST("", adminOnly, userHandler.Create)
			userGroup.PUT("/:id", userHandler.Update)
			userGroup.DELETE("/:id", userHandler.Delete)
		}

		auditGroup := v1.Group("/audit")
		auditGroup.Use(authMiddleware)
		{
			auditGroup.GET("/logs", auditHandler.Mine)
			auditGroup.GET("/admin/logs", adminOnly, auditHandler.All)
		}

		queueGroup := v1.Group("/queues")
		queueGroup.Use(authMiddleware, adminOnly)
		{
			queueGroup.GET("/stats", queueHandler.Stats)
			queueGroup.GET("/:queue/jobs/:id", queueHandler.Job)
		}
	}
}
