package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"

	"aicareer/internal/api"
	"aicareer/internal/auth"
	"aicareer/internal/config"
	"aicareer/internal/database"
	"aicareer/internal/logging"
	"aicareer/internal/notify"
	"aicareer/internal/providers"
	"aicareer/internal/queue"
	"aicareer/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .env 仅用于本地开发，缺失时直接使用进程环境变量。
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With(slog.String("service", "api"))
	slog.SetDefault(logger)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("set GOMAXPROCS failed", slog.Any("error", err))
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	logger.Info("database ready")

	registry, err := providers.NewRegistry(ctx, cfg)
	if err != nil {
		log.Fatalf("init providers: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	asynqOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse asynq redis uri: %v", err)
	}
	asynqClient := asynq.NewClient(asynqOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(asynqOpt)
	defer inspector.Close()
	dispatcher := queue.NewDispatcher(asynqClient, inspector, logger)

	tokens, err := auth.NewAuthService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	audit := service.NewAuditService(db, logger)
	limits := service.UploadLimits{MaxBytes: cfg.Upload.MaxBytes, Quota: cfg.Upload.Quota, URLTTL: cfg.Upload.URLTTL}

	router := api.NewRouter(api.Deps{
		Logger:         logger,
		Auth:           tokens,
		Sessions:       service.NewSessionService(db, tokens, audit, logger),
		Documents:      service.NewDocumentService(db, registry.Storage, dispatcher, audit, logger, limits),
		Resumes:        service.NewResumeService(db, audit, logger),
		Jobs:           service.NewJobService(db, audit, logger),
		Runs:           service.NewRunService(db, dispatcher, audit, logger),
		Users:          service.NewUserService(db, registry.Storage, dispatcher, audit, logger),
		Audit:          audit,
		Queues:         dispatcher,
		Subscriber:     notify.NewRedisSubscriber(redisClient),
		RateCounter:    redisClient,
		RateLimit:      cfg.RateLimit,
		AllowedOrigins: cfg.API.AllowedOrigins(),
		RefreshTTL:     cfg.JWT.RefreshTTL,
		CookieDomain:   cfg.API.CookieDomain,
		Health: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
