package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"

	"aicareer/internal/config"
	"aicareer/internal/database"
	"aicareer/internal/logging"
	"aicareer/internal/metrics"
	"aicareer/internal/notify"
	"aicareer/internal/providers"
	"aicareer/internal/queue"
	"aicareer/internal/scanner"
	"aicareer/internal/tasks"
	"aicareer/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With(slog.String("service", "worker"))
	slog.SetDefault(logger)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("set GOMAXPROCS failed", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	logger.Info("database connection ready for worker")

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

	publishers := notify.Fanout{notify.NewRedisPublisher(redisClient)}
	if cfg.RabbitMQ.URL != "" {
		amqpPublisher, err := notify.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatalf("init rabbitmq publisher: %v", err)
		}
		defer amqpPublisher.Close()
		publishers = append(publishers, amqpPublisher)
		logger.Info("rabbitmq events enabled", slog.String("exchange", cfg.RabbitMQ.Exchange))
	}

	var avScanner scanner.Scanner = scanner.NewStubScanner()
	if cfg.Providers.Scanner == "clamd" {
		clamd := scanner.NewClamdScanner(cfg.Clamd.Addr, registry.Storage)
		if err := clamd.Ping(); err != nil {
			logger.Warn("clamd not reachable at startup", slog.String("addr", cfg.Clamd.Addr), slog.Any("error", err))
		}
		avScanner = clamd
	}

	asynqOpt, err := asynq.ParseRedisURI(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse asynq redis uri: %v", err)
	}
	asynqClient := asynq.NewClient(asynqOpt)
	defer asynqClient.Close()
	dispatcher := queue.NewDispatcher(asynqClient, nil, logger)

	mux := worker.NewServeMux(worker.Handlers{
		AVScan:         worker.NewAVScanHandler(db, avScanner, dispatcher, publishers, logger),
		Parse:          worker.NewParseHandler(db, registry.Storage, dispatcher, publishers, logger),
		Embed:          worker.NewEmbedHandler(db, registry.Embedding, publishers, logger),
		Score:          worker.NewScoreHandler(db, registry.LLM, registry.Embedding, publishers, logger),
		StorageCleanup: worker.NewStorageCleanupHandler(registry.Storage, logger),
		Reconcile:      worker.NewReconcileHandler(db, dispatcher, cfg.Worker.StuckAfter, logger),
	})

	server := asynq.NewServer(asynqOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      tasks.QueuePriorities,
		Logger:      newAsynqLogger(logger),
	})

	scheduler := asynq.NewScheduler(asynqOpt, &asynq.SchedulerOpts{Logger: newAsynqLogger(logger)})
	cronspec := fmt.Sprintf("@every %s", cfg.Worker.ReconcileEvery)
	if _, err := scheduler.Register(cronspec, tasks.NewReconcileTask(), asynq.Queue(tasks.QueueMaintenance), asynq.Unique(cfg.Worker.ReconcileEvery)); err != nil {
		log.Fatalf("register reconcile schedule: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	defer scheduler.Shutdown()

	if cfg.Worker.MetricsAddr != "" {
		metricsServer := metrics.NewServer(cfg.Worker.MetricsAddr, logger)
		go func() {
			if err := metricsServer.ListenAndServe(ctx); err != nil {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	if err := server.Start(mux); err != nil {
		log.Fatalf("start worker server: %v", err)
	}
	logger.Info("worker service started",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("reconcile_every", cfg.Worker.ReconcileEvery.String()),
	)

	<-ctx.Done()
	logger.Info("shutting down worker")
	server.Shutdown()
}
