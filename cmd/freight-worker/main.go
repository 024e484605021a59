// Freight Worker — выполняет batches migration jobs.
//
// Процесс:
//   - Забирает batches из очереди Redis и переносит записи в target systems
//   - Классифицирует ошибки, планирует retry, открывает circuit breakers
//   - Фиксирует результаты в PostgreSQL и доводит jobs до финального статуса
//   - Выполняет периодическое обслуживание очереди (cron)
//   - Публикует события в RabbitMQ и архивирует журналы завершённых jobs
//   - Отдаёт ops HTTP: /healthz, /readyz, /metrics, /debug/*
//
// Воркеры масштабируются горизонтально; задачи обслуживания идемпотентны.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Freight/internal/api"
	"github.com/shaiso/Freight/internal/archive"
	"github.com/shaiso/Freight/internal/breaker"
	"github.com/shaiso/Freight/internal/config"
	"github.com/shaiso/Freight/internal/mq"
	"github.com/shaiso/Freight/internal/orchestrator"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/retry"
	"github.com/shaiso/Freight/internal/scheduler"
	"github.com/shaiso/Freight/internal/telemetry"
	"github.com/shaiso/Freight/internal/transfer"
	"github.com/shaiso/Freight/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting freight-worker", "env", cfg.Env)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("freight-worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("freight-worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// PostgreSQL
	pool, err := repo.NewPool(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns))
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("database connected")

	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx, pool); err != nil {
			return err
		}
	}
	store := repo.NewPGStore(pool)

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, queue.RedisConfig{Prefix: cfg.QueuePrefix})
	if err := q.Ping(ctx); err != nil {
		return err
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr)

	// Target systems
	targetCfg, err := transfer.LoadTargets(cfg.TargetsFile)
	if err != nil {
		return err
	}
	targets := transfer.NewRegistryFromConfig(targetCfg, nil)
	logger.Info("target systems loaded", "targets", targets.Names())

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})

	// RabbitMQ (опционально)
	var mqConn *mq.Connection
	var events orchestrator.EventPublisher
	if cfg.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, "freight-worker", logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, events are disabled", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			} else {
				logger.Debug("RabbitMQ topology declared", "topology", mq.TopologyInfo())
			}
			events = mq.NewPublisher(mqConn, logger)
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:   store,
		Queue:   q,
		Events:  events,
		Targets: targets,
		Logger:  logger,
	})

	executor := worker.NewBatchExecutor(worker.ExecutorConfig{
		Port:     targets,
		Breakers: breakers,
		Cancel:   orch,
		Policy: retry.Policy{
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		Logger: logger,
	})

	w := worker.New(worker.Config{
		ID:           cfg.WorkerID,
		Store:        store,
		Queue:        q,
		Executor:     executor,
		Sink:         orch,
		Concurrency:  cfg.WorkerConcurrency,
		Visibility:   cfg.Visibility,
		LeaseGrace:   cfg.LeaseGrace,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	sched, err := scheduler.New(scheduler.Config{
		Store:      store,
		Queue:      q,
		Reconciler: orch,
		Breakers:   breakers,
		Schedules: scheduler.Schedules{
			Promote:   cfg.PromoteSchedule,
			Reclaim:   cfg.ReclaimSchedule,
			Resync:    cfg.ResyncSchedule,
			Reconcile: cfg.ReconcileSchedule,
			Gauges:    cfg.GaugesSchedule,
		},
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Архивация журналов завершённых jobs
	var archiveConsumer *mq.Consumer
	uploader, err := archive.OpenUploader(ctx, archive.S3Config{
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.AWSRegion,
		Endpoint: cfg.ArchiveEndpoint,
	}, cfg.ArchiveDir)
	if err != nil {
		return err
	}
	switch {
	case uploader == nil:
		logger.Info("record log archiving disabled")
	case mqConn == nil:
		logger.Warn("record log archiving requires RabbitMQ, skipping")
	default:
		archiver := archive.New(archive.Config{
			Jobs:     orch,
			Uploader: uploader,
			Prefix:   cfg.ArchivePrefix,
			Logger:   logger,
		})
		archiveConsumer = mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueEventsArchive),
			Handler:  archiver.HandleJobFinished,
			Prefetch: 4,
		})
	}

	// Ops HTTP
	checks := []api.Check{
		{Name: "postgres", Pinger: store},
		{Name: "redis", Pinger: q},
	}
	if mqConn != nil {
		conn := mqConn
		checks = append(checks, api.Check{
			Name:     "rabbitmq",
			Optional: true,
			Pinger: api.PingerFunc(func(context.Context) error {
				if !conn.IsConnected() {
					return errors.New("not connected")
				}
				return nil
			}),
		})
	}
	handler := api.NewHandler(api.Config{
		Checks:   checks,
		Breakers: breakers,
		Queue:    q,
		Workers:  w,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if archiveConsumer != nil {
		g.Go(func() error {
			logger.Info("archive consumer started", "queue", mq.QueueEventsArchive)
			if err := archiveConsumer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// Ожидаем сигнал завершения или падение одной из горутин
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sched.Stop()
		if archiveConsumer != nil {
			archiveConsumer.Stop()
		}
		w.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
