package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Freight/internal/archive"
	"github.com/shaiso/Freight/internal/config"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/mq"
	"github.com/shaiso/Freight/internal/orchestrator"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/transfer"
)

// ErrArchiveDisabled — архивация не настроена.
var ErrArchiveDisabled = errors.New("archive is not configured (set ARCHIVE_BUCKET or ARCHIVE_DIR)")

// JobService — операции над jobs (реализует orchestrator.Orchestrator).
type JobService interface {
	Submit(ctx context.Context, spec domain.JobSpec) (uuid.UUID, error)
	GetJobState(ctx context.Context, tenantID, jobID uuid.UUID) (*domain.JobSnapshot, error)
	ListJobs(ctx context.Context, tenantID uuid.UUID, filter repo.JobFilter) ([]domain.MigrationJob, error)
	ListBatches(ctx context.Context, tenantID, jobID uuid.UUID) ([]domain.Batch, error)
	RetryJob(ctx context.Context, tenantID, jobID uuid.UUID, failedOnly bool) (int, error)
	CancelJob(ctx context.Context, tenantID, jobID uuid.UUID) error
	StreamRecordLogs(ctx context.Context, tenantID, jobID uuid.UUID, afterSeq int64) iter.Seq2[domain.RecordLog, error]
}

// Archiver — выгрузка журнала job (реализует archive.Archiver).
type Archiver interface {
	Archive(ctx context.Context, tenantID, jobID uuid.UUID) (*archive.Result, error)
}

// Backend — зависимости job- и tenant-команд.
type Backend struct {
	Jobs    JobService
	Tenants repo.TenantAdmin

	// Archiver — nil, если архивация не настроена.
	Archiver Archiver

	closers []func()
}

// Close закрывает подключения в обратном порядке.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Connect подключается к PostgreSQL, Redis и (если доступен) RabbitMQ и
// собирает оркестратор, идентичный оркестратору freight-worker.
func Connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{}

	pool, err := repo.NewPool(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b.closers = append(b.closers, pool.Close)
	store := repo.NewPGStore(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	b.closers = append(b.closers, func() { rdb.Close() })
	q := queue.NewRedisQueue(rdb, queue.RedisConfig{Prefix: cfg.QueuePrefix})
	if err := q.Ping(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	// Без файла targets проверку target system выполнит воркер
	var targets orchestrator.TargetCatalog
	targetCfg, err := transfer.LoadTargets(cfg.TargetsFile)
	switch {
	case err == nil:
		targets = transfer.NewRegistryFromConfig(targetCfg, nil)
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("targets file not found, target systems are not validated", "path", cfg.TargetsFile)
	default:
		b.Close()
		return nil, err
	}

	var events orchestrator.EventPublisher
	if cfg.RabbitMQURL != "" {
		conn, err := mq.NewConnection(cfg.RabbitMQURL, "freight-cli", logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, events will not be published", "error", err)
		} else {
			b.closers = append(b.closers, func() { conn.Close() })
			events = mq.NewPublisher(conn, logger)
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:   store,
		Queue:   q,
		Events:  events,
		Targets: targets,
		Logger:  logger,
	})
	b.Jobs = orch
	b.Tenants = store

	uploader, err := archive.OpenUploader(ctx, archive.S3Config{
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.AWSRegion,
		Endpoint: cfg.ArchiveEndpoint,
	}, cfg.ArchiveDir)
	if err != nil {
		b.Close()
		return nil, err
	}
	if uploader != nil {
		b.Archiver = archive.New(archive.Config{
			Jobs:     orch,
			Uploader: uploader,
			Prefix:   cfg.ArchivePrefix,
			Logger:   logger,
		})
	}

	return b, nil
}
