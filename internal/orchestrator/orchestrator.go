package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/mq"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/telemetry"
)

// Границы размера batch.
const (
	MinBatchSize = 100
	MaxBatchSize = 10000
)

const defaultLogPageSize = 500

// EventPublisher публикует события жизненного цикла jobs.
// Реализация: mq.Publisher.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, msgType mq.MessageType, payload mq.JobEventPayload) error
	PublishBatchCompleted(ctx context.Context, payload mq.BatchCompletedPayload) error
}

// TargetCatalog проверяет, что target system известен. Реализация: transfer.Registry.
type TargetCatalog interface {
	Has(name string) bool
}

// Orchestrator управляет migration jobs.
type Orchestrator struct {
	store   repo.Store
	queue   queue.Queue
	events  EventPublisher
	targets TargetCatalog

	logPageSize int

	now    func() time.Time
	logger *slog.Logger
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store repo.Store
	Queue queue.Queue

	// Events — публикация событий. nil — события не публикуются.
	Events EventPublisher

	// Targets — каталог target systems. nil — target не проверяется.
	Targets TargetCatalog

	// LogPageSize — размер страницы StreamRecordLogs (default: 500).
	LogPageSize int

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pageSize := cfg.LogPageSize
	if pageSize <= 0 {
		pageSize = defaultLogPageSize
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:       cfg.Store,
		queue:       cfg.Queue,
		events:      cfg.Events,
		targets:     cfg.Targets,
		logPageSize: pageSize,
		now:         now,
		logger:      logger.With("component", "orchestrator"),
	}
}

// Submit создаёт job, разбивает записи на batches и ставит их в очередь.
//
// При повторном Submit с тем же IdempotencyKey возвращается ID существующего job.
func (o *Orchestrator) Submit(ctx context.Context, spec domain.JobSpec) (uuid.UUID, error) {
	if err := o.validate(ctx, spec); err != nil {
		return uuid.Nil, err
	}

	if spec.IdempotencyKey != "" {
		existing, err := o.store.GetJobByIdempotencyKey(ctx, spec.TenantID, spec.IdempotencyKey)
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	now := o.now()
	job := &domain.MigrationJob{
		ID:             uuid.New(),
		TenantID:       spec.TenantID,
		SourceSystem:   spec.SourceSystem,
		TargetSystem:   spec.TargetSystem,
		BatchSize:      spec.BatchSize,
		TotalRecords:   len(spec.Records),
		IdempotencyKey: spec.IdempotencyKey,
		CreatedAt:      now,
	}
	// Job сохраняется сразу running вместе с batches: между созданием и запуском
	// нет окна, в котором он мог бы застрять pending.
	job.MarkRunning(now)
	batches := splitBatches(job, spec.Records, now)

	if err := o.store.CreateJob(ctx, job, batches); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) && spec.IdempotencyKey != "" {
			// Параллельный Submit с тем же ключом успел раньше
			existing, getErr := o.store.GetJobByIdempotencyKey(ctx, spec.TenantID, spec.IdempotencyKey)
			if getErr == nil {
				return existing.ID, nil
			}
		}
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	logger := telemetry.WithJob(o.logger, job.TenantID, job.ID)
	for i := range batches {
		if err := o.enqueue(ctx, &batches[i], queue.PriorityDefault, now); err != nil {
			// Batch подберёт resync планировщика
			logger.Error("failed to enqueue batch",
				"batch_id", batches[i].ID,
				"sequence", batches[i].SequenceNumber,
				"error", err,
			)
		}
	}

	telemetry.JobsSubmitted.Inc()
	o.publishJobEvent(ctx, mq.MessageTypeJobSubmitted, job, 0)

	logger.Info("job submitted",
		"source", job.SourceSystem,
		"target", job.TargetSystem,
		"records", job.TotalRecords,
		"batches", len(batches),
	)

	return job.ID, nil
}

// RetryJob возвращает в работу batches job в статусе failed или completed_with_errors.
//
// failedOnly=true — только batches failed_final (исчерпан бюджет retry).
// failedOnly=false — также batches с permanent ошибками; такие записи выполняются заново.
// Возвращает количество поставленных в очередь batches.
func (o *Orchestrator) RetryJob(ctx context.Context, tenantID, jobID uuid.UUID, failedOnly bool) (int, error) {
	job, err := o.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return 0, err
	}
	if !job.Status.IsRetryable() {
		return 0, fmt.Errorf("%w: cannot retry job in status %s", ErrInvalidState, job.Status)
	}

	now := o.now()
	reopened, err := o.store.ReopenBatches(ctx, tenantID, jobID, failedOnly, now)
	if errors.Is(err, repo.ErrInvalidState) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err != nil {
		return 0, fmt.Errorf("reopen batches: %w", err)
	}
	if len(reopened) == 0 {
		return 0, nil
	}

	logger := telemetry.WithJob(o.logger, tenantID, jobID)
	for i := range reopened {
		if err := o.enqueue(ctx, &reopened[i], queue.PriorityHigh, now); err != nil {
			logger.Error("failed to enqueue reopened batch", "batch_id", reopened[i].ID, "error", err)
		}
	}

	if current, err := o.store.GetJob(ctx, tenantID, jobID); err == nil {
		o.publishJobEvent(ctx, mq.MessageTypeJobRetried, current, len(reopened))
	}

	logger.Info("job retried",
		"failed_only", failedOnly,
		"batches", len(reopened),
	)

	return len(reopened), nil
}

// CancelJob отменяет job в статусе pending или running.
//
// Повторная отмена — no-op. Batches в очереди снимаются; выполняющиеся
// batches останавливаются между записями, их результаты не учитываются в счётчиках.
func (o *Orchestrator) CancelJob(ctx context.Context, tenantID, jobID uuid.UUID) error {
	job, err := o.store.TransitionJob(ctx, tenantID, jobID,
		[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning},
		domain.JobStatusCancelled, o.now())
	if errors.Is(err, repo.ErrInvalidState) {
		if job != nil && job.Status == domain.JobStatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err != nil {
		return err
	}

	logger := telemetry.WithJob(o.logger, tenantID, jobID)

	batches, err := o.store.ListBatches(ctx, tenantID, jobID)
	if err != nil {
		logger.Error("failed to list batches of cancelled job", "error", err)
	}
	removed := 0
	for _, b := range batches {
		if b.Status.IsTerminal() {
			continue
		}
		if err := o.queue.Remove(ctx, b.ID); err != nil {
			logger.Warn("failed to remove batch from queue", "batch_id", b.ID, "error", err)
			continue
		}
		removed++
	}

	telemetry.JobsFinished.WithLabelValues(string(domain.JobStatusCancelled)).Inc()
	o.publishJobEvent(ctx, mq.MessageTypeJobCancelled, job, 0)

	logger.Info("job cancelled", "dequeued_batches", removed)
	return nil
}

// IsCancelled сообщает, отменён ли job. Используется воркером между записями.
func (o *Orchestrator) IsCancelled(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error) {
	job, err := o.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == domain.JobStatusCancelled, nil
}

// validate проверяет JobSpec.
func (o *Orchestrator) validate(ctx context.Context, spec domain.JobSpec) error {
	if spec.BatchSize < MinBatchSize || spec.BatchSize > MaxBatchSize {
		return fmt.Errorf("%w: batch_size %d out of range [%d, %d]",
			ErrInvalidSpecification, spec.BatchSize, MinBatchSize, MaxBatchSize)
	}
	if spec.SourceSystem == "" || spec.TargetSystem == "" {
		return fmt.Errorf("%w: source and target systems are required", ErrInvalidSpecification)
	}
	if len(spec.Records) == 0 {
		return fmt.Errorf("%w: no records", ErrInvalidSpecification)
	}

	seen := make(map[string]struct{}, len(spec.Records))
	for i, r := range spec.Records {
		if r.ID == "" {
			return fmt.Errorf("%w: record %d has empty id", ErrInvalidSpecification, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate record id %q", ErrInvalidSpecification, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	if o.targets != nil && !o.targets.Has(spec.TargetSystem) {
		return fmt.Errorf("%w: unknown target system %q", ErrInvalidSpecification, spec.TargetSystem)
	}

	tenant, err := o.store.GetTenant(ctx, spec.TenantID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: tenant %s not found", ErrInvalidSpecification, spec.TenantID)
	}
	if err != nil {
		return fmt.Errorf("get tenant: %w", err)
	}
	if !tenant.IsActive() {
		return fmt.Errorf("%w: tenant %s is %s", ErrInvalidSpecification, tenant.ID, tenant.Status)
	}

	return nil
}

// splitBatches режет записи на batches по job.BatchSize с сохранением порядка.
// Последний batch может быть меньше.
func splitBatches(job *domain.MigrationJob, records []domain.Record, now time.Time) []domain.Batch {
	batches := make([]domain.Batch, 0, (len(records)+job.BatchSize-1)/job.BatchSize)
	for start, seq := 0, 1; start < len(records); start, seq = start+job.BatchSize, seq+1 {
		end := min(start+job.BatchSize, len(records))
		batches = append(batches, domain.Batch{
			ID:             uuid.New(),
			JobID:          job.ID,
			TenantID:       job.TenantID,
			SequenceNumber: seq,
			Records:        records[start:end:end],
			Status:         domain.BatchStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return batches
}

func (o *Orchestrator) enqueue(ctx context.Context, b *domain.Batch, priority queue.Priority, runAt time.Time) error {
	return o.queue.Enqueue(ctx, queue.Item{
		TenantID: b.TenantID,
		JobID:    b.JobID,
		BatchID:  b.ID,
		Priority: priority,
	}, runAt)
}
