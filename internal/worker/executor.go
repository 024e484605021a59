package worker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/breaker"
	"github.com/shaiso/Freight/internal/classify"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/retry"
	"github.com/shaiso/Freight/internal/telemetry"
	"github.com/shaiso/Freight/internal/transfer"
)

// CancelChecker сообщает, отменён ли job. Вызывается перед каждой записью.
type CancelChecker interface {
	IsCancelled(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error)
}

// CancelCheckerFunc позволяет использовать функцию как CancelChecker.
type CancelCheckerFunc func(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error)

// IsCancelled вызывает f.
func (f CancelCheckerFunc) IsCancelled(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error) {
	return f(ctx, tenantID, jobID)
}

// ExecutorConfig — конфигурация BatchExecutor.
type ExecutorConfig struct {
	// Port — перенос одной записи в target system.
	Port transfer.Port

	// Breakers — circuit breakers по (tenant, target). Nil — новый реестр с DefaultConfig.
	Breakers *breaker.Registry

	// Cancel — проверка отмены job. Nil — отмена не проверяется.
	Cancel CancelChecker

	// Policy — политика retry.
	Policy retry.Policy

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// BatchExecutor выполняет одну попытку batch: записи по порядку через breaker
// и Port, классификация ошибок, решение retry-политики и RecordLog на каждую запись.
type BatchExecutor struct {
	port     transfer.Port
	breakers *breaker.Registry
	cancel   CancelChecker
	policy   retry.Policy
	now      func() time.Time
	logger   *slog.Logger
}

// NewBatchExecutor создаёт BatchExecutor.
func NewBatchExecutor(cfg ExecutorConfig) *BatchExecutor {
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &BatchExecutor{
		port:     cfg.Port,
		breakers: breakers,
		cancel:   cfg.Cancel,
		policy:   cfg.Policy,
		now:      now,
		logger:   logger,
	}
}

// Breakers возвращает реестр breakers исполнителя.
func (e *BatchExecutor) Breakers() *breaker.Registry {
	return e.breakers
}

// Execute выполняет оставшиеся записи batch.
//
// Ошибка записи не прерывает batch. Ошибка возвращается только при сбое
// проверки отмены или отмене ctx; результат в этом случае не формируется.
// Логгер batch берётся из ctx (telemetry.WithLogger), если воркер его положил.
func (e *BatchExecutor) Execute(ctx context.Context, job *domain.MigrationJob, batch *domain.Batch) (*domain.BatchResult, error) {
	logger := telemetry.FromContext(ctx, telemetry.WithBatch(e.logger, batch.TenantID, batch.JobID, batch.ID))
	start := e.now()
	defer func() {
		telemetry.BatchDuration.Observe(e.now().Sub(start).Seconds())
	}()

	result := &domain.BatchResult{
		TenantID:   batch.TenantID,
		JobID:      batch.JobID,
		BatchID:    batch.ID,
		LeaseOwner: batch.LeaseOwner,
	}

	cb := e.breakers.Get(batch.TenantID, job.TargetSystem)
	remaining := batch.RemainingRecords()

	// classes[i] — классификация result.Failures[i]
	var classes []classify.Classification

	for i, record := range remaining {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if e.cancel != nil {
			cancelled, err := e.cancel.IsCancelled(ctx, batch.TenantID, batch.JobID)
			if err != nil {
				return nil, fmt.Errorf("check cancellation: %w", err)
			}
			if cancelled {
				for _, r := range remaining[i:] {
					result.SkippedIDs = append(result.SkippedIDs, r.ID)
				}
				result.Cancelled = true
				logger.Info("job cancelled, batch interrupted", "skipped", len(result.SkippedIDs))
				break
			}
		}

		err := cb.Do(func() error {
			return e.port.Transfer(ctx, batch.TenantID, job.TargetSystem, record)
		}, isTargetFailure)

		if err == nil {
			result.SucceededIDs = append(result.SucceededIDs, record.ID)
			continue
		}

		// Остановка воркера — попытка не засчитывается
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c := classify.Classify(err)
		classes = append(classes, c)
		result.Failures = append(result.Failures, domain.FailedRecord{
			RecordID:   record.ID,
			Kind:       c.Kind,
			Message:    err.Error(),
			RetryAfter: c.RetryAfter,
		})
		logger.Debug("record transfer failed",
			"record_id", record.ID,
			"kind", c.Kind,
			"error", err,
		)
	}

	e.resolve(job, batch, result, classes)
	return result, nil
}

// resolve применяет retry-политику и формирует статус batch и RecordLog.
func (e *BatchExecutor) resolve(job *domain.MigrationJob, batch *domain.Batch, result *domain.BatchResult, classes []classify.Classification) {
	now := e.now()

	var decision retry.Decision = retry.Complete{}
	if !result.Cancelled {
		decision = e.policy.Decide(batch.AttemptCount, classes)
	}

	// Статус записи с retryable ошибкой зависит от решения по batch
	retryStatus := domain.RecordStatusFailed
	if _, ok := decision.(retry.Retry); ok {
		retryStatus = domain.RecordStatusRetrying
	}

	hasPermanent := false
	for _, f := range result.Failures {
		status := retryStatus
		if f.Kind == domain.ErrorKindPermanent {
			result.FailedIDs = append(result.FailedIDs, f.RecordID)
			hasPermanent = true
			status = domain.RecordStatusFailed
		} else if !result.Cancelled {
			if _, ok := decision.(retry.FailFinal); ok {
				result.ExhaustedIDs = append(result.ExhaustedIDs, f.RecordID)
			}
		}
		result.LastError = f.Message
		result.Logs = append(result.Logs, e.recordLog(batch, f.RecordID, status, f.Kind, f.Message, now))
		telemetry.RecordsTransferred.WithLabelValues(job.TargetSystem, string(status), string(f.Kind)).Inc()
	}

	for _, id := range result.SucceededIDs {
		result.Logs = append(result.Logs, e.recordLog(batch, id, domain.RecordStatusSuccess, domain.ErrorKindNone, "", now))
		telemetry.RecordsTransferred.WithLabelValues(job.TargetSystem, string(domain.RecordStatusSuccess), "").Inc()
	}
	for _, id := range result.SkippedIDs {
		result.Logs = append(result.Logs, e.recordLog(batch, id, domain.RecordStatusSkipped, domain.ErrorKindNone, "", now))
	}
	sortLogs(batch, result.Logs)

	switch {
	case result.Cancelled:
		result.Status = domain.BatchStatusPending
	default:
		result.Status = retry.BatchStatus(decision, hasPermanent || len(batch.FailedIDs) > 0)
		if d, ok := decision.(retry.Retry); ok {
			at := now.Add(d.Delay)
			result.NextRetryAt = &at
		}
	}
}

func (e *BatchExecutor) recordLog(batch *domain.Batch, recordID string, status domain.RecordStatus, kind domain.ErrorKind, msg string, now time.Time) domain.RecordLog {
	return domain.RecordLog{
		ID:           uuid.New(),
		BatchID:      batch.ID,
		JobID:        batch.JobID,
		TenantID:     batch.TenantID,
		RecordID:     recordID,
		Status:       status,
		ErrorKind:    kind,
		ErrorMessage: msg,
		RetryCount:   batch.AttemptCount,
		CreatedAt:    now,
	}
}

// sortLogs упорядочивает RecordLog в порядке записей batch.
func sortLogs(batch *domain.Batch, logs []domain.RecordLog) {
	order := make(map[string]int, len(batch.Records))
	for i, r := range batch.Records {
		order[r.ID] = i
	}
	slices.SortStableFunc(logs, func(a, b domain.RecordLog) int {
		return order[a.RecordID] - order[b.RecordID]
	})
}

// isTargetFailure решает, считается ли ошибка отказом target для breaker.
// Permanent ошибки конкретной записи отказом не являются.
func isTargetFailure(err error) bool {
	return classify.Classify(err).Retryable()
}
