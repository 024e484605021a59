package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/telemetry"
)

const (
	// cleanupTimeout — время на освобождение lease и возврат в очередь после остановки.
	cleanupTimeout = 5 * time.Second

	// applyTimeout — время на фиксацию готового результата, в том числе при остановке.
	applyTimeout = 30 * time.Second
)

// process выполняет один элемент очереди.
func (w *Worker) process(ctx context.Context, item *queue.Item) {
	logger := telemetry.WithBatch(w.logger, item.TenantID, item.JobID, item.BatchID)

	// 1. Захватываем lease batch в хранилище
	batch, err := w.store.AcquireBatchLease(ctx, item.TenantID, item.BatchID, w.id, w.visibility+w.leaseGrace)
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, repo.ErrInvalidState):
		// Batch удалён или уже завершён — элемент устарел
		logger.Debug("batch not executable, dropping queue item", "reason", err)
		w.ack(ctx, item, logger)
		return

	case errors.Is(err, repo.ErrLeaseHeld):
		// Batch выполняет другой воркер; проверим снова после истечения его lease
		runAt := w.now().Add(w.retryDelay)
		if batch != nil && batch.LeaseExpiresAt != nil {
			runAt = *batch.LeaseExpiresAt
		}
		logger.Debug("batch leased by another worker", "owner", leaseOwner(batch), "retry_at", runAt)
		w.requeue(ctx, item, runAt, logger)
		return

	case err != nil:
		logger.Error("failed to acquire batch lease", "error", err)
		w.requeue(ctx, item, w.now().Add(w.retryDelay), logger)
		return
	}

	// 2. Загружаем job
	job, err := w.store.GetJob(ctx, item.TenantID, item.JobID)
	if err != nil {
		logger.Error("failed to load job", "error", err)
		w.abandon(ctx, item, w.now().Add(w.retryDelay), logger)
		return
	}
	if job.Status != domain.JobStatusRunning {
		logger.Debug("job is not running, dropping batch", "status", job.Status)
		w.release(ctx, item, logger)
		w.ack(ctx, item, logger)
		return
	}

	logger.Info("batch started",
		"sequence", batch.SequenceNumber,
		"attempt", batch.AttemptCount,
		"remaining", len(batch.RemainingIDs()),
	)

	// 3. Выполняем с продлением lease
	execCtx, cancelExec := context.WithCancel(ctx)
	var leaseLost atomic.Bool
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(execCtx, item, &leaseLost, cancelExec, logger)
	}()

	result, execErr := w.executor.Execute(telemetry.WithLogger(execCtx, logger), job, batch)
	cancelExec()
	hb.Wait()

	if leaseLost.Load() {
		logger.Warn("batch lease lost during execution, result dropped")
		telemetry.LeaseConflicts.Inc()
		w.ack(ctx, item, logger)
		return
	}
	if execErr != nil {
		if ctx.Err() != nil {
			logger.Info("worker stopping, batch returned to queue")
		} else {
			logger.Error("batch execution aborted", "error", execErr)
		}
		w.abandon(ctx, item, w.now().Add(w.retryDelay), logger)
		return
	}

	// 4. Передаём результат оркестратору; готовый результат фиксируем и при остановке
	applyCtx, cancelApply := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
	updated, err := w.sink.OnBatchComplete(applyCtx, result)
	cancelApply()
	if errors.Is(err, repo.ErrLeaseLost) {
		logger.Warn("batch lease expired before commit, result dropped")
		telemetry.LeaseConflicts.Inc()
		w.ack(ctx, item, logger)
		return
	}
	if err != nil {
		logger.Error("failed to apply batch result", "error", err)
		w.abandon(ctx, item, w.now().Add(w.retryDelay), logger)
		return
	}

	attrs := []any{
		"status", result.Status,
		"succeeded", len(result.SucceededIDs),
		"failed", len(result.FailedIDs) + len(result.ExhaustedIDs),
		"skipped", len(result.SkippedIDs),
		"job_status", updated.Status,
	}
	if result.NextRetryAt != nil {
		attrs = append(attrs, "next_retry_at", result.NextRetryAt)
	}
	logger.Info("batch finished", attrs...)

	// Retry уже снял элемент из inflight повторным Enqueue; Ack его не тронет
	w.ack(ctx, item, logger)
}

// heartbeat продлевает visibility lease в очереди и lease в хранилище.
// Потеря lease в хранилище прерывает выполнение.
func (w *Worker) heartbeat(ctx context.Context, item *queue.Item, lost *atomic.Bool, cancel context.CancelFunc, logger *slog.Logger) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.queue.ExtendLease(ctx, item.BatchID, w.visibility); err != nil && ctx.Err() == nil {
			logger.Warn("failed to extend queue lease", "error", err)
		}

		err := w.store.ExtendBatchLease(ctx, item.TenantID, item.BatchID, w.id, w.visibility+w.leaseGrace)
		if errors.Is(err, repo.ErrLeaseLost) {
			lost.Store(true)
			cancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to extend batch lease", "error", err)
		}
	}
}

// abandon снимает lease без результата и возвращает batch в очередь на runAt.
func (w *Worker) abandon(ctx context.Context, item *queue.Item, runAt time.Time, logger *slog.Logger) {
	w.release(ctx, item, logger)
	w.requeue(ctx, item, runAt, logger)
}

func (w *Worker) release(ctx context.Context, item *queue.Item, logger *slog.Logger) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	err := w.store.ReleaseBatchLease(ctx, item.TenantID, item.BatchID, w.id)
	if err != nil && !errors.Is(err, repo.ErrLeaseLost) {
		logger.Warn("failed to release batch lease", "error", err)
	}
}

func (w *Worker) requeue(ctx context.Context, item *queue.Item, runAt time.Time, logger *slog.Logger) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	if err := w.queue.Enqueue(ctx, *item, runAt); err != nil {
		// Элемент останется в inflight и вернётся через RequeueExpired
		logger.Warn("failed to requeue batch", "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, item *queue.Item, logger *slog.Logger) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	if err := w.queue.Ack(ctx, item.BatchID); err != nil {
		logger.Warn("failed to ack queue item", "error", err)
	}
}

// cleanupContext возвращает контекст, переживающий отмену ctx, с коротким таймаутом.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func leaseOwner(b *domain.Batch) string {
	if b == nil {
		return ""
	}
	return b.LeaseOwner
}
