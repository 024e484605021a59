package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/mq"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/telemetry"
)

// OnBatchComplete применяет результат попытки batch.
//
// Шаги:
//  1. Атомарно фиксирует batch, счётчики job и RecordLog (guarded by lease)
//  2. Batch в retrying ставится в high_priority с задержкой NextRetryAt
//  3. Если открытых batches не осталось, job получает финальный статус
//
// repo.ErrLeaseLost — lease потерян, результат не записан.
func (o *Orchestrator) OnBatchComplete(ctx context.Context, result *domain.BatchResult) (*domain.MigrationJob, error) {
	outcome, err := o.store.ApplyBatchResult(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("apply batch result: %w", err)
	}

	telemetry.BatchesCompleted.WithLabelValues(string(outcome.Batch.Status)).Inc()
	o.publishBatchCompleted(ctx, result, outcome)

	job := outcome.Job
	logger := telemetry.WithBatch(o.logger, result.TenantID, result.JobID, result.BatchID)

	if outcome.Discarded || job.Status != domain.JobStatusRunning {
		logger.Debug("batch result discarded from job counters", "job_status", job.Status)
		return &job, nil
	}

	if outcome.Batch.Status == domain.BatchStatusRetrying {
		runAt := o.now()
		if outcome.Batch.NextRetryAt != nil {
			runAt = *outcome.Batch.NextRetryAt
		}
		if err := o.enqueue(ctx, &outcome.Batch, queue.PriorityHigh, runAt); err != nil {
			logger.Error("failed to schedule batch retry", "error", err)
		} else {
			logger.Info("batch retry scheduled",
				"attempt", outcome.Batch.AttemptCount+1,
				"run_at", runAt,
				"last_error", outcome.Batch.LastError,
			)
		}
	}

	if outcome.OpenBatches > 0 {
		return &job, nil
	}

	finished, err := o.finishJob(ctx, &job)
	if err != nil {
		// Job останется running без открытых batches; его доведёт ReconcileJob
		logger.Error("failed to resolve job status", "error", err)
		return &job, nil
	}
	return finished, nil
}

// ReconcileJob переводит running job без открытых batches в финальный статус.
// Возвращает true, если job завершён этим вызовом или параллельно с ним.
func (o *Orchestrator) ReconcileJob(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error) {
	snapshot, err := o.GetJobState(ctx, tenantID, jobID)
	if err != nil {
		return false, err
	}
	if snapshot.Job.Status != domain.JobStatusRunning || snapshot.OpenBatches() > 0 {
		return false, nil
	}

	finished, err := o.finishJob(ctx, &snapshot.Job)
	if err != nil {
		return false, err
	}
	return finished.Status.IsTerminal(), nil
}

// finishJob переводит job из running в статус по счётчикам.
func (o *Orchestrator) finishJob(ctx context.Context, job *domain.MigrationJob) (*domain.MigrationJob, error) {
	status := job.ResolveStatus()
	finished, err := o.store.TransitionJob(ctx, job.TenantID, job.ID,
		[]domain.JobStatus{domain.JobStatusRunning}, status, o.now())
	if errors.Is(err, repo.ErrInvalidState) && finished != nil {
		// Job отменён или уже завершён параллельно
		return finished, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}

	telemetry.JobsFinished.WithLabelValues(string(finished.Status)).Inc()
	o.publishJobEvent(ctx, mq.MessageTypeJobFinished, finished, 0)

	telemetry.WithJob(o.logger, finished.TenantID, finished.ID).Info("job finished",
		"status", finished.Status,
		"processed", finished.ProcessedRecords,
		"failed", finished.FailedRecords,
		"total", finished.TotalRecords,
		"duration", finished.Duration(),
	)

	return finished, nil
}

// publishJobEvent публикует событие job. Ошибки публикации только логируются.
func (o *Orchestrator) publishJobEvent(ctx context.Context, msgType mq.MessageType, job *domain.MigrationJob, batches int) {
	if o.events == nil || job == nil {
		return
	}

	payload := mq.JobEventPayload{
		TenantID:         job.TenantID,
		JobID:            job.ID,
		Status:           string(job.Status),
		Target:           job.TargetSystem,
		TotalRecords:     job.TotalRecords,
		ProcessedRecords: job.ProcessedRecords,
		FailedRecords:    job.FailedRecords,
		Batches:          batches,
	}
	if err := o.events.PublishJobEvent(ctx, msgType, payload); err != nil {
		o.logger.Warn("failed to publish job event",
			"type", msgType,
			"job_id", job.ID,
			"error", err,
		)
	}
}

func (o *Orchestrator) publishBatchCompleted(ctx context.Context, result *domain.BatchResult, outcome *repo.ApplyOutcome) {
	if o.events == nil {
		return
	}

	b := outcome.Batch
	payload := mq.BatchCompletedPayload{
		TenantID:    b.TenantID,
		JobID:       b.JobID,
		BatchID:     b.ID,
		Sequence:    b.SequenceNumber,
		Status:      string(b.Status),
		Attempt:     b.AttemptCount,
		Succeeded:   len(result.SucceededIDs),
		Failed:      len(result.Failures),
		Skipped:     len(result.SkippedIDs),
		Discarded:   outcome.Discarded,
		NextRetryAt: b.NextRetryAt,
		Error:       result.LastError,
	}
	if err := o.events.PublishBatchCompleted(ctx, payload); err != nil {
		o.logger.Warn("failed to publish batch event", "batch_id", b.ID, "error", err)
	}
}
