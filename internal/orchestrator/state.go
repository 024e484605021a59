package orchestrator

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/repo"
)

// GetJobState возвращает job и распределение его batches по статусам.
// Job другого tenant — repo.ErrNotFound.
func (o *Orchestrator) GetJobState(ctx context.Context, tenantID, jobID uuid.UUID) (*domain.JobSnapshot, error) {
	job, err := o.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	counts, err := o.store.CountBatches(ctx, tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}

	return &domain.JobSnapshot{Job: *job, Batches: counts}, nil
}

// ListJobs возвращает jobs tenant.
func (o *Orchestrator) ListJobs(ctx context.Context, tenantID uuid.UUID, filter repo.JobFilter) ([]domain.MigrationJob, error) {
	return o.store.ListJobs(ctx, tenantID, filter)
}

// ListBatches возвращает batches job в порядке sequence_number.
func (o *Orchestrator) ListBatches(ctx context.Context, tenantID, jobID uuid.UUID) ([]domain.Batch, error) {
	if _, err := o.store.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	return o.store.ListBatches(ctx, tenantID, jobID)
}

// StreamRecordLogs лениво читает RecordLog job постранично, начиная после afterSeq.
//
// Поток конечен: заканчивается на последней записи, существующей на момент
// чтения последней страницы. Для продолжения передайте Seq последней полученной записи.
// Ошибка хранилища возвращается последним элементом.
func (o *Orchestrator) StreamRecordLogs(ctx context.Context, tenantID, jobID uuid.UUID, afterSeq int64) iter.Seq2[domain.RecordLog, error] {
	return func(yield func(domain.RecordLog, error) bool) {
		if _, err := o.store.GetJob(ctx, tenantID, jobID); err != nil {
			yield(domain.RecordLog{}, err)
			return
		}

		cursor := afterSeq
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.RecordLog{}, err)
				return
			}

			page, err := o.store.ListRecordLogs(ctx, tenantID, jobID, cursor, o.logPageSize)
			if err != nil {
				yield(domain.RecordLog{}, fmt.Errorf("list record logs after %d: %w", cursor, err))
				return
			}

			for _, l := range page {
				if !yield(l, nil) {
					return
				}
				cursor = l.Seq
			}

			if len(page) < o.logPageSize {
				return
			}
		}
	}
}
