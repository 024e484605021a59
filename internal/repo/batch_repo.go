package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/Freight/internal/domain"
)

const batchColumns = `
	id, job_id, tenant_id, sequence_number, records, succeeded_ids, failed_ids,
	status, attempt_count, next_retry_at, last_error, lease_owner, lease_expires_at,
	created_at, updated_at
`

// GetBatch возвращает batch tenant.
func (s *PGStore) GetBatch(ctx context.Context, tenantID, batchID uuid.UUID) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE tenant_id = $1 AND id = $2`
	return scanBatch(s.pool.QueryRow(ctx, query, tenantID, batchID))
}

// ListBatches возвращает batches job в порядке sequence_number.
func (s *PGStore) ListBatches(ctx context.Context, tenantID, jobID uuid.UUID) ([]domain.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE tenant_id = $1 AND job_id = $2
		ORDER BY sequence_number ASC
	`
	rows, err := s.pool.Query(ctx, query, tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return collectBatches(rows)
}

// CountBatches возвращает распределение batches job по статусам.
func (s *PGStore) CountBatches(ctx context.Context, tenantID, jobID uuid.UUID) (map[domain.BatchStatus]int, error) {
	query := `
		SELECT status, count(*)
		FROM batches
		WHERE tenant_id = $1 AND job_id = $2
		GROUP BY status
	`
	rows, err := s.pool.Query(ctx, query, tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.BatchStatus]int)
	for rows.Next() {
		var status domain.BatchStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan batch count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AcquireBatchLease захватывает batch для выполнения.
func (s *PGStore) AcquireBatchLease(ctx context.Context, tenantID, batchID uuid.UUID, owner string, ttl time.Duration) (*domain.Batch, error) {
	var batch *domain.Batch

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b, err := lockBatch(ctx, tx, tenantID, batchID)
		if err != nil {
			return err
		}

		now := s.now()
		if b.Status.IsTerminal() {
			return fmt.Errorf("%w: batch is %s", ErrInvalidState, b.Status)
		}
		if b.IsLeased(now) && b.LeaseOwner != owner {
			batch = b
			return ErrLeaseHeld
		}

		// Повторное выполнение после retry — новая попытка
		if b.Status == domain.BatchStatusRetrying {
			b.AttemptCount++
		}
		expires := now.Add(ttl)
		b.Status = domain.BatchStatusProcessing
		b.LeaseOwner = owner
		b.LeaseExpiresAt = &expires
		b.NextRetryAt = nil
		b.UpdatedAt = now

		if err := updateBatch(ctx, tx, b); err != nil {
			return err
		}
		batch = b
		return nil
	})
	return batch, err
}

// ExtendBatchLease продлевает lease owner.
func (s *PGStore) ExtendBatchLease(ctx context.Context, tenantID, batchID uuid.UUID, owner string, ttl time.Duration) error {
	now := s.now()
	query := `
		UPDATE batches
		SET lease_expires_at = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2 AND lease_owner = $3 AND lease_expires_at > $5
	`
	result, err := s.pool.Exec(ctx, query, tenantID, batchID, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseBatchLease снимает lease owner, возвращая batch в pending.
func (s *PGStore) ReleaseBatchLease(ctx context.Context, tenantID, batchID uuid.UUID, owner string) error {
	query := `
		UPDATE batches
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND lease_owner = $3 AND status = 'processing'
	`
	result, err := s.pool.Exec(ctx, query, tenantID, batchID, owner, s.now())
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ApplyBatchResult атомарно фиксирует результат попытки batch.
//
// Порядок блокировок: job, затем batch — как в ReopenBatches.
func (s *PGStore) ApplyBatchResult(ctx context.Context, result *domain.BatchResult) (*ApplyOutcome, error) {
	var outcome ApplyOutcome

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, result.TenantID, result.JobID)
		if err != nil {
			return err
		}

		batch, err := lockBatch(ctx, tx, result.TenantID, result.BatchID)
		if err != nil {
			return err
		}
		if batch.JobID != job.ID {
			return ErrNotFound
		}

		now := s.now()
		if !batch.IsLeasedBy(result.LeaseOwner, now) {
			return ErrLeaseLost
		}

		if err := insertRecordLogs(ctx, tx, result.Logs); err != nil {
			return err
		}

		batch.Apply(result, now)
		if err := updateBatch(ctx, tx, batch); err != nil {
			return err
		}

		// Записи, выполненные до отмены, учитываются; пропущенные остаются вне счётчиков
		job.ProcessedRecords += result.ProcessedDelta()
		job.FailedRecords += result.FailedDelta()
		if job.Status == domain.JobStatusCancelled {
			outcome.Discarded = true
		} else if result.LastError != "" {
			job.Error = result.LastError
		}
		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}

		open, err := countOpenBatches(ctx, tx, job.TenantID, job.ID)
		if err != nil {
			return err
		}

		outcome.Job = *job
		outcome.Batch = *batch
		outcome.OpenBatches = open
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// ReopenBatches возвращает в работу batches для RetryJob.
func (s *PGStore) ReopenBatches(ctx context.Context, tenantID, jobID uuid.UUID, failedOnly bool, at time.Time) ([]domain.Batch, error) {
	var reopened []domain.Batch

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, tenantID, jobID)
		if err != nil {
			return err
		}
		if !job.Status.IsRetryable() {
			return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
		}

		query := `
			SELECT ` + batchColumns + `
			FROM batches
			WHERE tenant_id = $1 AND job_id = $2
			ORDER BY sequence_number ASC
			FOR UPDATE
		`
		rows, err := tx.Query(ctx, query, tenantID, jobID)
		if err != nil {
			return fmt.Errorf("select batches: %w", err)
		}
		batches, err := collectBatches(rows)
		if err != nil {
			return err
		}

		released := 0
		for i := range batches {
			b := &batches[i]
			if !b.RetryableForJob(failedOnly) {
				continue
			}
			released += b.ResetForRetry(!failedOnly)
			b.UpdatedAt = at
			if err := updateBatch(ctx, tx, b); err != nil {
				return err
			}
			reopened = append(reopened, *b)
		}

		if len(reopened) == 0 {
			return nil
		}

		job.FailedRecords -= released
		job.MarkRunning(at)
		return updateJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

// ListStaleBatches возвращает открытые batches running jobs без движения с olderThan.
func (s *PGStore) ListStaleBatches(ctx context.Context, tenantID uuid.UUID, olderThan time.Time, limit int) ([]domain.Batch, error) {
	query := `
		SELECT ` + prefixed("b", batchColumns) + `
		FROM batches b
		JOIN migration_jobs j ON j.id = b.job_id AND j.tenant_id = b.tenant_id
		WHERE b.tenant_id = $1
		  AND j.status = 'running'
		  AND b.status IN ('pending', 'retrying', 'processing')
		  AND (b.lease_expires_at IS NULL OR b.lease_expires_at < $2)
		  AND (b.next_retry_at IS NULL OR b.next_retry_at < $2)
		  AND b.updated_at < $2
		ORDER BY b.updated_at ASC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, tenantID, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale batches: %w", err)
	}
	return collectBatches(rows)
}

// --- Helpers ---

// lockBatch читает batch с блокировкой строки до конца транзакции.
func lockBatch(ctx context.Context, tx pgx.Tx, tenantID, batchID uuid.UUID) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
	return scanBatch(tx.QueryRow(ctx, query, tenantID, batchID))
}

// updateBatch сохраняет изменяемые поля batch.
func updateBatch(ctx context.Context, tx pgx.Tx, b *domain.Batch) error {
	query := `
		UPDATE batches
		SET succeeded_ids = $3, failed_ids = $4, status = $5, attempt_count = $6,
		    next_retry_at = $7, last_error = $8, lease_owner = $9, lease_expires_at = $10,
		    updated_at = $11
		WHERE tenant_id = $1 AND id = $2
	`
	_, err := tx.Exec(ctx, query,
		b.TenantID,
		b.ID,
		nonNil(b.SucceededIDs),
		nonNil(b.FailedIDs),
		b.Status,
		b.AttemptCount,
		b.NextRetryAt,
		nullString(b.LastError),
		nullString(b.LeaseOwner),
		b.LeaseExpiresAt,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return nil
}

// countOpenBatches считает batches job, которые ещё будут выполняться.
func countOpenBatches(ctx context.Context, tx pgx.Tx, tenantID, jobID uuid.UUID) (int, error) {
	query := `
		SELECT count(*)
		FROM batches
		WHERE tenant_id = $1 AND job_id = $2
		  AND status NOT IN ('succeeded', 'failed', 'failed_final')
	`
	var n int
	if err := tx.QueryRow(ctx, query, tenantID, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open batches: %w", err)
	}
	return n, nil
}

// collectBatches сканирует все строки rows в batches.
func collectBatches(rows pgx.Rows) ([]domain.Batch, error) {
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// scanBatch сканирует одну строку в Batch.
func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	var recordsJSON []byte
	var lastError, leaseOwner *string

	err := row.Scan(
		&b.ID,
		&b.JobID,
		&b.TenantID,
		&b.SequenceNumber,
		&recordsJSON,
		&b.SucceededIDs,
		&b.FailedIDs,
		&b.Status,
		&b.AttemptCount,
		&b.NextRetryAt,
		&lastError,
		&leaseOwner,
		&b.LeaseExpiresAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	if err := json.Unmarshal(recordsJSON, &b.Records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", err)
	}
	b.LastError = derefString(lastError)
	b.LeaseOwner = derefString(leaseOwner)
	return &b, nil
}

// nonNil заменяет nil-slice пустым (колонки text[] NOT NULL).
func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
