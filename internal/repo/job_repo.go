package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/Freight/internal/domain"
)

const jobColumns = `
	id, tenant_id, source_system, target_system, batch_size, status,
	total_records, processed_records, failed_records, error, idempotency_key,
	created_at, started_at, completed_at
`

// CreateJob создаёт job и его batches в одной транзакции.
func (s *PGStore) CreateJob(ctx context.Context, job *domain.MigrationJob, batches []domain.Batch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO migration_jobs (id, tenant_id, source_system, target_system, batch_size, status,
			                            total_records, processed_records, failed_records, idempotency_key,
			                            created_at, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $9, $10)
		`
		_, err := tx.Exec(ctx, query,
			job.ID,
			job.TenantID,
			job.SourceSystem,
			job.TargetSystem,
			job.BatchSize,
			job.Status,
			job.TotalRecords,
			nullString(job.IdempotencyKey),
			job.CreatedAt,
			job.StartedAt,
		)
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		insert := `
			INSERT INTO batches (id, job_id, tenant_id, sequence_number, records, status,
			                     attempt_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		`
		b := &pgx.Batch{}
		for i := range batches {
			batch := &batches[i]
			recordsJSON, err := json.Marshal(batch.Records)
			if err != nil {
				return fmt.Errorf("marshal records: %w", err)
			}
			b.Queue(insert,
				batch.ID,
				batch.JobID,
				batch.TenantID,
				batch.SequenceNumber,
				recordsJSON,
				batch.Status,
				batch.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("insert batches: %w", err)
		}
		return nil
	})
}

// GetJob возвращает job tenant.
func (s *PGStore) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*domain.MigrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs WHERE tenant_id = $1 AND id = $2`
	return scanJob(s.pool.QueryRow(ctx, query, tenantID, jobID))
}

// GetJobByIdempotencyKey возвращает job по ключу идемпотентности.
func (s *PGStore) GetJobByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*domain.MigrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs WHERE tenant_id = $1 AND idempotency_key = $2`
	return scanJob(s.pool.QueryRow(ctx, query, tenantID, key))
}

// ListJobs возвращает jobs tenant с фильтрацией.
func (s *PGStore) ListJobs(ctx context.Context, tenantID uuid.UUID, filter JobFilter) ([]domain.MigrationJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + jobColumns + `
		FROM migration_jobs
		WHERE tenant_id = $1
		  AND ($2::text IS NULL OR status = $2::job_status)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := s.pool.Query(ctx, query,
		tenantID,
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.MigrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// TransitionJob меняет статус job при условии, что текущий статус входит в from.
func (s *PGStore) TransitionJob(ctx context.Context, tenantID, jobID uuid.UUID, from []domain.JobStatus, to domain.JobStatus, at time.Time) (*domain.MigrationJob, error) {
	var job *domain.MigrationJob

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockJob(ctx, tx, tenantID, jobID)
		if err != nil {
			return err
		}
		if !slices.Contains(from, current.Status) {
			job = current
			return fmt.Errorf("%w: job is %s", ErrInvalidState, current.Status)
		}

		if to == domain.JobStatusRunning {
			current.MarkRunning(at)
		} else if to.IsTerminal() {
			current.MarkFinished(to, at)
		} else {
			current.Status = to
		}

		if err := updateJob(ctx, tx, current); err != nil {
			return err
		}
		job = current
		return nil
	})
	return job, err
}

// lockJob читает job с блокировкой строки до конца транзакции.
func lockJob(ctx context.Context, tx pgx.Tx, tenantID, jobID uuid.UUID) (*domain.MigrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs WHERE tenant_id = $1 AND id = $2 FOR UPDATE`
	return scanJob(tx.QueryRow(ctx, query, tenantID, jobID))
}

// updateJob сохраняет изменяемые поля job.
func updateJob(ctx context.Context, tx pgx.Tx, job *domain.MigrationJob) error {
	query := `
		UPDATE migration_jobs
		SET status = $3, processed_records = $4, failed_records = $5, error = $6,
		    started_at = $7, completed_at = $8
		WHERE tenant_id = $1 AND id = $2
	`
	result, err := tx.Exec(ctx, query,
		job.TenantID,
		job.ID,
		job.Status,
		job.ProcessedRecords,
		job.FailedRecords,
		nullString(job.Error),
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanJob сканирует одну строку в MigrationJob.
func scanJob(row pgx.Row) (*domain.MigrationJob, error) {
	var job domain.MigrationJob
	var jobError, idempotencyKey *string

	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.SourceSystem,
		&job.TargetSystem,
		&job.BatchSize,
		&job.Status,
		&job.TotalRecords,
		&job.ProcessedRecords,
		&job.FailedRecords,
		&jobError,
		&idempotencyKey,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Error = derefString(jobError)
	job.IdempotencyKey = derefString(idempotencyKey)
	return &job, nil
}
