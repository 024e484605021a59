package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/Freight/internal/domain"
)

// ListRecordLogs возвращает RecordLog job с Seq > afterSeq.
func (s *PGStore) ListRecordLogs(ctx context.Context, tenantID, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.RecordLog, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT seq, id, batch_id, job_id, tenant_id, record_id, status,
		       error_kind, error_message, retry_count, created_at
		FROM record_logs
		WHERE tenant_id = $1 AND job_id = $2 AND seq > $3
		ORDER BY seq ASC
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, tenantID, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list record logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.RecordLog
	for rows.Next() {
		var l domain.RecordLog
		var errorKind, errorMessage *string
		if err := rows.Scan(
			&l.Seq,
			&l.ID,
			&l.BatchID,
			&l.JobID,
			&l.TenantID,
			&l.RecordID,
			&l.Status,
			&errorKind,
			&errorMessage,
			&l.RetryCount,
			&l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record log: %w", err)
		}
		l.ErrorKind = domain.ErrorKind(derefString(errorKind))
		l.ErrorMessage = derefString(errorMessage)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// insertRecordLogs дописывает RecordLog в рамках транзакции.
// Существующие строки не изменяются.
func insertRecordLogs(ctx context.Context, tx pgx.Tx, logs []domain.RecordLog) error {
	if len(logs) == 0 {
		return nil
	}

	query := `
		INSERT INTO record_logs (id, batch_id, job_id, tenant_id, record_id, status,
		                         error_kind, error_message, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	b := &pgx.Batch{}
	for i := range logs {
		l := &logs[i]
		b.Queue(query,
			l.ID,
			l.BatchID,
			l.JobID,
			l.TenantID,
			l.RecordID,
			l.Status,
			nullString(string(l.ErrorKind)),
			nullString(l.ErrorMessage),
			l.RetryCount,
			l.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert record logs: %w", err)
	}
	return nil
}

// prefixed добавляет алиас таблицы к списку колонок.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
