package domain

import (
	"time"

	"github.com/google/uuid"
)

// Record — одна запись для переноса.
//
// ID — внешний идентификатор записи в source_system. Перенос идемпотентен по ID:
// повторная отправка уже перенесённой записи не создаёт дубликат.
type Record struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Batch — упорядоченная группа записей job, единица retry.
//
// Batch повторяется только для оставшихся записей: успешно перенесённые
// и упавшие с permanent ошибкой в следующие попытки не попадают.
type Batch struct {
	ID             uuid.UUID `json:"id"`
	JobID          uuid.UUID `json:"job_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	SequenceNumber int       `json:"sequence_number"`

	// Records — записи в порядке вставки (он же порядок обработки).
	Records []Record `json:"records"`

	// SucceededIDs — записи, перенесённые в одной из попыток.
	SucceededIDs []string `json:"succeeded_ids,omitempty"`

	// FailedIDs — записи, упавшие с permanent ошибкой.
	FailedIDs []string `json:"failed_ids,omitempty"`

	Status BatchStatus `json:"status"`

	// AttemptCount — количество выполненных повторов batch (0 для первой попытки).
	// Увеличивается при захвате batch в статусе retrying.
	AttemptCount int `json:"attempt_count"`

	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	// LeaseOwner и LeaseExpiresAt — эксклюзивный захват batch воркером.
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordIDs возвращает ID всех записей в порядке обработки.
func (b *Batch) RecordIDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}

// RemainingRecords возвращает записи без финального результата в порядке обработки.
func (b *Batch) RemainingRecords() []Record {
	done := make(map[string]struct{}, len(b.SucceededIDs)+len(b.FailedIDs))
	for _, id := range b.SucceededIDs {
		done[id] = struct{}{}
	}
	for _, id := range b.FailedIDs {
		done[id] = struct{}{}
	}

	remaining := make([]Record, 0, len(b.Records)-len(done))
	for _, r := range b.Records {
		if _, ok := done[r.ID]; !ok {
			remaining = append(remaining, r)
		}
	}
	return remaining
}

// RemainingIDs возвращает ID записей без финального результата.
func (b *Batch) RemainingIDs() []string {
	remaining := b.RemainingRecords()
	ids := make([]string, len(remaining))
	for i, r := range remaining {
		ids[i] = r.ID
	}
	return ids
}

// IsLeasedBy проверяет, что batch захвачен owner и lease не истёк.
func (b *Batch) IsLeasedBy(owner string, now time.Time) bool {
	return b.LeaseOwner == owner && b.LeaseExpiresAt != nil && b.LeaseExpiresAt.After(now)
}

// IsLeased проверяет, что batch захвачен кем-либо и lease не истёк.
func (b *Batch) IsLeased(now time.Time) bool {
	return b.LeaseOwner != "" && b.LeaseExpiresAt != nil && b.LeaseExpiresAt.After(now)
}

// ClearLease снимает захват batch.
func (b *Batch) ClearLease() {
	b.LeaseOwner = ""
	b.LeaseExpiresAt = nil
}

// ResetForRetry возвращает batch в pending для RetryJob.
//
// clearFailed=true дополнительно возвращает в работу записи с permanent ошибками.
// Возвращает количество записей, которые нужно вычесть из FailedRecords job.
func (b *Batch) ResetForRetry(clearFailed bool) int {
	released := 0
	if b.Status == BatchStatusFailedFinal {
		released += len(b.RemainingIDs())
	}
	if clearFailed {
		released += len(b.FailedIDs)
		b.FailedIDs = nil
	}

	b.Status = BatchStatusPending
	b.AttemptCount = 0
	b.NextRetryAt = nil
	b.LastError = ""
	b.ClearLease()
	return released
}

// RetryableForJob проверяет, попадает ли batch под RetryJob.
func (b *Batch) RetryableForJob(failedOnly bool) bool {
	if b.Status == BatchStatusFailedFinal {
		return true
	}
	if failedOnly {
		return false
	}
	return b.Status == BatchStatusFailed
}

// FailedRecord — запись, перенос которой завершился ошибкой в текущей попытке.
type FailedRecord struct {
	RecordID   string        `json:"record_id"`
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// BatchResult — итог одной попытки выполнения batch.
//
// Применяется оркестратором атомарно: состояние batch, счётчики job и RecordLog.
type BatchResult struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	JobID      uuid.UUID `json:"job_id"`
	BatchID    uuid.UUID `json:"batch_id"`
	LeaseOwner string    `json:"lease_owner"`

	// Status — новый статус batch.
	Status BatchStatus `json:"status"`

	// SucceededIDs — записи, перенесённые в этой попытке.
	SucceededIDs []string `json:"succeeded_ids,omitempty"`

	// FailedIDs — записи, упавшие с permanent ошибкой в этой попытке.
	FailedIDs []string `json:"failed_ids,omitempty"`

	// ExhaustedIDs — записи с transient ошибкой после исчерпания бюджета retry.
	ExhaustedIDs []string `json:"exhausted_ids,omitempty"`

	// Failures — все ошибки записей в этой попытке с их классификацией.
	Failures []FailedRecord `json:"failures,omitempty"`

	// SkippedIDs — записи, не обработанные из-за отмены job.
	SkippedIDs []string `json:"skipped_ids,omitempty"`

	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	// Cancelled — выполнение прервано отменой job.
	Cancelled bool `json:"cancelled"`

	// Logs — RecordLog по одной на каждую попытку записи.
	Logs []RecordLog `json:"logs,omitempty"`
}

// ProcessedDelta возвращает прирост ProcessedRecords job.
func (r *BatchResult) ProcessedDelta() int {
	return len(r.SucceededIDs)
}

// FailedDelta возвращает прирост FailedRecords job.
func (r *BatchResult) FailedDelta() int {
	return len(r.FailedIDs) + len(r.ExhaustedIDs)
}

// Apply переносит результат попытки в batch.
func (b *Batch) Apply(r *BatchResult, now time.Time) {
	b.SucceededIDs = append(b.SucceededIDs, r.SucceededIDs...)
	b.FailedIDs = append(b.FailedIDs, r.FailedIDs...)
	b.Status = r.Status
	b.NextRetryAt = r.NextRetryAt
	if r.LastError != "" {
		b.LastError = r.LastError
	}
	b.ClearLease()
	b.UpdatedAt = now
}
