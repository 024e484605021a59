package domain

import (
	"time"

	"github.com/google/uuid"
)

// MigrationJob — задача переноса записей из source_system в target_system для одного tenant.
//
// Job изменяется только оркестратором. Счётчики ProcessedRecords и FailedRecords
// обновляются атомарно вместе с результатом batch.
type MigrationJob struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"id"`

	// TenantID — владелец job. Все запросы к хранилищу фильтруются по нему.
	TenantID uuid.UUID `json:"tenant_id"`

	// SourceSystem — система, из которой читаются записи (например, "affinity").
	SourceSystem string `json:"source_system"`

	// TargetSystem — система, в которую пишутся записи (например, "attio").
	TargetSystem string `json:"target_system"`

	// BatchSize — количество записей в одном batch.
	BatchSize int `json:"batch_size"`

	// Status — текущий статус job.
	Status JobStatus `json:"status"`

	TotalRecords     int `json:"total_records"`
	ProcessedRecords int `json:"processed_records"`
	FailedRecords    int `json:"failed_records"`

	// Error — краткое описание причины, если job завершился с ошибками.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности submit в рамках tenant.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Remaining возвращает количество записей без финального результата.
func (j *MigrationJob) Remaining() int {
	return j.TotalRecords - j.ProcessedRecords - j.FailedRecords
}

// IsFinished возвращает true, если job в финальном статусе.
func (j *MigrationJob) IsFinished() bool {
	return j.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если job ещё не завершён.
func (j *MigrationJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// MarkRunning переводит job в статус running.
func (j *MigrationJob) MarkRunning(now time.Time) {
	j.Status = JobStatusRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.CompletedAt = nil
	j.Error = ""
}

// MarkFinished переводит job в финальный статус.
func (j *MigrationJob) MarkFinished(status JobStatus, now time.Time) {
	j.Status = status
	j.CompletedAt = &now
}

// MarkCancelled переводит job в статус cancelled.
func (j *MigrationJob) MarkCancelled(now time.Time) {
	j.MarkFinished(JobStatusCancelled, now)
}

// ResolveStatus вычисляет финальный статус по счётчикам, когда открытых batches не осталось.
//
//   - нет ошибок — completed
//   - ни одна запись не перенесена — failed
//   - иначе — completed_with_errors
func (j *MigrationJob) ResolveStatus() JobStatus {
	switch {
	case j.FailedRecords == 0:
		return JobStatusCompleted
	case j.ProcessedRecords == 0:
		return JobStatusFailed
	default:
		return JobStatusCompletedWithErrors
	}
}

// JobSpec — параметры создания job.
type JobSpec struct {
	TenantID       uuid.UUID
	SourceSystem   string
	TargetSystem   string
	BatchSize      int
	Records        []Record
	IdempotencyKey string
}

// JobSnapshot — состояние job вместе с распределением batches по статусам.
type JobSnapshot struct {
	Job     MigrationJob        `json:"job"`
	Batches map[BatchStatus]int `json:"batches"`
}

// OpenBatches возвращает количество batches, которые ещё будут выполняться.
func (s *JobSnapshot) OpenBatches() int {
	n := 0
	for status, count := range s.Batches {
		if !status.IsTerminal() {
			n += count
		}
	}
	return n
}
