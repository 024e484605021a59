package domain

// JobStatus — статус migration job.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ completed_with_errors ─┐
//	                  ↘ failed ────────────────┴→ running (RetryJob)
//	          (или) → cancelled (из pending или running)
type JobStatus string

const (
	// JobStatusPending — job создан, batches ещё не поставлены в очередь.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning — batches выполняются воркерами.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted — все записи перенесены без ошибок.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusCompletedWithErrors — часть записей перенесена, часть завершилась ошибкой.
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"

	// JobStatusFailed — ни одна запись не перенесена.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled — job отменён пользователем.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsRetryable возвращает true, если из статуса разрешён RetryJob.
func (s JobStatus) IsRetryable() bool {
	return s == JobStatusFailed || s == JobStatusCompletedWithErrors
}

// IsCancellable возвращает true, если из статуса разрешена отмена.
func (s JobStatus) IsCancellable() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// ParseJobStatus парсит строку в JobStatus. Пустая строка и неизвестные значения дают "".
func ParseJobStatus(s string) JobStatus {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return JobStatus(s)
	default:
		return ""
	}
}

// BatchStatus — статус batch.
//
// Жизненный цикл:
//
//	pending → processing → succeeded
//	                     ↘ failed        (все оставшиеся записи — permanent ошибки)
//	                     ↘ retrying → processing → ...
//	                     ↘ failed_final  (бюджет retry исчерпан)
type BatchStatus string

const (
	// BatchStatusPending — batch ожидает выполнения.
	BatchStatusPending BatchStatus = "pending"

	// BatchStatusProcessing — batch захвачен воркером (lease).
	BatchStatusProcessing BatchStatus = "processing"

	// BatchStatusSucceeded — все записи batch перенесены.
	BatchStatusSucceeded BatchStatus = "succeeded"

	// BatchStatusFailed — все записи в финальном состоянии, часть упала с permanent ошибкой.
	BatchStatusFailed BatchStatus = "failed"

	// BatchStatusRetrying — batch возвращён в очередь с задержкой.
	BatchStatusRetrying BatchStatus = "retrying"

	// BatchStatusFailedFinal — transient ошибки остались после исчерпания бюджета retry.
	BatchStatusFailedFinal BatchStatus = "failed_final"
)

// IsTerminal возвращает true, если batch больше не будет выполняться без RetryJob.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusSucceeded, BatchStatusFailed, BatchStatusFailedFinal:
		return true
	default:
		return false
	}
}

// RecordStatus — результат одной попытки переноса записи.
type RecordStatus string

const (
	RecordStatusSuccess  RecordStatus = "success"
	RecordStatusFailed   RecordStatus = "failed"
	RecordStatusRetrying RecordStatus = "retrying"
	RecordStatusSkipped  RecordStatus = "skipped"
)

// ErrorKind — класс ошибки переноса записи.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindPermanent   ErrorKind = "permanent"
)

// TenantStatus — статус tenant.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)
