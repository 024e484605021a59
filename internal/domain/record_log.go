package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecordLog — запись аудита одной попытки переноса записи.
//
// Журнал только дополняется: существующие строки никогда не перезаписываются.
// Seq монотонно растёт и служит курсором для StreamRecordLogs.
type RecordLog struct {
	Seq          int64        `json:"seq"`
	ID           uuid.UUID    `json:"id"`
	BatchID      uuid.UUID    `json:"batch_id"`
	JobID        uuid.UUID    `json:"job_id"`
	TenantID     uuid.UUID    `json:"tenant_id"`
	RecordID     string       `json:"record_id"`
	Status       RecordStatus `json:"status"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	RetryCount   int          `json:"retry_count"`
	CreatedAt    time.Time    `json:"created_at"`
}
