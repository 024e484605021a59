package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/domain"
)

// Store — хранилище jobs, batches и RecordLog.
//
// Каждый метод принимает tenantID явно и фильтрует по нему: объект другого
// tenant неотличим от отсутствующего (ErrNotFound).
//
// Реализации: PGStore (PostgreSQL) и memory.Store (тесты, локальный запуск).
type Store interface {
	// GetTenant возвращает tenant.
	GetTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error)

	// CreateJob создаёт job и все его batches в одной транзакции.
	// ErrAlreadyExists — job с таким IdempotencyKey у tenant уже есть.
	CreateJob(ctx context.Context, job *domain.MigrationJob, batches []domain.Batch) error

	// GetJob возвращает job.
	GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*domain.MigrationJob, error)

	// GetJobByIdempotencyKey возвращает job по ключу идемпотентности.
	GetJobByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*domain.MigrationJob, error)

	// ListJobs возвращает jobs tenant, новые первыми.
	ListJobs(ctx context.Context, tenantID uuid.UUID, filter JobFilter) ([]domain.MigrationJob, error)

	// TransitionJob меняет статус job, если текущий статус входит в from.
	// ErrInvalidState — статус job не входит в from.
	TransitionJob(ctx context.Context, tenantID, jobID uuid.UUID, from []domain.JobStatus, to domain.JobStatus, at time.Time) (*domain.MigrationJob, error)

	// GetBatch возвращает batch.
	GetBatch(ctx context.Context, tenantID, batchID uuid.UUID) (*domain.Batch, error)

	// ListBatches возвращает batches job в порядке sequence_number.
	ListBatches(ctx context.Context, tenantID, jobID uuid.UUID) ([]domain.Batch, error)

	// CountBatches возвращает распределение batches job по статусам.
	CountBatches(ctx context.Context, tenantID, jobID uuid.UUID) (map[domain.BatchStatus]int, error)

	// AcquireBatchLease захватывает batch для выполнения: статус processing,
	// lease на ttl. Повторный захват batch в статусе retrying увеличивает AttemptCount.
	//   - ErrLeaseHeld    — действующий lease у другого воркера
	//   - ErrInvalidState — batch в финальном статусе
	AcquireBatchLease(ctx context.Context, tenantID, batchID uuid.UUID, owner string, ttl time.Duration) (*domain.Batch, error)

	// ExtendBatchLease продлевает lease. ErrLeaseLost — lease уже не принадлежит owner.
	ExtendBatchLease(ctx context.Context, tenantID, batchID uuid.UUID, owner string, ttl time.Duration) error

	// ReleaseBatchLease снимает lease без результата; batch возвращается в pending.
	// ErrLeaseLost — batch не захвачен owner.
	ReleaseBatchLease(ctx context.Context, tenantID, batchID uuid.UUID, owner string) error

	// ApplyBatchResult атомарно фиксирует результат попытки: проверяет lease,
	// дописывает RecordLog, обновляет batch и счётчики job. Для отменённого job
	// учитываются только записи, выполненные в этой попытке.
	// ErrLeaseLost — lease истёк или перехвачен; ничего не записано.
	ApplyBatchResult(ctx context.Context, result *domain.BatchResult) (*ApplyOutcome, error)

	// ReopenBatches возвращает в pending batches, подпадающие под RetryJob,
	// вычитает их ошибки из счётчика job и переводит job в running.
	// Если подходящих batches нет, ничего не меняется.
	ReopenBatches(ctx context.Context, tenantID, jobID uuid.UUID, failedOnly bool, at time.Time) ([]domain.Batch, error)

	// ListRecordLogs возвращает RecordLog job с Seq > afterSeq по возрастанию Seq.
	ListRecordLogs(ctx context.Context, tenantID, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.RecordLog, error)

	// ListTenantIDsWithRunningJobs возвращает ID tenants, у которых есть running jobs
	// (для обслуживания). Статус tenant не учитывается: приостановка запрещает только Submit.
	ListTenantIDsWithRunningJobs(ctx context.Context) ([]uuid.UUID, error)

	// ListStaleBatches возвращает открытые batches running jobs tenant без действующего
	// lease, не обновлявшиеся с olderThan (потерянные очередью).
	ListStaleBatches(ctx context.Context, tenantID uuid.UUID, olderThan time.Time, limit int) ([]domain.Batch, error)
}

// TenantAdmin — управление tenants (freight-cli tenant).
type TenantAdmin interface {
	// CreateTenant создаёт tenant. ErrAlreadyExists — ID занят.
	CreateTenant(ctx context.Context, t *domain.Tenant) error

	// GetTenant возвращает tenant.
	GetTenant(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error)

	// ListTenants возвращает всех tenants по имени.
	ListTenants(ctx context.Context) ([]domain.Tenant, error)

	// SetTenantStatus меняет статус tenant. Приостановка не затрагивает
	// уже запущенные jobs: запрещается только Submit.
	SetTenantStatus(ctx context.Context, tenantID uuid.UUID, status domain.TenantStatus) (*domain.Tenant, error)
}

// ApplyOutcome — результат ApplyBatchResult.
type ApplyOutcome struct {
	// Job — состояние job после применения.
	Job domain.MigrationJob

	// Batch — состояние batch после применения.
	Batch domain.Batch

	// OpenBatches — количество batches job, которые ещё будут выполняться.
	OpenBatches int

	// Discarded — job отменён: batch не планируется повторно, статус job не меняется.
	Discarded bool
}

// JobFilter — параметры фильтрации jobs.
type JobFilter struct {
	Status domain.JobStatus
	Limit  int
	Offset int
}
