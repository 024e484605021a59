// Package memory — потокобезопасная in-memory реализация repo.Store.
//
// Используется в тестах и для локального запуска без PostgreSQL. Семантика
// совпадает с repo.PGStore: фильтрация по tenant, lease, атомарное применение
// результата batch под одной блокировкой.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/repo"
)

// Store — in-memory хранилище.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	tenants map[uuid.UUID]domain.Tenant
	jobs    map[uuid.UUID]*domain.MigrationJob
	batches map[uuid.UUID]*domain.Batch
	logs    []domain.RecordLog
	seq     int64
}

var (
	_ repo.Store       = (*Store)(nil)
	_ repo.TenantAdmin = (*Store)(nil)
)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		now:     time.Now,
		tenants: make(map[uuid.UUID]domain.Tenant),
		jobs:    make(map[uuid.UUID]*domain.MigrationJob),
		batches: make(map[uuid.UUID]*domain.Batch),
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutTenant добавляет или заменяет tenant.
func (s *Store) PutTenant(t domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// GetTenant возвращает tenant.
func (s *Store) GetTenant(_ context.Context, tenantID uuid.UUID) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &t, nil
}

// CreateTenant добавляет tenant. ErrAlreadyExists — ID занят.
func (s *Store) CreateTenant(_ context.Context, t *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return repo.ErrAlreadyExists
	}
	s.tenants[t.ID] = *t
	return nil
}

// ListTenants возвращает всех tenants по имени.
func (s *Store) ListTenants(_ context.Context) ([]domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenants := make([]domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool {
		if tenants[i].Name != tenants[j].Name {
			return tenants[i].Name < tenants[j].Name
		}
		return tenants[i].ID.String() < tenants[j].ID.String()
	})
	return tenants, nil
}

// SetTenantStatus меняет статус tenant.
func (s *Store) SetTenantStatus(_ context.Context, tenantID uuid.UUID, status domain.TenantStatus) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	t.Status = status
	s.tenants[tenantID] = t
	return &t, nil
}

// ListTenantIDsWithRunningJobs возвращает ID tenants с running jobs.
func (s *Store) ListTenantIDsWithRunningJobs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusRunning {
			continue
		}
		if _, ok := seen[job.TenantID]; ok {
			continue
		}
		seen[job.TenantID] = struct{}{}
		ids = append(ids, job.TenantID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// CreateJob сохраняет job и его batches.
func (s *Store) CreateJob(_ context.Context, job *domain.MigrationJob, batches []domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return repo.ErrAlreadyExists
	}
	if job.IdempotencyKey != "" {
		for _, j := range s.jobs {
			if j.TenantID == job.TenantID && j.IdempotencyKey == job.IdempotencyKey {
				return repo.ErrAlreadyExists
			}
		}
	}

	j := *job
	s.jobs[job.ID] = &j
	for i := range batches {
		b := cloneBatch(&batches[i])
		s.batches[b.ID] = b
	}
	return nil
}

// GetJob возвращает job tenant.
func (s *Store) GetJob(_ context.Context, tenantID, jobID uuid.UUID) (*domain.MigrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	j := *job
	return &j, nil
}

// GetJobByIdempotencyKey возвращает job по ключу идемпотентности.
func (s *Store) GetJobByIdempotencyKey(_ context.Context, tenantID uuid.UUID, key string) (*domain.MigrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.TenantID == tenantID && key != "" && j.IdempotencyKey == key {
			job := *j
			return &job, nil
		}
	}
	return nil, repo.ErrNotFound
}

// ListJobs возвращает jobs tenant, новые первыми.
func (s *Store) ListJobs(_ context.Context, tenantID uuid.UUID, filter repo.JobFilter) ([]domain.MigrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.MigrationJob
	for _, j := range s.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })

	if filter.Offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[filter.Offset:]
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// TransitionJob меняет статус job, если текущий входит в from.
func (s *Store) TransitionJob(_ context.Context, tenantID, jobID uuid.UUID, from []domain.JobStatus, to domain.JobStatus, at time.Time) (*domain.MigrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(from, job.Status) {
		j := *job
		return &j, fmt.Errorf("%w: job is %s", repo.ErrInvalidState, job.Status)
	}

	if to == domain.JobStatusRunning {
		job.MarkRunning(at)
	} else if to.IsTerminal() {
		job.MarkFinished(to, at)
	} else {
		job.Status = to
	}

	j := *job
	return &j, nil
}

// GetBatch возвращает batch tenant.
func (s *Store) GetBatch(_ context.Context, tenantID, batchID uuid.UUID) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.batch(tenantID, batchID)
	if err != nil {
		return nil, err
	}
	return cloneBatch(b), nil
}

// ListBatches возвращает batches job в порядке sequence_number.
func (s *Store) ListBatches(_ context.Context, tenantID, jobID uuid.UUID) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batches []domain.Batch
	for _, b := range s.jobBatches(tenantID, jobID) {
		batches = append(batches, *cloneBatch(b))
	}
	return batches, nil
}

// CountBatches возвращает распределение batches job по статусам.
func (s *Store) CountBatches(_ context.Context, tenantID, jobID uuid.UUID) (map[domain.BatchStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.BatchStatus]int)
	for _, b := range s.jobBatches(tenantID, jobID) {
		counts[b.Status]++
	}
	return counts, nil
}

// AcquireBatchLease захватывает batch для выполнения.
func (s *Store) AcquireBatchLease(_ context.Context, tenantID, batchID uuid.UUID, owner string, ttl time.Duration) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.batch(tenantID, batchID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if b.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch is %s", repo.ErrInvalidState, b.Status)
	}
	if b.IsLeased(now) && b.LeaseOwner != owner {
		return cloneBatch(b), repo.ErrLeaseHeld
	}

	if b.Status == domain.BatchStatusRetrying {
		b.AttemptCount++
	}
	expires := now.Add(ttl)
	b.Status = domain.BatchStatusProcessing
	b.LeaseOwner = owner
	b.LeaseExpiresAt = &expires
	b.NextRetryAt = nil
	b.UpdatedAt = now

	return cloneBatch(b), nil
}

// ExtendBatchLease продлевает lease owner.
func (s *Store) ExtendBatchLease(_ context.Context, tenantID, batchID uuid.UUID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.batch(tenantID, batchID)
	if err != nil {
		return err
	}

	now := s.now()
	if !b.IsLeasedBy(owner, now) {
		return repo.ErrLeaseLost
	}
	expires := now.Add(ttl)
	b.LeaseExpiresAt = &expires
	b.UpdatedAt = now
	return nil
}

// ReleaseBatchLease снимает lease owner, возвращая batch в pending.
func (s *Store) ReleaseBatchLease(_ context.Context, tenantID, batchID uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.batch(tenantID, batchID)
	if err != nil {
		return err
	}
	if b.LeaseOwner != owner || b.Status != domain.BatchStatusProcessing {
		return repo.ErrLeaseLost
	}

	b.Status = domain.BatchStatusPending
	b.ClearLease()
	b.UpdatedAt = s.now()
	return nil
}

// ApplyBatchResult атомарно фиксирует результат попытки batch.
func (s *Store) ApplyBatchResult(_ context.Context, result *domain.BatchResult) (*repo.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(result.TenantID, result.JobID)
	if err != nil {
		return nil, err
	}
	b, err := s.batch(result.TenantID, result.BatchID)
	if err != nil {
		return nil, err
	}
	if b.JobID != job.ID {
		return nil, repo.ErrNotFound
	}

	now := s.now()
	if !b.IsLeasedBy(result.LeaseOwner, now) {
		return nil, repo.ErrLeaseLost
	}

	for _, l := range result.Logs {
		s.seq++
		l.Seq = s.seq
		s.logs = append(s.logs, l)
	}

	b.Apply(result, now)

	// Записи, выполненные до отмены, учитываются; пропущенные остаются вне счётчиков
	job.ProcessedRecords += result.ProcessedDelta()
	job.FailedRecords += result.FailedDelta()

	outcome := &repo.ApplyOutcome{}
	if job.Status == domain.JobStatusCancelled {
		outcome.Discarded = true
	} else if result.LastError != "" {
		job.Error = result.LastError
	}

	for _, jb := range s.jobBatches(job.TenantID, job.ID) {
		if !jb.Status.IsTerminal() {
			outcome.OpenBatches++
		}
	}
	outcome.Job = *job
	outcome.Batch = *cloneBatch(b)
	return outcome, nil
}

// ReopenBatches возвращает в работу batches для RetryJob.
func (s *Store) ReopenBatches(_ context.Context, tenantID, jobID uuid.UUID, failedOnly bool, at time.Time) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.job(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsRetryable() {
		return nil, fmt.Errorf("%w: job is %s", repo.ErrInvalidState, job.Status)
	}

	var reopened []domain.Batch
	released := 0
	for _, b := range s.jobBatches(tenantID, jobID) {
		if !b.RetryableForJob(failedOnly) {
			continue
		}
		released += b.ResetForRetry(!failedOnly)
		b.UpdatedAt = at
		reopened = append(reopened, *cloneBatch(b))
	}

	if len(reopened) == 0 {
		return nil, nil
	}

	job.FailedRecords -= released
	job.MarkRunning(at)
	return reopened, nil
}

// ListRecordLogs возвращает RecordLog job с Seq > afterSeq.
func (s *Store) ListRecordLogs(_ context.Context, tenantID, jobID uuid.UUID, afterSeq int64, limit int) ([]domain.RecordLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}

	var logs []domain.RecordLog
	for _, l := range s.logs {
		if l.TenantID != tenantID || l.JobID != jobID || l.Seq <= afterSeq {
			continue
		}
		logs = append(logs, l)
		if len(logs) == limit {
			break
		}
	}
	return logs, nil
}

// ListStaleBatches возвращает открытые batches running jobs без движения с olderThan.
func (s *Store) ListStaleBatches(_ context.Context, tenantID uuid.UUID, olderThan time.Time, limit int) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []domain.Batch
	for _, b := range s.batches {
		if b.TenantID != tenantID || b.Status.IsTerminal() {
			continue
		}
		job, ok := s.jobs[b.JobID]
		if !ok || job.Status != domain.JobStatusRunning {
			continue
		}
		if b.LeaseExpiresAt != nil && !b.LeaseExpiresAt.Before(olderThan) {
			continue
		}
		if b.NextRetryAt != nil && !b.NextRetryAt.Before(olderThan) {
			continue
		}
		if !b.UpdatedAt.Before(olderThan) {
			continue
		}
		stale = append(stale, *cloneBatch(b))
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// --- Helpers (вызываются под s.mu) ---

func (s *Store) job(tenantID, jobID uuid.UUID) (*domain.MigrationJob, error) {
	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return job, nil
}

func (s *Store) batch(tenantID, batchID uuid.UUID) (*domain.Batch, error) {
	b, ok := s.batches[batchID]
	if !ok || b.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return b, nil
}

func (s *Store) jobBatches(tenantID, jobID uuid.UUID) []*domain.Batch {
	var batches []*domain.Batch
	for _, b := range s.batches {
		if b.TenantID == tenantID && b.JobID == jobID {
			batches = append(batches, b)
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].SequenceNumber < batches[j].SequenceNumber })
	return batches
}

// cloneBatch копирует batch вместе со slices, чтобы вызывающий не менял состояние хранилища.
func cloneBatch(b *domain.Batch) *domain.Batch {
	c := *b
	c.Records = slices.Clone(b.Records)
	c.SucceededIDs = slices.Clone(b.SucceededIDs)
	c.FailedIDs = slices.Clone(b.FailedIDs)
	if b.LeaseExpiresAt != nil {
		t := *b.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if b.NextRetryAt != nil {
		t := *b.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}
