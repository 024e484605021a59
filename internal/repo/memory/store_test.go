package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/repo"
)

// seedJob создаёт running job с batches по указанным ID записей.
func seedJob(t *testing.T, s *Store, tenantID uuid.UUID, records ...[]string) (*domain.MigrationJob, []domain.Batch) {
	t.Helper()

	now := time.Now()
	job := &domain.MigrationJob{
		ID:           uuid.New(),
		TenantID:     tenantID,
		SourceSystem: "affinity",
		TargetSystem: "attio",
		BatchSize:    100,
		Status:       domain.JobStatusRunning,
		CreatedAt:    now,
	}

	var batches []domain.Batch
	for i, ids := range records {
		b := domain.Batch{
			ID:             uuid.New(),
			JobID:          job.ID,
			TenantID:       tenantID,
			SequenceNumber: i,
			Status:         domain.BatchStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, id := range ids {
			b.Records = append(b.Records, domain.Record{ID: id})
		}
		job.TotalRecords += len(ids)
		batches = append(batches, b)
	}

	if err := s.CreateJob(context.Background(), job, batches); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job, batches
}

func TestStore_TenantIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	job, batches := seedJob(t, s, tenantA, []string{"r1"})

	if _, err := s.GetJob(ctx, tenantB, job.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign tenant, got %v", err)
	}
	if _, err := s.GetBatch(ctx, tenantB, batches[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign batch, got %v", err)
	}
	if jobs, _ := s.ListJobs(ctx, tenantB, repo.JobFilter{}); len(jobs) != 0 {
		t.Errorf("expected no jobs for tenant B, got %d", len(jobs))
	}
	if _, err := s.AcquireBatchLease(ctx, tenantB, batches[0].ID, "w", time.Minute); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound on foreign lease, got %v", err)
	}
}

func TestStore_IdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantID := uuid.New()

	job := &domain.MigrationJob{ID: uuid.New(), TenantID: tenantID, IdempotencyKey: "k1", Status: domain.JobStatusPending}
	if err := s.CreateJob(ctx, job, nil); err != nil {
		t.Fatalf("create job: %v", err)
	}

	dup := &domain.MigrationJob{ID: uuid.New(), TenantID: tenantID, IdempotencyKey: "k1"}
	if err := s.CreateJob(ctx, dup, nil); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	// Тот же ключ у другого tenant разрешён
	other := &domain.MigrationJob{ID: uuid.New(), TenantID: uuid.New(), IdempotencyKey: "k1"}
	if err := s.CreateJob(ctx, other, nil); err != nil {
		t.Errorf("same key for another tenant must be allowed: %v", err)
	}

	found, err := s.GetJobByIdempotencyKey(ctx, tenantID, "k1")
	if err != nil || found.ID != job.ID {
		t.Errorf("expected to find job by key, got %v, %v", found, err)
	}
}

func TestStore_Lease(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_, batches := seedJob(t, s, tenantID, []string{"r1", "r2"})
	batchID := batches[0].ID

	b, err := s.AcquireBatchLease(ctx, tenantID, batchID, "w1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if b.Status != domain.BatchStatusProcessing || b.LeaseOwner != "w1" {
		t.Errorf("unexpected batch after acquire: %+v", b)
	}

	// Второй воркер не может захватить batch
	if _, err := s.AcquireBatchLease(ctx, tenantID, batchID, "w2", time.Minute); !errors.Is(err, repo.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	if err := s.ExtendBatchLease(ctx, tenantID, batchID, "w2", time.Minute); !errors.Is(err, repo.ErrLeaseLost) {
		t.Errorf("foreign extend must fail with ErrLeaseLost, got %v", err)
	}
	if err := s.ExtendBatchLease(ctx, tenantID, batchID, "w1", 2*time.Minute); err != nil {
		t.Errorf("extend: %v", err)
	}

	// Lease истёк — batch можно перехватить
	now = now.Add(3 * time.Minute)
	if _, err := s.AcquireBatchLease(ctx, tenantID, batchID, "w2", time.Minute); err != nil {
		t.Fatalf("expected reclaim after expiry, got %v", err)
	}

	// Старый владелец теряет право зафиксировать результат
	_, err = s.ApplyBatchResult(ctx, &domain.BatchResult{
		TenantID:   tenantID,
		JobID:      batches[0].JobID,
		BatchID:    batchID,
		LeaseOwner: "w1",
		Status:     domain.BatchStatusSucceeded,
	})
	if !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}

	if err := s.ReleaseBatchLease(ctx, tenantID, batchID, "w2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	b, _ = s.GetBatch(ctx, tenantID, batchID)
	if b.Status != domain.BatchStatusPending || b.LeaseOwner != "" {
		t.Errorf("expected pending batch without lease, got %+v", b)
	}
}

func TestStore_AcquireRetryingIncrementsAttempt(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantID := uuid.New()

	job, batches := seedJob(t, s, tenantID, []string{"r1"})
	batchID := batches[0].ID

	if _, err := s.AcquireBatchLease(ctx, tenantID, batchID, "w1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	retryAt := time.Now().Add(time.Second)
	if _, err := s.ApplyBatchResult(ctx, &domain.BatchResult{
		TenantID: tenantID, JobID: job.ID, BatchID: batchID, LeaseOwner: "w1",
		Status: domain.BatchStatusRetrying, NextRetryAt: &retryAt,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	b, _ := s.GetBatch(ctx, tenantID, batchID)
	if b.AttemptCount != 0 {
		t.Errorf("attempt_count must not advance until executed again, got %d", b.AttemptCount)
	}

	b, err := s.AcquireBatchLease(ctx, tenantID, batchID, "w2", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if b.AttemptCount != 1 {
		t.Errorf("expected attempt_count 1 on re-execution, got %d", b.AttemptCount)
	}
}

func TestStore_ApplyBatchResult(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantID := uuid.New()

	job, batches := seedJob(t, s, tenantID, []string{"r1", "r2", "r3"}, []string{"r4"})

	if _, err := s.AcquireBatchLease(ctx, tenantID, batches[0].ID, "w1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	outcome, err := s.ApplyBatchResult(ctx, &domain.BatchResult{
		TenantID:     tenantID,
		JobID:        job.ID,
		BatchID:      batches[0].ID,
		LeaseOwner:   "w1",
		Status:       domain.BatchStatusFailed,
		SucceededIDs: []string{"r1", "r3"},
		FailedIDs:    []string{"r2"},
		Logs: []domain.RecordLog{
			{ID: uuid.New(), TenantID: tenantID, JobID: job.ID, RecordID: "r1", Status: domain.RecordStatusSuccess},
			{ID: uuid.New(), TenantID: tenantID, JobID: job.ID, RecordID: "r2", Status: domain.RecordStatusFailed},
			{ID: uuid.New(), TenantID: tenantID, JobID: job.ID, RecordID: "r3", Status: domain.RecordStatusSuccess},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if outcome.Job.ProcessedRecords != 2 || outcome.Job.FailedRecords != 1 {
		t.Errorf("unexpected counters: processed=%d failed=%d", outcome.Job.ProcessedRecords, outcome.Job.FailedRecords)
	}
	if outcome.OpenBatches != 1 {
		t.Errorf("expected 1 open batch, got %d", outcome.OpenBatches)
	}
	if outcome.Batch.LeaseOwner != "" {
		t.Error("lease must be released after apply")
	}
	if outcome.Discarded {
		t.Error("result of running job must not be discarded")
	}

	logs, _ := s.ListRecordLogs(ctx, tenantID, job.ID, 0, 10)
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].Seq <= logs[i-1].Seq {
			t.Error("log seq must be increasing")
		}
	}

	// Курсор продолжает с последнего Seq
	rest, _ := s.ListRecordLogs(ctx, tenantID, job.ID, logs[1].Seq, 10)
	if len(rest) != 1 || rest[0].RecordID != "r3" {
		t.Errorf("unexpected logs after cursor: %+v", rest)
	}
}

func TestStore_ApplyBatchResult_CancelledJobCountsAttemptedRecords(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantID := uuid.New()

	job, batches := seedJob(t, s, tenantID, []string{"r1", "r2", "r3", "r4"})
	if _, err := s.AcquireBatchLease(ctx, tenantID, batches[0].ID, "w1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := s.TransitionJob(ctx, tenantID, job.ID,
		[]domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusCancelled, time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	outcome, err := s.ApplyBatchResult(ctx, &domain.BatchResult{
		TenantID: tenantID, JobID: job.ID, BatchID: batches[0].ID, LeaseOwner: "w1",
		Status: domain.BatchStatusPending, SucceededIDs: []string{"r1"}, FailedIDs: []string{"r2"},
		SkippedIDs: []string{"r3", "r4"}, LastError: "invalid email", Cancelled: true,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !outcome.Discarded {
		t.Error("expected result to be discarded from job resolution")
	}
	// Выполненные до отмены записи учитываются, пропущенные — нет
	if outcome.Job.ProcessedRecords != 1 || outcome.Job.FailedRecords != 1 {
		t.Errorf("expected 1/1, got %d/%d", outcome.Job.ProcessedRecords, outcome.Job.FailedRecords)
	}
	if outcome.Job.Status != domain.JobStatusCancelled || outcome.Job.Error != "" {
		t.Errorf("cancelled job must keep status and error, got %s %q", outcome.Job.Status, outcome.Job.Error)
	}
	if outcome.Batch.Status != domain.BatchStatusPending {
		t.Errorf("expected interrupted batch to stay pending, got %s", outcome.Batch.Status)
	}

	stored, _ := s.GetJob(ctx, tenantID, job.ID)
	if stored.ProcessedRecords != 1 || stored.FailedRecords != 1 {
		t.Errorf("counters must be persisted, got %d/%d", stored.ProcessedRecords, stored.FailedRecords)
	}
}

func TestStore_TransitionJob_InvalidState(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantID := uuid.New()

	job, _ := seedJob(t, s, tenantID, []string{"r1"})

	got, err := s.TransitionJob(ctx, tenantID, job.ID,
		[]domain.JobStatus{domain.JobStatusFailed}, domain.JobStatusRunning, time.Now())
	if !errors.Is(err, repo.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if got == nil || got.Status != domain.JobStatusRunning {
		t.Errorf("expected current job to be returned, got %+v", got)
	}
}

func TestStore_ReopenBatches(t *testing.T) {
	s := New()
	ctx := context.Background()
	tenantID := uuid.New()

	job, batches := seedJob(t, s, tenantID, []string{"a1", "a2"}, []string{"b1", "b2"}, []string{"c1"})

	apply := func(b domain.Batch, r domain.BatchResult) {
		t.Helper()
		if _, err := s.AcquireBatchLease(ctx, tenantID, b.ID, "w", time.Minute); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		r.TenantID, r.JobID, r.BatchID, r.LeaseOwner = tenantID, job.ID, b.ID, "w"
		if _, err := s.ApplyBatchResult(ctx, &r); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	// a: исчерпан бюджет на a2; b: permanent ошибка b2; c: успех
	apply(batches[0], domain.BatchResult{Status: domain.BatchStatusFailedFinal, SucceededIDs: []string{"a1"}, ExhaustedIDs: []string{"a2"}})
	apply(batches[1], domain.BatchResult{Status: domain.BatchStatusFailed, SucceededIDs: []string{"b1"}, FailedIDs: []string{"b2"}})
	apply(batches[2], domain.BatchResult{Status: domain.BatchStatusSucceeded, SucceededIDs: []string{"c1"}})

	// Job ещё running — RetryJob недопустим
	if _, err := s.ReopenBatches(ctx, tenantID, job.ID, true, time.Now()); !errors.Is(err, repo.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if _, err := s.TransitionJob(ctx, tenantID, job.ID,
		[]domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusCompletedWithErrors, time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}

	reopened, err := s.ReopenBatches(ctx, tenantID, job.ID, true, time.Now())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(reopened) != 1 || reopened[0].ID != batches[0].ID {
		t.Fatalf("expected only failed_final batch to be reopened, got %d", len(reopened))
	}
	if got := reopened[0].RemainingIDs(); len(got) != 1 || got[0] != "a2" {
		t.Errorf("expected only a2 to be dispatched again, got %v", got)
	}

	j, _ := s.GetJob(ctx, tenantID, job.ID)
	if j.Status != domain.JobStatusRunning {
		t.Errorf("expected running after reopen, got %s", j.Status)
	}
	if j.FailedRecords != 1 {
		t.Errorf("expected failed_records 1 (b2), got %d", j.FailedRecords)
	}
}

func TestStore_TenantAdmin(t *testing.T) {
	s := New()
	ctx := context.Background()

	acme := &domain.Tenant{ID: uuid.New(), Name: "acme", Status: domain.TenantStatusActive, CreatedAt: time.Now()}
	beta := &domain.Tenant{ID: uuid.New(), Name: "beta", Status: domain.TenantStatusActive, CreatedAt: time.Now()}

	for _, tn := range []*domain.Tenant{beta, acme} {
		if err := s.CreateTenant(ctx, tn); err != nil {
			t.Fatalf("create tenant: %v", err)
		}
	}
	if err := s.CreateTenant(ctx, acme); !errors.Is(err, repo.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	tenants, err := s.ListTenants(ctx)
	if err != nil || len(tenants) != 2 || tenants[0].Name != "acme" {
		t.Fatalf("expected tenants sorted by name, got %+v, %v", tenants, err)
	}

	updated, err := s.SetTenantStatus(ctx, beta.ID, domain.TenantStatusSuspended)
	if err != nil || updated.Status != domain.TenantStatusSuspended {
		t.Fatalf("set status: %+v, %v", updated, err)
	}

	if _, err := s.SetTenantStatus(ctx, uuid.New(), domain.TenantStatusActive); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListTenantIDsWithRunningJobs(t *testing.T) {
	s := New()
	ctx := context.Background()
	acme, beta, idle := uuid.New(), uuid.New(), uuid.New()

	s.PutTenant(domain.Tenant{ID: acme, Name: "acme", Status: domain.TenantStatusActive})
	s.PutTenant(domain.Tenant{ID: beta, Name: "beta", Status: domain.TenantStatusSuspended})
	s.PutTenant(domain.Tenant{ID: idle, Name: "idle", Status: domain.TenantStatusActive})

	seedJob(t, s, acme, []string{"r1"})
	seedJob(t, s, acme, []string{"r2"})
	seedJob(t, s, beta, []string{"r1"})
	done, _ := seedJob(t, s, idle, []string{"r1"})
	if _, err := s.TransitionJob(ctx, idle, done.ID, []domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusCompleted, time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}

	ids, err := s.ListTenantIDsWithRunningJobs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Приостановленный tenant с running job тоже обслуживается
	if len(ids) != 2 {
		t.Fatalf("expected acme and beta, got %v", ids)
	}
	for _, id := range ids {
		if id == idle {
			t.Errorf("tenant without running jobs must be skipped")
		}
	}
}
