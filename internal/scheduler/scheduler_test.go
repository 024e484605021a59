package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo/memory"
	"github.com/shaiso/Freight/internal/telemetry"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReconciler struct {
	mu       sync.Mutex
	calls    []uuid.UUID
	finished map[uuid.UUID]bool
}

func (r *fakeReconciler) ReconcileJob(_ context.Context, _, jobID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobID)
	return r.finished[jobID], nil
}

type fixture struct {
	now    time.Time
	store  *memory.Store
	queue  *queue.MemoryQueue
	sched  *Scheduler
	tenant uuid.UUID
	recon  *fakeReconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		now:    testNow,
		store:  memory.New(),
		queue:  queue.NewMemoryQueue(),
		tenant: uuid.New(),
		recon:  &fakeReconciler{finished: map[uuid.UUID]bool{}},
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)
	f.queue.SetClock(clock)
	f.store.PutTenant(domain.Tenant{ID: f.tenant, Name: "acme", Status: domain.TenantStatusActive})

	sched, err := New(Config{
		Store:      f.store,
		Queue:      f.queue,
		Reconciler: f.recon,
		Schedules:  DefaultSchedules(),
		StaleAfter: 10 * time.Minute,
		Now:        clock,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	f.sched = sched
	return f
}

// seedJob создаёт running job с одним batch, последнее обновление которого было updatedAt.
func (f *fixture) seedJob(t *testing.T, status domain.BatchStatus, attempt int, updatedAt time.Time) domain.Batch {
	t.Helper()

	job := &domain.MigrationJob{
		ID:           uuid.New(),
		TenantID:     f.tenant,
		SourceSystem: "affinity",
		TargetSystem: "attio",
		BatchSize:    100,
		Status:       domain.JobStatusRunning,
		TotalRecords: 1,
		CreatedAt:    updatedAt,
	}
	batch := domain.Batch{
		ID:             uuid.New(),
		JobID:          job.ID,
		TenantID:       f.tenant,
		SequenceNumber: 1,
		Records:        []domain.Record{{ID: "r1"}},
		Status:         status,
		AttemptCount:   attempt,
		CreatedAt:      updatedAt,
		UpdatedAt:      updatedAt,
	}
	if err := f.store.CreateJob(context.Background(), job, []domain.Batch{batch}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return batch
}

func TestNew_InvalidSchedule(t *testing.T) {
	schedules := DefaultSchedules()
	schedules.Resync = "every minute"

	if _, err := New(Config{Schedules: schedules}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestNew_EmptyScheduleDisablesTask(t *testing.T) {
	if _, err := New(Config{Schedules: Schedules{Promote: "@every 1s"}}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNextRun(t *testing.T) {
	tests := []struct {
		spec string
		want time.Time
	}{
		{"@every 15s", testNow.Add(15 * time.Second)},
		{"0 */5 * * * *", testNow.Add(5 * time.Minute)},
		{"30 * * * *", testNow.Add(30 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := NextRun(tt.spec, testNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPromoteScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := queue.Item{TenantID: f.tenant, JobID: uuid.New(), BatchID: uuid.New(), Priority: queue.PriorityHigh}
	if err := f.queue.Enqueue(ctx, item, f.now.Add(5*time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := f.sched.PromoteScheduled(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing due, got %d, %v", n, err)
	}

	f.now = f.now.Add(6 * time.Second)
	n, err = f.sched.PromoteScheduled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 promoted, got %d, %v", n, err)
	}

	d, _ := f.queue.Depth(ctx)
	if d.Ready[queue.PriorityHigh] != 1 {
		t.Errorf("expected item in high priority queue, got %+v", d.Ready)
	}
}

func TestReclaimExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := queue.Item{TenantID: f.tenant, JobID: uuid.New(), BatchID: uuid.New()}
	_ = f.queue.Enqueue(ctx, item, f.now)
	if _, err := f.queue.Dequeue(ctx, time.Minute); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	f.now = f.now.Add(2 * time.Minute)
	n, err := f.sched.ReclaimExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d, %v", n, err)
	}

	d, _ := f.queue.Depth(ctx)
	if d.Inflight != 0 || d.TotalReady() != 1 {
		t.Errorf("expected item back in ready, got %+v", d)
	}
}

func TestResyncStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lost := f.seedJob(t, domain.BatchStatusPending, 0, f.now.Add(-time.Hour))
	lostRetry := f.seedJob(t, domain.BatchStatusPending, 2, f.now.Add(-time.Hour))
	f.seedJob(t, domain.BatchStatusPending, 0, f.now.Add(-time.Minute))
	f.seedJob(t, domain.BatchStatusSucceeded, 0, f.now.Add(-time.Hour))

	n, err := f.sched.ResyncStale(ctx)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stale batches, got %d", n)
	}

	got := map[uuid.UUID]queue.Priority{}
	for {
		item, err := f.queue.Dequeue(ctx, time.Minute)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if item == nil {
			break
		}
		got[item.BatchID] = item.Priority
	}
	if got[lost.ID] != queue.PriorityDefault {
		t.Errorf("first attempt must go to default, got %q", got[lost.ID])
	}
	if got[lostRetry.ID] != queue.PriorityHigh {
		t.Errorf("retried batch must go to high priority, got %q", got[lostRetry.ID])
	}
}

func TestResyncStale_SuspendedTenant(t *testing.T) {
	f := newFixture(t)
	lost := f.seedJob(t, domain.BatchStatusPending, 0, f.now.Add(-time.Hour))
	f.store.PutTenant(domain.Tenant{ID: f.tenant, Name: "acme", Status: domain.TenantStatusSuspended})

	// Приостановка запрещает только новые jobs; начатые доводятся до конца
	n, err := f.sched.ResyncStale(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected running job of suspended tenant to be resynced, got %d, %v", n, err)
	}
	if ok, _ := f.queue.Contains(context.Background(), lost.ID); !ok {
		t.Error("expected lost batch back in queue")
	}
}

func TestResyncStale_KeepsQueuedBatchPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.seedJob(t, domain.BatchStatusPending, 0, f.now.Add(-time.Hour))
	fresh := f.seedJob(t, domain.BatchStatusPending, 0, f.now.Add(-time.Minute))
	for _, b := range []domain.Batch{old, fresh} {
		item := queue.Item{TenantID: b.TenantID, JobID: b.JobID, BatchID: b.ID}
		if err := f.queue.Enqueue(ctx, item, f.now); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Старый batch ждёт в длинной очереди, но не потерян
	n, err := f.sched.ResyncStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("queued batch must not be resynced, got %d, %v", n, err)
	}

	first, err := f.queue.Dequeue(ctx, time.Minute)
	if err != nil || first == nil {
		t.Fatalf("dequeue: %+v, %v", first, err)
	}
	if first.BatchID != old.ID {
		t.Errorf("expected oldest batch first, got %s", first.BatchID)
	}
}

func TestReconcileJobs(t *testing.T) {
	f := newFixture(t)

	a := f.seedJob(t, domain.BatchStatusSucceeded, 0, f.now)
	f.seedJob(t, domain.BatchStatusPending, 0, f.now)
	f.recon.finished[a.JobID] = true

	n, err := f.sched.ReconcileJobs(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 finished job, got %d", n)
	}
	if len(f.recon.calls) != 2 {
		t.Errorf("expected every running job to be checked, got %v", f.recon.calls)
	}
}

func TestReconcileJobs_SuspendedTenant(t *testing.T) {
	f := newFixture(t)

	a := f.seedJob(t, domain.BatchStatusSucceeded, 0, f.now)
	f.recon.finished[a.JobID] = true
	f.store.PutTenant(domain.Tenant{ID: f.tenant, Name: "acme", Status: domain.TenantStatusSuspended})

	n, err := f.sched.ReconcileJobs(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected job of suspended tenant to be reconciled, got %d, %v", n, err)
	}
	if len(f.recon.calls) != 1 || f.recon.calls[0] != a.JobID {
		t.Errorf("unexpected reconciler calls %v", f.recon.calls)
	}
}

func TestRefreshGauges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.queue.Enqueue(ctx, queue.Item{TenantID: f.tenant, JobID: uuid.New(), BatchID: uuid.New()}, f.now.Add(time.Minute))
	_ = f.queue.Enqueue(ctx, queue.Item{TenantID: f.tenant, JobID: uuid.New(), BatchID: uuid.New()}, f.now)

	if _, err := f.sched.RefreshGauges(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if v := testutil.ToFloat64(telemetry.QueueDepth.WithLabelValues("scheduled")); v != 1 {
		t.Errorf("expected scheduled gauge 1, got %v", v)
	}
	if v := testutil.ToFloat64(telemetry.QueueDepth.WithLabelValues("ready_default")); v != 1 {
		t.Errorf("expected ready_default gauge 1, got %v", v)
	}
}
