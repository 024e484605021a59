package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/breaker"
	"github.com/shaiso/Freight/internal/classify"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/repo/memory"
	"github.com/shaiso/Freight/internal/retry"
	"github.com/shaiso/Freight/internal/telemetry"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakePort возвращает ошибку по ID записи и считает вызовы.
type fakePort struct {
	mu     sync.Mutex
	errs   map[string]error
	calls  []string
	onCall func(recordID string)
}

func (p *fakePort) Transfer(_ context.Context, _ uuid.UUID, _ string, record domain.Record) error {
	p.mu.Lock()
	p.calls = append(p.calls, record.ID)
	err := p.errs[record.ID]
	onCall := p.onCall
	p.mu.Unlock()

	if onCall != nil {
		onCall(record.ID)
	}
	return err
}

func (p *fakePort) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func noJitter() retry.Policy {
	p := retry.DefaultPolicy()
	p.Rand = func() float64 { return 0 }
	return p
}

func newExecutor(port *fakePort, opts ...func(*ExecutorConfig)) *BatchExecutor {
	cfg := ExecutorConfig{
		Port:   port,
		Policy: noJitter(),
		Now:    func() time.Time { return testNow },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewBatchExecutor(cfg)
}

func newBatch(ids ...string) (*domain.MigrationJob, *domain.Batch) {
	job := &domain.MigrationJob{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		SourceSystem: "affinity",
		TargetSystem: "attio",
		BatchSize:    100,
		Status:       domain.JobStatusRunning,
		TotalRecords: len(ids),
	}
	batch := &domain.Batch{
		ID:         uuid.New(),
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Status:     domain.BatchStatusProcessing,
		LeaseOwner: "w1",
	}
	for _, id := range ids {
		batch.Records = append(batch.Records, domain.Record{ID: id})
	}
	return job, batch
}

// --- BatchExecutor ---

func TestExecute_AllSucceed(t *testing.T) {
	port := &fakePort{}
	job, batch := newBatch("r1", "r2", "r3")

	result, err := newExecutor(port).Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != domain.BatchStatusSucceeded {
		t.Errorf("expected succeeded, got %s", result.Status)
	}
	if len(result.SucceededIDs) != 3 {
		t.Errorf("expected 3 succeeded, got %v", result.SucceededIDs)
	}
	if len(result.Logs) != 3 {
		t.Fatalf("expected one log per record, got %d", len(result.Logs))
	}
	for i, id := range []string{"r1", "r2", "r3"} {
		if result.Logs[i].RecordID != id || result.Logs[i].Status != domain.RecordStatusSuccess {
			t.Errorf("log %d: unexpected %+v", i, result.Logs[i])
		}
	}
	if result.LeaseOwner != "w1" {
		t.Errorf("lease owner must be carried over, got %q", result.LeaseOwner)
	}
}

func TestExecute_UsesContextLogger(t *testing.T) {
	port := &fakePort{errs: map[string]error{"r1": classify.HTTPError(503, 0, "unavailable")}}
	job, batch := newBatch("r1")

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := telemetry.WithLogger(context.Background(), logger.With("worker_id", "w7"))

	if _, err := newExecutor(port).Execute(ctx, job, batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "record transfer failed") || !strings.Contains(out, "worker_id=w7") {
		t.Errorf("expected failure logged through context logger, got %q", out)
	}
}

func TestExecute_PermanentFailure(t *testing.T) {
	port := &fakePort{errs: map[string]error{
		"r2": classify.HTTPError(422, 0, "invalid email"),
	}}
	job, batch := newBatch("r1", "r2", "r3")

	result, err := newExecutor(port).Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Permanent ошибка не тратит бюджет retry
	if result.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed, got %s", result.Status)
	}
	if result.NextRetryAt != nil {
		t.Error("permanent failure must not schedule a retry")
	}
	if len(result.FailedIDs) != 1 || result.FailedIDs[0] != "r2" {
		t.Errorf("expected r2 failed, got %v", result.FailedIDs)
	}
	if result.Logs[1].Status != domain.RecordStatusFailed || result.Logs[1].ErrorKind != domain.ErrorKindPermanent {
		t.Errorf("unexpected log for r2: %+v", result.Logs[1])
	}
	if result.ProcessedDelta() != 2 || result.FailedDelta() != 1 {
		t.Errorf("unexpected deltas: %d/%d", result.ProcessedDelta(), result.FailedDelta())
	}
}

func TestExecute_TransientSchedulesRetry(t *testing.T) {
	port := &fakePort{errs: map[string]error{
		"r2": classify.HTTPError(503, 0, "unavailable"),
	}}
	job, batch := newBatch("r1", "r2")
	batch.AttemptCount = 2

	result, err := newExecutor(port).Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != domain.BatchStatusRetrying {
		t.Fatalf("expected retrying, got %s", result.Status)
	}
	// 2s * 2^2 = 8s без jitter
	want := testNow.Add(8 * time.Second)
	if result.NextRetryAt == nil || !result.NextRetryAt.Equal(want) {
		t.Errorf("expected next retry at %v, got %v", want, result.NextRetryAt)
	}
	if result.Logs[1].Status != domain.RecordStatusRetrying || result.Logs[1].RetryCount != 2 {
		t.Errorf("unexpected log for r2: %+v", result.Logs[1])
	}
	if result.FailedDelta() != 0 {
		t.Errorf("retrying record must not count as failed, got %d", result.FailedDelta())
	}
}

func TestExecute_RateLimitedUsesRetryAfter(t *testing.T) {
	port := &fakePort{errs: map[string]error{
		"r1": classify.HTTPError(429, 45*time.Second, "slow down"),
	}}
	job, batch := newBatch("r1")

	result, err := newExecutor(port).Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := testNow.Add(45 * time.Second)
	if result.NextRetryAt == nil || !result.NextRetryAt.Equal(want) {
		t.Errorf("expected retry-after to override backoff: want %v, got %v", want, result.NextRetryAt)
	}
	if result.Logs[0].ErrorKind != domain.ErrorKindRateLimited {
		t.Errorf("expected rate_limited log, got %s", result.Logs[0].ErrorKind)
	}
}

func TestExecute_BudgetExhausted(t *testing.T) {
	port := &fakePort{errs: map[string]error{
		"r1": classify.HTTPError(500, 0, "boom"),
		"r2": classify.HTTPError(404, 0, "gone"),
	}}
	job, batch := newBatch("r1", "r2", "r3")
	batch.AttemptCount = retry.DefaultMaxAttempts

	result, err := newExecutor(port).Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != domain.BatchStatusFailedFinal {
		t.Fatalf("expected failed_final, got %s", result.Status)
	}
	if len(result.ExhaustedIDs) != 1 || result.ExhaustedIDs[0] != "r1" {
		t.Errorf("expected r1 exhausted, got %v", result.ExhaustedIDs)
	}
	if len(result.FailedIDs) != 1 || result.FailedIDs[0] != "r2" {
		t.Errorf("expected r2 permanently failed, got %v", result.FailedIDs)
	}
	if result.FailedDelta() != 2 || result.ProcessedDelta() != 1 {
		t.Errorf("unexpected deltas: processed=%d failed=%d", result.ProcessedDelta(), result.FailedDelta())
	}
	if result.Logs[0].Status != domain.RecordStatusFailed {
		t.Errorf("exhausted record must be logged as failed, got %s", result.Logs[0].Status)
	}
}

func TestExecute_UnknownErrorHasSmallerBudget(t *testing.T) {
	port := &fakePort{errs: map[string]error{
		"r1": errors.New("something odd happened"),
	}}

	job, batch := newBatch("r1")
	batch.AttemptCount = 1
	result, _ := newExecutor(port).Execute(context.Background(), job, batch)
	if result.Status != domain.BatchStatusRetrying {
		t.Errorf("expected retrying on attempt 1, got %s", result.Status)
	}

	batch.AttemptCount = 2
	result, _ = newExecutor(port).Execute(context.Background(), job, batch)
	if result.Status != domain.BatchStatusFailedFinal {
		t.Errorf("expected failed_final on attempt 2, got %s", result.Status)
	}
}

func TestExecute_SkipsFinishedRecords(t *testing.T) {
	port := &fakePort{}
	job, batch := newBatch("r1", "r2", "r3", "r4")
	batch.SucceededIDs = []string{"r1"}
	batch.FailedIDs = []string{"r3"}

	result, err := newExecutor(port).Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := port.Calls()
	if len(calls) != 2 || calls[0] != "r2" || calls[1] != "r4" {
		t.Errorf("expected only remaining records in order, got %v", calls)
	}
	// r3 уже permanent — batch завершается как failed
	if result.Status != domain.BatchStatusFailed {
		t.Errorf("expected failed because of earlier permanent error, got %s", result.Status)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	port := &fakePort{}
	job, batch := newBatch("r1", "r2", "r3", "r4")

	checks := 0
	cancel := CancelCheckerFunc(func(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
		checks++
		return checks > 2, nil
	})

	result, err := newExecutor(port, func(c *ExecutorConfig) { c.Cancel = cancel }).
		Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Cancelled {
		t.Fatal("expected cancelled result")
	}
	if len(port.Calls()) != 2 {
		t.Errorf("no record may start after cancellation, got %v", port.Calls())
	}
	if len(result.SkippedIDs) != 2 || result.SkippedIDs[0] != "r3" {
		t.Errorf("expected r3, r4 skipped, got %v", result.SkippedIDs)
	}
	if result.Status != domain.BatchStatusPending {
		t.Errorf("interrupted batch must stay open, got %s", result.Status)
	}
	if got := result.Logs[3].Status; got != domain.RecordStatusSkipped {
		t.Errorf("expected skipped log for r4, got %s", got)
	}
}

func TestExecute_CancelCheckError(t *testing.T) {
	job, batch := newBatch("r1")
	cancel := CancelCheckerFunc(func(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
		return false, errors.New("db down")
	})

	_, err := newExecutor(&fakePort{}, func(c *ExecutorConfig) { c.Cancel = cancel }).
		Execute(context.Background(), job, batch)
	if err == nil {
		t.Fatal("store error must abort the batch")
	}
}

func TestExecute_BreakerFailsFast(t *testing.T) {
	port := &fakePort{errs: map[string]error{}}
	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, id := range ids {
		port.errs[id] = classify.HTTPError(503, 0, "down")
	}
	job, batch := newBatch(ids...)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		Window:           time.Minute,
		RecoveryTimeout:  time.Minute,
		Now:              func() time.Time { return testNow },
	})

	result, err := newExecutor(port, func(c *ExecutorConfig) { c.Breakers = breakers }).
		Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := len(port.Calls()); n != 2 {
		t.Errorf("breaker must stop calls after threshold, got %d calls", n)
	}
	if result.Status != domain.BatchStatusRetrying {
		t.Fatalf("expected retrying, got %s", result.Status)
	}
	// Повтор не раньше восстановления breaker
	if result.NextRetryAt.Before(testNow.Add(time.Minute)) {
		t.Errorf("retry must wait for breaker recovery, got %v", result.NextRetryAt)
	}
	if breakers.Get(job.TenantID, "attio").State() != breaker.Open {
		t.Error("expected breaker to be open")
	}
	// Breaker другого tenant не затронут
	if breakers.Get(uuid.New(), "attio").State() != breaker.Closed {
		t.Error("breaker of another tenant must stay closed")
	}
}

func TestExecute_PermanentErrorsDoNotTripBreaker(t *testing.T) {
	port := &fakePort{errs: map[string]error{}}
	ids := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	for _, id := range ids {
		port.errs[id] = classify.Permanent("validation failed")
	}
	job, batch := newBatch(ids...)

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 2})
	_, err := newExecutor(port, func(c *ExecutorConfig) { c.Breakers = breakers }).
		Execute(context.Background(), job, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := len(port.Calls()); n != len(ids) {
		t.Errorf("all records must reach the target, got %d calls", n)
	}
	if breakers.Get(job.TenantID, "attio").State() != breaker.Closed {
		t.Error("permanent errors must not open the breaker")
	}
}

func TestExecute_ContextCancelledAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := &fakePort{onCall: func(string) { cancel() }}
	job, batch := newBatch("r1", "r2")

	_, err := newExecutor(port).Execute(ctx, job, batch)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- Worker ---

// storeSink применяет результат напрямую в хранилище.
type storeSink struct {
	store   repo.Store
	results []*domain.BatchResult
	err     error
}

func (s *storeSink) OnBatchComplete(ctx context.Context, result *domain.BatchResult) (*domain.MigrationJob, error) {
	s.results = append(s.results, result)
	if s.err != nil {
		return nil, s.err
	}
	outcome, err := s.store.ApplyBatchResult(ctx, result)
	if err != nil {
		return nil, err
	}
	return &outcome.Job, nil
}

type fixture struct {
	store *memory.Store
	queue *queue.MemoryQueue
	sink  *storeSink
	port  *fakePort
	job   *domain.MigrationJob
	batch domain.Batch
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()

	f := &fixture{
		store: memory.New(),
		queue: queue.NewMemoryQueue(),
		port:  &fakePort{errs: map[string]error{}},
	}
	f.sink = &storeSink{store: f.store}

	job, batch := newBatch(ids...)
	job.CreatedAt = time.Now()
	batch.Status = domain.BatchStatusPending
	batch.LeaseOwner = ""
	if err := f.store.CreateJob(context.Background(), job, []domain.Batch{*batch}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	f.job, f.batch = job, *batch

	err := f.queue.Enqueue(context.Background(), queue.Item{
		TenantID: job.TenantID, JobID: job.ID, BatchID: batch.ID,
	}, time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return f
}

func (f *fixture) worker(id string) *Worker {
	return New(Config{
		ID:    id,
		Store: f.store,
		Queue: f.queue,
		Executor: NewBatchExecutor(ExecutorConfig{
			Port:   f.port,
			Policy: noJitter(),
			Cancel: CancelCheckerFunc(func(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error) {
				j, err := f.store.GetJob(ctx, tenantID, jobID)
				if err != nil {
					return false, err
				}
				return j.Status == domain.JobStatusCancelled, nil
			}),
		}),
		Sink:              f.sink,
		HeartbeatInterval: time.Hour,
	})
}

func TestWorker_RunOnce(t *testing.T) {
	f := newFixture(t, "r1", "r2")
	ctx := context.Background()

	processed, err := f.worker("w1").RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("expected processed item, got %v, %v", processed, err)
	}

	b, _ := f.store.GetBatch(ctx, f.job.TenantID, f.batch.ID)
	if b.Status != domain.BatchStatusSucceeded {
		t.Errorf("expected succeeded batch, got %s", b.Status)
	}
	if b.LeaseOwner != "" {
		t.Error("lease must be released")
	}

	d, _ := f.queue.Depth(ctx)
	if d.TotalReady() != 0 || d.Inflight != 0 {
		t.Errorf("queue must be empty after ack, got %+v", d)
	}

	processed, _ = f.worker("w1").RunOnce(ctx)
	if processed {
		t.Error("expected empty queue")
	}
}

func TestWorker_LeaseHeldDefersItem(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()

	// Другой воркер уже выполняет batch
	if _, err := f.store.AcquireBatchLease(ctx, f.job.TenantID, f.batch.ID, "other", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := f.worker("w1").RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.port.Calls()) != 0 {
		t.Error("batch leased by another worker must not be executed")
	}
	d, _ := f.queue.Depth(ctx)
	if d.Scheduled != 1 {
		t.Errorf("expected item deferred until lease expiry, got %+v", d)
	}
}

func TestWorker_CancelledJobDropsItem(t *testing.T) {
	f := newFixture(t, "r1")
	ctx := context.Background()

	_, err := f.store.TransitionJob(ctx, f.job.TenantID, f.job.ID,
		[]domain.JobStatus{domain.JobStatusRunning}, domain.JobStatusCancelled, time.Now())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := f.worker("w1").RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.port.Calls()) != 0 {
		t.Error("batch of cancelled job must not be executed")
	}
	b, _ := f.store.GetBatch(ctx, f.job.TenantID, f.batch.ID)
	if b.Status != domain.BatchStatusPending || b.LeaseOwner != "" {
		t.Errorf("expected released pending batch, got %s owner=%q", b.Status, b.LeaseOwner)
	}
	d, _ := f.queue.Depth(ctx)
	if d.TotalReady() != 0 || d.Inflight != 0 || d.Scheduled != 0 {
		t.Errorf("expected item dropped, got %+v", d)
	}
}

func TestWorker_SinkErrorRequeues(t *testing.T) {
	f := newFixture(t, "r1")
	f.sink.err = fmt.Errorf("apply: %w", errors.New("connection refused"))
	ctx := context.Background()

	if _, err := f.worker("w1").RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	b, _ := f.store.GetBatch(ctx, f.job.TenantID, f.batch.ID)
	if b.Status != domain.BatchStatusPending || b.LeaseOwner != "" {
		t.Errorf("expected lease released, got %s owner=%q", b.Status, b.LeaseOwner)
	}
	d, _ := f.queue.Depth(ctx)
	if d.Scheduled != 1 || d.Inflight != 0 {
		t.Errorf("expected batch requeued with delay, got %+v", d)
	}
}

func TestWorker_LeaseLostDropsResult(t *testing.T) {
	f := newFixture(t, "r1")
	f.sink.err = fmt.Errorf("apply: %w", repo.ErrLeaseLost)
	ctx := context.Background()

	if _, err := f.worker("w1").RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	d, _ := f.queue.Depth(ctx)
	if d.Scheduled != 0 || d.TotalReady() != 0 || d.Inflight != 0 {
		t.Errorf("lost lease must drop the item, got %+v", d)
	}
}

func TestWorker_StartStop(t *testing.T) {
	f := newFixture(t, "r1", "r2", "r3")
	w := f.worker("w1")

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, _ := f.store.GetBatch(context.Background(), f.job.TenantID, f.batch.ID)
		if b.Status == domain.BatchStatusSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.Stop()
	if !w.IsStopped() {
		t.Error("expected stopped worker")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("restart after Stop must fail with ErrWorkerStopped, got %v", err)
	}

	b, _ := f.store.GetBatch(context.Background(), f.job.TenantID, f.batch.ID)
	if b.Status != domain.BatchStatusSucceeded {
		t.Errorf("expected batch processed by pool, got %s", b.Status)
	}
}
