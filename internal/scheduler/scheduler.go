package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shaiso/Freight/internal/breaker"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/telemetry"
)

// Имена задач (label task в метриках).
const (
	TaskPromote   = "promote"
	TaskReclaim   = "reclaim"
	TaskResync    = "resync"
	TaskReconcile = "reconcile"
	TaskGauges    = "gauges"
)

const (
	defaultBatchLimit = 500
	defaultStaleAfter = 10 * time.Minute
	taskTimeout       = 30 * time.Second
)

// JobReconciler доводит running job без открытых batches до финального статуса.
// Реализация: orchestrator.Orchestrator.
type JobReconciler interface {
	ReconcileJob(ctx context.Context, tenantID, jobID uuid.UUID) (bool, error)
}

// Schedules — расписания задач. Пустое расписание отключает задачу.
type Schedules struct {
	Promote   string
	Reclaim   string
	Resync    string
	Reconcile string
	Gauges    string
}

// DefaultSchedules возвращает расписания по умолчанию.
func DefaultSchedules() Schedules {
	return Schedules{
		Promote:   "@every 1s",
		Reclaim:   "@every 15s",
		Resync:    "@every 1m",
		Reconcile: "@every 1m",
		Gauges:    "@every 10s",
	}
}

// Scheduler — периодическое обслуживание.
type Scheduler struct {
	store      repo.Store
	queue      queue.Queue
	reconciler JobReconciler
	breakers   *breaker.Registry

	schedules  Schedules
	batchLimit int
	staleAfter time.Duration

	cron   *cron.Cron
	now    func() time.Time
	logger *slog.Logger
}

// Config — конфигурация Scheduler.
type Config struct {
	Store      repo.Store
	Queue      queue.Queue
	Reconciler JobReconciler

	// Breakers — реестр для gauge состояния. Nil — gauge не обновляется.
	Breakers *breaker.Registry

	Schedules Schedules

	// BatchLimit — максимум элементов за один запуск задачи (default: 500).
	BatchLimit int

	// StaleAfter — порог "потерянного" batch для resync (default: 10m).
	StaleAfter time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт Scheduler и проверяет расписания.
func New(cfg Config) (*Scheduler, error) {
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	s := &Scheduler{
		store:      cfg.Store,
		queue:      cfg.Queue,
		reconciler: cfg.Reconciler,
		breakers:   cfg.Breakers,
		schedules:  cfg.Schedules,
		batchLimit: batchLimit,
		staleAfter: staleAfter,
		now:        now,
		logger:     logger,
	}

	clog := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	tasks := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{TaskPromote, cfg.Schedules.Promote, s.PromoteScheduled},
		{TaskReclaim, cfg.Schedules.Reclaim, s.ReclaimExpired},
		{TaskResync, cfg.Schedules.Resync, s.ResyncStale},
		{TaskReconcile, cfg.Schedules.Reconcile, s.ReconcileJobs},
		{TaskGauges, cfg.Schedules.Gauges, s.RefreshGauges},
	}
	for _, t := range tasks {
		if t.spec == "" {
			continue
		}
		if err := ValidateSpec(t.spec); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.name, err)
		}
		if _, err := s.cron.AddFunc(t.spec, s.wrap(t.name, t.run)); err != nil {
			return nil, fmt.Errorf("schedule task %s: %w", t.name, err)
		}
	}

	return s, nil
}

// Start запускает cron в фоне. Задачи выполняются до Stop.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler",
		"promote", s.schedules.Promote,
		"reclaim", s.schedules.Reclaim,
		"resync", s.schedules.Resync,
		"reconcile", s.schedules.Reconcile,
	)
	s.cron.Start()
}

// Stop останавливает cron и ждёт завершения выполняющихся задач.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// wrap превращает задачу в cron job: таймаут, метрики, лог.
func (s *Scheduler) wrap(name string, run func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()

		n, err := run(ctx)
		if err != nil {
			telemetry.MaintenanceRuns.WithLabelValues(name, "error").Inc()
			s.logger.Error("maintenance task failed", "task", name, "error", err)
			return
		}
		telemetry.MaintenanceRuns.WithLabelValues(name, "ok").Inc()
		if n > 0 {
			s.logger.Info("maintenance task completed", "task", name, "affected", n)
		}
	}
}

// PromoteScheduled переносит наступившие отложенные batches в ready.
func (s *Scheduler) PromoteScheduled(ctx context.Context) (int, error) {
	return s.queue.PromoteScheduled(ctx, s.now(), int64(s.batchLimit))
}

// ReclaimExpired возвращает в ready batches, чей воркер пропал.
func (s *Scheduler) ReclaimExpired(ctx context.Context) (int, error) {
	ids, err := s.queue.RequeueExpired(ctx, s.now(), int64(s.batchLimit))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.logger.Warn("visibility lease expired, batch requeued", "batch_id", id)
	}
	return len(ids), nil
}

// ResyncStale ставит в очередь открытые batches running jobs, которых нет в очереди
// дольше StaleAfter (элемент очереди потерян). Batches, ожидающие в очереди,
// не трогаются: повторный Enqueue переставил бы их в конец.
func (s *Scheduler) ResyncStale(ctx context.Context) (int, error) {
	tenants, err := s.store.ListTenantIDsWithRunningJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	now := s.now()
	olderThan := now.Add(-s.staleAfter)
	total := 0

	for _, tenantID := range tenants {
		batches, err := s.store.ListStaleBatches(ctx, tenantID, olderThan, s.batchLimit)
		if err != nil {
			return total, fmt.Errorf("list stale batches of tenant %s: %w", tenantID, err)
		}

		for _, b := range batches {
			queued, err := s.queue.Contains(ctx, b.ID)
			if err != nil {
				return total, fmt.Errorf("check batch %s: %w", b.ID, err)
			}
			if queued {
				continue
			}

			item := queue.Item{
				TenantID: b.TenantID,
				JobID:    b.JobID,
				BatchID:  b.ID,
				Priority: resyncPriority(&b),
			}
			if err := s.queue.Enqueue(ctx, item, now); err != nil {
				return total, fmt.Errorf("enqueue batch %s: %w", b.ID, err)
			}
			s.logger.Warn("stale batch re-enqueued",
				"tenant_id", b.TenantID,
				"job_id", b.JobID,
				"batch_id", b.ID,
				"status", b.Status,
			)
			total++
		}
	}
	return total, nil
}

// ReconcileJobs доводит до финального статуса running jobs без открытых batches.
func (s *Scheduler) ReconcileJobs(ctx context.Context) (int, error) {
	if s.reconciler == nil {
		return 0, nil
	}

	tenants, err := s.store.ListTenantIDsWithRunningJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	total := 0
	for _, tenantID := range tenants {
		jobs, err := s.store.ListJobs(ctx, tenantID, repo.JobFilter{
			Status: domain.JobStatusRunning,
			Limit:  s.batchLimit,
		})
		if err != nil {
			return total, fmt.Errorf("list running jobs of tenant %s: %w", tenantID, err)
		}

		for _, job := range jobs {
			finished, err := s.reconciler.ReconcileJob(ctx, tenantID, job.ID)
			if err != nil {
				s.logger.Error("failed to reconcile job", "job_id", job.ID, "error", err)
				continue
			}
			if finished {
				total++
			}
		}
	}
	return total, nil
}

// RefreshGauges обновляет gauge глубины очереди и состояния breakers.
func (s *Scheduler) RefreshGauges(ctx context.Context) (int, error) {
	d, err := s.queue.Depth(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range queue.Priorities {
		telemetry.QueueDepth.WithLabelValues("ready_" + string(p)).Set(float64(d.Ready[p]))
	}
	telemetry.QueueDepth.WithLabelValues("scheduled").Set(float64(d.Scheduled))
	telemetry.QueueDepth.WithLabelValues("inflight").Set(float64(d.Inflight))

	if s.breakers != nil {
		for _, st := range s.breakers.Snapshot() {
			telemetry.BreakerState.WithLabelValues(st.TenantID.String(), st.Target).Set(float64(st.Code))
		}
	}
	return 0, nil
}

// resyncPriority — batches, уже бывшие в работе, идут в high_priority.
func resyncPriority(b *domain.Batch) queue.Priority {
	if b.AttemptCount > 0 || b.Status == domain.BatchStatusRetrying {
		return queue.PriorityHigh
	}
	return queue.PriorityDefault
}
