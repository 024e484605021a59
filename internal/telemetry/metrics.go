package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted — созданные jobs.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freight_jobs_submitted_total",
			Help: "Total number of submitted migration jobs",
		},
	)

	// JobsFinished — jobs, перешедшие в финальный статус.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freight_jobs_finished_total",
			Help: "Total number of migration jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	// BatchesCompleted — применённые результаты попыток batch по новому статусу batch.
	BatchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freight_batches_completed_total",
			Help: "Total number of applied batch attempts by resulting batch status",
		},
		[]string{"status"},
	)

	// BatchDuration — длительность выполнения попытки batch.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "freight_batch_duration_seconds",
			Help:    "Batch attempt execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	// RecordsTransferred — попытки переноса записей по статусу и классу ошибки.
	RecordsTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freight_records_total",
			Help: "Total number of record transfer attempts",
		},
		[]string{"target", "status", "error_kind"},
	)

	// LeaseConflicts — результаты, отброшенные из-за потерянного lease.
	LeaseConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "freight_lease_conflicts_total",
			Help: "Batch results dropped because the lease was lost",
		},
	)

	// WorkersBusy — воркеры, выполняющие batch.
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "freight_workers_busy",
			Help: "Number of workers currently executing a batch",
		},
	)

	// QueueDepth — размер очереди по состоянию.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "freight_queue_depth",
			Help: "Work queue depth by state",
		},
		[]string{"state"},
	)

	// BreakerState — состояние circuit breaker (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "freight_breaker_state",
			Help: "Circuit breaker state per tenant and target (0 closed, 1 open, 2 half-open)",
		},
		[]string{"tenant_id", "target"},
	)

	// MaintenanceRuns — запуски задач обслуживания и их исход.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freight_maintenance_runs_total",
			Help: "Maintenance task runs by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	// ArchivesWritten — выгрузки журнала RecordLog и их исход.
	ArchivesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freight_archives_total",
			Help: "Record log archive exports by outcome",
		},
		[]string{"outcome"},
	)
)
