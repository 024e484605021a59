package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/domain"
	"github.com/shaiso/Freight/internal/queue"
	"github.com/shaiso/Freight/internal/repo"
	"github.com/shaiso/Freight/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency  = 4
	defaultVisibility   = 5 * time.Minute
	defaultLeaseGrace   = 30 * time.Second
	defaultPollInterval = time.Second
	defaultRetryDelay   = 10 * time.Second
)

// ResultSink принимает результат попытки batch. Реализуется оркестратором.
type ResultSink interface {
	OnBatchComplete(ctx context.Context, result *domain.BatchResult) (*domain.MigrationJob, error)
}

// Worker — пул горутин, выполняющих batches из очереди.
//
// Каждая горутина:
//   - забирает batch из очереди с visibility lease
//   - захватывает lease batch в хранилище (owner = ID воркера)
//   - продлевает оба lease, пока выполняется batch
//   - передаёт результат оркестратору и подтверждает элемент очереди
//
// Workers масштабируются горизонтально: несколько процессов читают одну очередь,
// эксклюзивность выполнения batch обеспечивает lease в хранилище.
type Worker struct {
	id       string
	store    repo.Store
	queue    queue.Queue
	executor *BatchExecutor
	sink     ResultSink

	concurrency       int
	visibility        time.Duration
	leaseGrace        time.Duration
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	retryDelay        time.Duration

	busy atomic.Int32
	now  func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// Config — конфигурация Worker.
type Config struct {
	// ID — владелец lease. По умолчанию: <hostname>-<uuid>.
	ID string

	Store    repo.Store
	Queue    queue.Queue
	Executor *BatchExecutor
	Sink     ResultSink

	// Concurrency — количество горутин (default: 4).
	Concurrency int

	// Visibility — visibility lease элемента очереди (default: 5m).
	Visibility time.Duration

	// LeaseGrace — запас lease в хранилище сверх Visibility (default: 30s).
	LeaseGrace time.Duration

	// HeartbeatInterval — период продления lease (default: Visibility/3).
	HeartbeatInterval time.Duration

	// PollInterval — пауза при пустой очереди (default: 1s).
	PollInterval time.Duration

	// RetryDelay — задержка повторной постановки batch после инфраструктурной ошибки (default: 10s).
	RetryDelay time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	id := cfg.ID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = defaultVisibility
	}

	leaseGrace := cfg.LeaseGrace
	if leaseGrace <= 0 {
		leaseGrace = defaultLeaseGrace
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = visibility / 3
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:                id,
		store:             cfg.Store,
		queue:             cfg.Queue,
		executor:          cfg.Executor,
		sink:              cfg.Sink,
		concurrency:       concurrency,
		visibility:        visibility,
		leaseGrace:        leaseGrace,
		heartbeatInterval: heartbeat,
		pollInterval:      pollInterval,
		retryDelay:        retryDelay,
		now:               now,
		logger:            logger.With("worker_id", id),
	}
}

// ID возвращает идентификатор воркера (владелец lease).
func (w *Worker) ID() string {
	return w.id
}

// Start запускает горутины пула. Остановленный Worker повторно не запускается.
func (w *Worker) Start(ctx context.Context) error {
	if w.stopped.Load() {
		return ErrWorkerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"concurrency", w.concurrency,
		"visibility", w.visibility,
		"heartbeat", w.heartbeatInterval,
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.loop(ctx, slot)
		}(i)
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих batches.
// Прерванные batches возвращаются в очередь.
func (w *Worker) Stop() {
	w.stopped.Store(true)

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	return w.stopped.Load()
}

// Busy возвращает количество горутин, выполняющих batch.
func (w *Worker) Busy() int {
	return int(w.busy.Load())
}

// loop — цикл одной горутины: забрать batch, выполнить, повторить.
func (w *Worker) loop(ctx context.Context, slot int) {
	logger := w.logger.With("slot", slot)

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("dequeue failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce забирает из очереди и обрабатывает один batch.
// Возвращает false, если очередь пуста.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	item, err := w.queue.Dequeue(ctx, w.visibility)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	w.busy.Add(1)
	telemetry.WorkersBusy.Inc()
	defer func() {
		w.busy.Add(-1)
		telemetry.WorkersBusy.Dec()
	}()

	w.process(ctx, item)
	return true, nil
}
