package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Freight/internal/breaker"
	"github.com/shaiso/Freight/internal/queue"
)

// Pinger — зависимость, доступность которой проверяет /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc — адаптер функции к Pinger.
type PingerFunc func(ctx context.Context) error

// Ping вызывает f(ctx).
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check — именованная проверка готовности.
type Check struct {
	Name   string
	Pinger Pinger

	// Optional — сбой проверки не делает процесс неготовым (например, RabbitMQ:
	// без него теряются только события).
	Optional bool
}

// WorkerPool — сведения о пуле воркеров для /debug/workers.
type WorkerPool interface {
	ID() string
	Busy() int
	IsStopped() bool
}

// Handler — обработчик служебных маршрутов.
type Handler struct {
	checks       []Check
	checkTimeout time.Duration
	breakers     *breaker.Registry
	queue        queue.Queue
	workers      WorkerPool
	startedAt    time.Time
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Checks []Check

	// CheckTimeout — таймаут одной проверки готовности.
	// По умолчанию: 2s.
	CheckTimeout time.Duration

	// Breakers — реестр breakers воркера. nil отключает /debug/breakers.
	Breakers *breaker.Registry

	// Queue — очередь batches. nil отключает /debug/queue.
	Queue queue.Queue

	// Workers — пул воркеров. nil отключает /debug/workers.
	Workers WorkerPool

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Handler{
		checks:       cfg.Checks,
		checkTimeout: cfg.CheckTimeout,
		breakers:     cfg.Breakers,
		queue:        cfg.Queue,
		workers:      cfg.Workers,
		startedAt:    time.Now(),
		logger:       cfg.Logger.With("component", "api"),
	}
}
