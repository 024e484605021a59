// Package queue — очередь batches на выполнение.
//
// Элемент очереди — ссылка на batch (tenant, job, batch). Сам batch хранится
// в repo.Store; очередь только распределяет работу между воркерами:
//   - ready       — списки по приоритету, high_priority читается первым
//   - scheduled   — отложенные элементы (retry с задержкой)
//   - inflight    — выданные воркерам элементы с visibility deadline
//
// Элемент, не подтверждённый через Ack до истечения deadline, возвращается
// в ready через RequeueExpired. Доставка at-least-once.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Priority — имя ready-очереди.
type Priority string

const (
	// PriorityHigh — повторы batches (retry и RetryJob).
	PriorityHigh Priority = "high_priority"

	// PriorityDefault — первые попытки.
	PriorityDefault Priority = "default"
)

// Priorities — порядок опроса ready-очередей.
var Priorities = []Priority{PriorityHigh, PriorityDefault}

// ErrNotInflight — элемент не выдан воркеру (уже подтверждён, удалён или возвращён в ready).
var ErrNotInflight = errors.New("item is not in flight")

// Item — ссылка на batch в очереди.
type Item struct {
	TenantID uuid.UUID `json:"tenant_id"`
	JobID    uuid.UUID `json:"job_id"`
	BatchID  uuid.UUID `json:"batch_id"`
	Priority Priority  `json:"priority"`
}

// Depth — размер очереди по состояниям.
type Depth struct {
	Ready     map[Priority]int64 `json:"ready"`
	Scheduled int64              `json:"scheduled"`
	Inflight  int64              `json:"inflight"`
}

// TotalReady возвращает суммарный размер ready-очередей.
func (d Depth) TotalReady() int64 {
	var total int64
	for _, n := range d.Ready {
		total += n
	}
	return total
}

// Queue — очередь batches.
//
// Элементы идентифицируются BatchID: повторный Enqueue того же batch
// заменяет прежнюю позицию, дубликатов не бывает.
type Queue interface {
	// Enqueue ставит batch в ready (runAt в прошлом) или в scheduled.
	// Если batch уже выдан воркеру, он снимается из inflight.
	Enqueue(ctx context.Context, item Item, runAt time.Time) error

	// Dequeue выдаёт следующий batch с visibility deadline now+visibility.
	// Возвращает nil, nil, если ready-очереди пусты.
	Dequeue(ctx context.Context, visibility time.Duration) (*Item, error)

	// ExtendLease сдвигает visibility deadline выданного элемента.
	ExtendLease(ctx context.Context, batchID uuid.UUID, extension time.Duration) error

	// Ack подтверждает обработку и удаляет элемент. Если элемент уже снят
	// из inflight повторным Enqueue, Ack ничего не делает.
	Ack(ctx context.Context, batchID uuid.UUID) error

	// Remove удаляет элемент из всех состояний (отмена job).
	Remove(ctx context.Context, batchID uuid.UUID) error

	// PromoteScheduled переносит наступившие отложенные элементы в ready.
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)

	// RequeueExpired возвращает в ready элементы с истёкшим deadline.
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]uuid.UUID, error)

	// Contains сообщает, находится ли batch в очереди (ready, scheduled или inflight).
	Contains(ctx context.Context, batchID uuid.UUID) (bool, error)

	// Depth возвращает размер очереди.
	Depth(ctx context.Context) (Depth, error)
}

// normalize подставляет приоритет по умолчанию.
func (i Item) normalize() Item {
	if i.Priority == "" {
		i.Priority = PriorityDefault
	}
	return i
}
