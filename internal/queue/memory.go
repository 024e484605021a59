package queue

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue — in-memory очередь с той же семантикой, что RedisQueue.
// Используется в тестах и при локальном запуске.
type MemoryQueue struct {
	mu        sync.Mutex
	now       func() time.Time
	ready     map[Priority][]uuid.UUID
	scheduled map[uuid.UUID]time.Time
	inflight  map[uuid.UUID]time.Time
	items     map[uuid.UUID]Item
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue создаёт пустую очередь.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		now:       time.Now,
		ready:     make(map[Priority][]uuid.UUID),
		scheduled: make(map[uuid.UUID]time.Time),
		inflight:  make(map[uuid.UUID]time.Time),
		items:     make(map[uuid.UUID]Item),
	}
}

// SetClock подменяет источник времени (для тестов).
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue ставит batch в ready или scheduled, снимая прежнюю позицию.
func (q *MemoryQueue) Enqueue(_ context.Context, item Item, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item = item.normalize()
	q.detach(item.BatchID)
	q.items[item.BatchID] = item

	if runAt.After(q.now()) {
		q.scheduled[item.BatchID] = runAt
	} else {
		q.ready[item.Priority] = append(q.ready[item.Priority], item.BatchID)
	}
	return nil
}

// Dequeue выдаёт batch из ready-очередей в порядке приоритета.
func (q *MemoryQueue) Dequeue(_ context.Context, visibility time.Duration) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range Priorities {
		ids := q.ready[p]
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		q.ready[p] = ids[1:]
		q.inflight[id] = q.now().Add(visibility)

		item := q.items[id]
		return &item, nil
	}
	return nil, nil
}

// ExtendLease сдвигает visibility deadline.
func (q *MemoryQueue) ExtendLease(_ context.Context, batchID uuid.UUID, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[batchID]; !ok {
		return ErrNotInflight
	}
	q.inflight[batchID] = q.now().Add(extension)
	return nil
}

// Ack удаляет элемент из inflight. Элемент вне inflight не затрагивается.
func (q *MemoryQueue) Ack(_ context.Context, batchID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[batchID]; !ok {
		return nil
	}
	delete(q.inflight, batchID)
	delete(q.items, batchID)
	return nil
}

// Remove удаляет элемент из всех состояний.
func (q *MemoryQueue) Remove(_ context.Context, batchID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.detach(batchID)
	delete(q.items, batchID)
	return nil
}

// PromoteScheduled переносит наступившие отложенные элементы в ready.
func (q *MemoryQueue) PromoteScheduled(_ context.Context, now time.Time, limit int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := dueIDs(q.scheduled, now, limit)
	for _, id := range due {
		delete(q.scheduled, id)
		q.pushReady(id)
	}
	return len(due), nil
}

// RequeueExpired возвращает в ready элементы с истёкшим visibility deadline.
func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, limit int64) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := dueIDs(q.inflight, now, limit)
	for _, id := range due {
		delete(q.inflight, id)
		q.pushReady(id)
	}
	return due, nil
}

// Contains сообщает, находится ли batch в очереди.
func (q *MemoryQueue) Contains(_ context.Context, batchID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.items[batchID]
	return ok, nil
}

// Depth возвращает размер очереди.
func (q *MemoryQueue) Depth(_ context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := Depth{
		Ready:     make(map[Priority]int64, len(Priorities)),
		Scheduled: int64(len(q.scheduled)),
		Inflight:  int64(len(q.inflight)),
	}
	for _, p := range Priorities {
		d.Ready[p] = int64(len(q.ready[p]))
	}
	return d, nil
}

// detach снимает batch из ready, scheduled и inflight. Вызывается под q.mu.
func (q *MemoryQueue) detach(batchID uuid.UUID) {
	for p, ids := range q.ready {
		q.ready[p] = slices.DeleteFunc(ids, func(id uuid.UUID) bool { return id == batchID })
	}
	delete(q.scheduled, batchID)
	delete(q.inflight, batchID)
}

func (q *MemoryQueue) pushReady(batchID uuid.UUID) {
	priority := PriorityDefault
	if item, ok := q.items[batchID]; ok {
		priority = item.Priority
	}
	q.ready[priority] = append(q.ready[priority], batchID)
}

// dueIDs возвращает ID со временем <= now, самые ранние первыми.
func dueIDs(set map[uuid.UUID]time.Time, now time.Time, limit int64) []uuid.UUID {
	if limit <= 0 {
		limit = 100
	}

	var due []uuid.UUID
	for id, at := range set {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return set[due[i]].Before(set[due[j]]) })
	if int64(len(due)) > limit {
		due = due[:limit]
	}
	return due
}
