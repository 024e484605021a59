package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig — настройки RedisQueue.
type RedisConfig struct {
	// Prefix — префикс всех ключей очереди.
	// По умолчанию: "freight:queue".
	Prefix string
}

// RedisQueue — очередь поверх Redis.
//
// Ключи:
//   - <prefix>:ready:<priority> — LIST batch IDs
//   - <prefix>:scheduled        — ZSET, score = runAt (unix ms)
//   - <prefix>:inflight         — ZSET, score = visibility deadline (unix ms)
//   - <prefix>:meta:<batch_id>  — HASH tenant_id, job_id, priority
type RedisQueue struct {
	client       redis.UniversalClient
	prefix       string
	scheduledKey string
	inflightKey  string
	now          func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue создаёт очередь поверх клиента Redis.
func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig) *RedisQueue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "freight:queue"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		scheduledKey: prefix + ":scheduled",
		inflightKey:  prefix + ":inflight",
		now:          time.Now,
	}
}

// Ping проверяет доступность Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) readyPrefix() string {
	return q.prefix + ":ready:"
}

func (q *RedisQueue) readyKey(p Priority) string {
	return q.readyPrefix() + string(p)
}

func (q *RedisQueue) metaPrefix() string {
	return q.prefix + ":meta:"
}

func (q *RedisQueue) metaKey(batchID uuid.UUID) string {
	return q.metaPrefix() + batchID.String()
}

// Enqueue ставит batch в ready или scheduled, снимая прежнюю позицию.
func (q *RedisQueue) Enqueue(ctx context.Context, item Item, runAt time.Time) error {
	item = item.normalize()
	id := item.BatchID.String()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(item.BatchID),
		"tenant_id", item.TenantID.String(),
		"job_id", item.JobID.String(),
		"priority", string(item.Priority),
	)
	for _, p := range Priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, id)
	}
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.ZRem(ctx, q.inflightKey, id)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey(item.Priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch %s: %w", id, err)
	}
	return nil
}

// Dequeue выдаёт batch из ready-очередей в порядке приоритета.
func (q *RedisQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Item, error) {
	keys := make([]string, 0, len(Priorities)+1)
	for _, p := range Priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	deadline := q.now().Add(visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, keys, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	batchID, err := uuid.Parse(id)
	if err != nil {
		q.client.ZRem(ctx, q.inflightKey, id)
		return nil, fmt.Errorf("invalid batch id %q in queue: %w", id, err)
	}

	meta, err := q.client.HGetAll(ctx, q.metaKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read item meta: %w", err)
	}
	if len(meta) == 0 {
		// Элемент удалён между LPOP и чтением meta
		q.client.ZRem(ctx, q.inflightKey, id)
		return nil, nil
	}

	return parseMeta(batchID, meta)
}

// ExtendLease сдвигает visibility deadline.
func (q *RedisQueue) ExtendLease(ctx context.Context, batchID uuid.UUID, extension time.Duration) error {
	id := batchID.String()
	err := q.client.ZScore(ctx, q.inflightKey, id).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotInflight
	}
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack удаляет элемент из inflight и его meta.
// Элемент, уже снятый из inflight (например, повторным Enqueue), не затрагивается.
func (q *RedisQueue) Ack(ctx context.Context, batchID uuid.UUID) error {
	keys := []string{q.inflightKey, q.metaKey(batchID)}
	if err := ackScript.Run(ctx, q.client, keys, batchID.String()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("ack batch %s: %w", batchID, err)
	}
	return nil
}

// Remove удаляет элемент из ready, scheduled и inflight.
func (q *RedisQueue) Remove(ctx context.Context, batchID uuid.UUID) error {
	id := batchID.String()
	pipe := q.client.TxPipeline()
	for _, p := range Priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.Del(ctx, q.metaKey(batchID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove batch %s: %w", id, err)
	}
	return nil
}

// PromoteScheduled переносит наступившие отложенные элементы в ready.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return len(ids), nil
}

// RequeueExpired возвращает в ready элементы с истёкшим visibility deadline.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]uuid.UUID, error) {
	ids, err := q.moveDue(ctx, q.inflightKey, now, limit)
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}

	batchIDs := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if batchID, err := uuid.Parse(id); err == nil {
			batchIDs = append(batchIDs, batchID)
		}
	}
	return batchIDs, nil
}

// Contains сообщает, находится ли batch в очереди.
// Meta элемента существует ровно пока он в ready, scheduled или inflight:
// её создаёт Enqueue и удаляют Ack и Remove.
func (q *RedisQueue) Contains(ctx context.Context, batchID uuid.UUID) (bool, error) {
	n, err := q.client.Exists(ctx, q.metaKey(batchID)).Result()
	if err != nil {
		return false, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	return n > 0, nil
}

// Depth возвращает размер очереди.
func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := make(map[Priority]*redis.IntCmd, len(Priorities))
	for _, p := range Priorities {
		ready[p] = pipe.LLen(ctx, q.readyKey(p))
	}
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}

	d := Depth{
		Ready:     make(map[Priority]int64, len(ready)),
		Scheduled: scheduled.Val(),
		Inflight:  inflight.Val(),
	}
	for p, cmd := range ready {
		d.Ready[p] = cmd.Val()
	}
	return d, nil
}

// moveDue атомарно переносит элементы ZSET со score <= now в ready по их приоритету.
func (q *RedisQueue) moveDue(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := moveDueScript.Run(ctx, q.client, []string{key},
		now.UnixMilli(), limit, q.metaPrefix(), q.readyPrefix(), string(PriorityDefault),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func parseMeta(batchID uuid.UUID, meta map[string]string) (*Item, error) {
	tenantID, err := uuid.Parse(meta["tenant_id"])
	if err != nil {
		return nil, fmt.Errorf("invalid tenant_id for batch %s: %w", batchID, err)
	}
	jobID, err := uuid.Parse(meta["job_id"])
	if err != nil {
		return nil, fmt.Errorf("invalid job_id for batch %s: %w", batchID, err)
	}
	item := Item{
		TenantID: tenantID,
		JobID:    jobID,
		BatchID:  batchID,
		Priority: Priority(meta["priority"]),
	}.normalize()
	return &item, nil
}

// KEYS: ready-очереди по приоритету, последним — inflight ZSET.
// ARGV[1]: visibility deadline.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)

// KEYS: inflight ZSET, meta HASH. ARGV[1]: batch ID.
var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// KEYS[1]: исходный ZSET.
// ARGV: now, limit, meta prefix, ready prefix, default priority.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local priority = redis.call('HGET', ARGV[3] .. id, 'priority')
    if not priority then
      priority = ARGV[5]
    end
    redis.call('RPUSH', ARGV[4] .. priority, id)
    table.insert(moved, id)
  end
end
return moved
`)
