// Package queue implements the FIFO channel of task ids on Redis.
// Submitted ids sit on tasks:pending; a dequeue atomically moves an id
// to tasks:processing with BLMove and stamps a lease key, so an id is
// never in limbo between the two lists. Delivery is at-least-once: an id
// only leaves tasks:processing on an explicit Ack, and the reaper
// returns ids whose lease expired (worker crash) to tasks:pending.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
)

const (
	pendingKey    = "tasks:pending"
	processingKey = "tasks:processing"
)

var (
	// ErrQueueFull means the pending list is at capacity. Submissions are
	// rejected rather than blocked to protect latency of accepted work.
	ErrQueueFull = errors.New("task queue is full")

	// ErrNoTask means no id was available within the dequeue timeout.
	ErrNoTask = errors.New("no task available")
)

// enqueueScript atomically checks depth against capacity and pushes.
// Without the script two submitters could both observe one free slot.
var enqueueScript = redis.NewScript(`
	local depth = redis.call('LLEN', KEYS[1])
	if depth >= tonumber(ARGV[2]) then
		return 0
	end
	redis.call('RPUSH', KEYS[1], ARGV[1])
	return depth + 1
`)

// requeueScript moves one id from the processing list back to pending,
// only if it is still on the processing list. Run by the reaper after it
// finds the id's lease gone.
var requeueScript = redis.NewScript(`
	if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
		return 0
	end
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
`)

// Queue is the bounded FIFO of task ids shared by the coordinator and
// the worker pool.
type Queue struct {
	rdb      *redis.Client
	capacity int64
	leaseTTL time.Duration
	log      zerolog.Logger
}

// New creates a queue with the given capacity bound and per-dequeue
// lease duration.
func New(rdb *redis.Client, capacity int, leaseTTL time.Duration) *Queue {
	return &Queue{
		rdb:      rdb,
		capacity: int64(capacity),
		leaseTTL: leaseTTL,
		log:      logger.Component("queue"),
	}
}

// LeaseKey returns the Redis key marking a live worker claim on an id.
func LeaseKey(id string) string {
	return "tasks:lease:" + id
}

// Enqueue pushes a task id onto the pending list. Returns ErrQueueFull
// when the list is at capacity.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	res, err := enqueueScript.Run(ctx, q.rdb, []string{pendingKey}, id, q.capacity).Int64()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	if res == 0 {
		return fmt.Errorf("enqueue %s: %w (capacity %d)", id, ErrQueueFull, q.capacity)
	}
	q.log.Debug().Str("task_id", id).Int64("depth", res).Msg("Task id enqueued")
	return nil
}

// Dequeue blocks up to timeout for the next id, moving it atomically
// from pending to processing and stamping its lease. Returns ErrNoTask
// on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BLMove(ctx, pendingKey, processingKey, "LEFT", "RIGHT", timeout).Result()
	if err == redis.Nil {
		return "", ErrNoTask
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}

	// The lease marks the worker as alive. If the worker dies before Ack
	// the key expires and the reaper recovers the id. A failed lease write
	// just means earlier recovery, so it is logged and not fatal.
	if err := q.rdb.Set(ctx, LeaseKey(id), 1, q.leaseTTL).Err(); err != nil {
		q.log.Warn().Err(err).Str("task_id", id).Msg("Failed to stamp lease")
	}
	return id, nil
}

// Ack removes a delivered id from the processing list and releases its
// lease. Call it once the record has reached a terminal state, or when
// the id turned out to be a duplicate delivery.
func (q *Queue) Ack(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, id)
	pipe.Del(ctx, LeaseKey(id))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Expired returns the ids sitting on the processing list whose lease key
// is gone, meaning the worker that held them died or stalled past the
// lease TTL.
func (q *Queue) Expired(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan processing list: %w", err)
	}

	var expired []string
	for _, id := range ids {
		exists, err := q.rdb.Exists(ctx, LeaseKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check lease for %s: %w", id, err)
		}
		if exists == 0 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Requeue returns an expired id from the processing list to the pending
// list. Reports false when the id already left the processing list (a
// worker acked it between the Expired scan and this call).
func (q *Queue) Requeue(ctx context.Context, id string) (bool, error) {
	res, err := requeueScript.Run(ctx, q.rdb, []string{processingKey, pendingKey}, id).Int64()
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", id, err)
	}
	return res == 1, nil
}

// Depths returns the current length of the pending and processing lists.
func (q *Queue) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for name, key := range map[string]string{"pending": pendingKey, "processing": processingKey} {
		if n, err := q.rdb.LLen(ctx, key).Result(); err == nil {
			depths[name] = n
		}
	}
	return depths
}
