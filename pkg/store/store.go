// Package store implements the job record store on Redis.
// It is the single source of truth for task state: every record lives
// under task:{id} as a JSON blob, every state transition is a
// compare-and-set guarded by WATCH, and every successful transition is
// published on the task's event channel so the notifier can fan it out.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/tasks"
)

// Sentinel errors. Callers match these with errors.Is.
var (
	// ErrNotFound means no record exists under the given task id.
	ErrNotFound = errors.New("task not found")

	// ErrWrongState means a transition was requested against a record
	// whose current state does not allow it.
	ErrWrongState = errors.New("task is not in the required state")
)

// casAttempts bounds the optimistic-transaction retry loop. A WATCH
// conflict means another writer got in first, which for a single task id
// is rare, so a handful of retries is plenty.
const casAttempts = 5

// Store provides atomic access to task records.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// New creates a store on the given Redis client. Records expire after
// ttl; zero disables expiry.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		log: logger.Component("store"),
	}
}

// RecordKey returns the Redis key holding the record for a task id.
func RecordKey(id string) string {
	return "task:" + id
}

// EventChannel returns the pub/sub channel carrying transition events
// for a task id.
func EventChannel(id string) string {
	return "task.events." + id
}

// Create persists a new record in the queued state with attempt count 1
// and returns it. The id is minted here and never reused.
func (s *Store) Create(ctx context.Context, input []byte) (*tasks.Task, error) {
	now := time.Now().UTC()
	t := &tasks.Task{
		ID:        uuid.New().String(),
		State:     tasks.StateQueued,
		Input:     input,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	if err := s.rdb.Set(ctx, RecordKey(t.ID), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("create task %s: %w", t.ID, err)
	}

	s.log.Debug().Str("task_id", t.ID).Int("input_bytes", len(input)).Msg("Task record created")
	return t, nil
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*tasks.Task, error) {
	data, err := s.rdb.Get(ctx, RecordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var t tasks.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// Delete removes the record for id. Used to undo a submission the queue
// rejected; a missing record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, RecordKey(id)).Err()
}

// MarkProcessing transitions queued -> processing. A record in any other
// state yields ErrWrongState, which the worker treats as a duplicate
// delivery of the same id.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*tasks.Task, error) {
	return s.update(ctx, id, func(t *tasks.Task) error {
		if t.State != tasks.StateQueued {
			return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, id, t.State, tasks.StateQueued)
		}
		t.State = tasks.StateProcessing
		return nil
	})
}

// MarkCompleted transitions processing -> completed and attaches the
// ranked predictions. Error is cleared so exactly one terminal payload
// is ever populated.
func (s *Store) MarkCompleted(ctx context.Context, id string, results []tasks.Prediction) (*tasks.Task, error) {
	return s.update(ctx, id, func(t *tasks.Task) error {
		if t.State != tasks.StateProcessing {
			return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, id, t.State, tasks.StateProcessing)
		}
		t.State = tasks.StateCompleted
		t.Results = results
		t.Error = ""
		return nil
	})
}

// MarkFailed transitions processing -> failed and attaches the error
// message. Results are cleared.
func (s *Store) MarkFailed(ctx context.Context, id string, msg string) (*tasks.Task, error) {
	return s.update(ctx, id, func(t *tasks.Task) error {
		if t.State != tasks.StateProcessing {
			return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, id, t.State, tasks.StateProcessing)
		}
		t.State = tasks.StateFailed
		t.Error = msg
		t.Results = nil
		return nil
	})
}

// MarkRetried transitions failed -> queued for an explicit retry: the
// attempt count bumps, the error clears, and a non-nil input replaces
// the stored image (whatever is provided at retry time wins). Any state
// other than failed, including completed, yields ErrWrongState.
func (s *Store) MarkRetried(ctx context.Context, id string, input []byte) (*tasks.Task, error) {
	return s.update(ctx, id, func(t *tasks.Task) error {
		if t.State != tasks.StateFailed {
			return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, id, t.State, tasks.StateFailed)
		}
		t.State = tasks.StateQueued
		t.Attempts++
		t.Error = ""
		t.Results = nil
		if input != nil {
			t.Input = input
		}
		return nil
	})
}

// RestoreFailed compensates a retry whose re-enqueue was rejected: the
// record goes back from queued to its previous failed shape so the task
// stays retryable instead of sitting queued with no queue entry.
func (s *Store) RestoreFailed(ctx context.Context, id string, prev *tasks.Task) (*tasks.Task, error) {
	return s.update(ctx, id, func(t *tasks.Task) error {
		if t.State != tasks.StateQueued {
			return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, id, t.State, tasks.StateQueued)
		}
		t.State = tasks.StateFailed
		t.Error = prev.Error
		t.Attempts = prev.Attempts
		t.Input = prev.Input
		t.Results = nil
		return nil
	})
}

// Requeue resets processing -> queued without touching the attempt
// count. This is crash recovery for an expired worker lease, not a
// retry; it is the one caller allowed to walk that edge.
func (s *Store) Requeue(ctx context.Context, id string) (*tasks.Task, error) {
	return s.update(ctx, id, func(t *tasks.Task) error {
		if t.State != tasks.StateProcessing {
			return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, id, t.State, tasks.StateProcessing)
		}
		t.State = tasks.StateQueued
		return nil
	})
}

// update is the compare-and-set core. It reads the record under WATCH,
// applies fn, and writes the new record plus the transition event in one
// MULTI/EXEC. A concurrent writer aborts the EXEC and the loop retries
// from a fresh read, so no writer ever clobbers a state it did not
// observe. The write is visible to any reader before update returns.
func (s *Store) update(ctx context.Context, id string, fn func(*tasks.Task) error) (*tasks.Task, error) {
	key := RecordKey(id)

	for attempt := 0; attempt < casAttempts; attempt++ {
		var updated *tasks.Task

		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return fmt.Errorf("task %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("get task %s: %w", id, err)
			}

			var t tasks.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return fmt.Errorf("decode task %s: %w", id, err)
			}

			if err := fn(&t); err != nil {
				return err
			}
			t.UpdatedAt = time.Now().UTC()

			payload, err := json.Marshal(&t)
			if err != nil {
				return fmt.Errorf("encode task %s: %w", id, err)
			}
			event, err := json.Marshal(t.Snapshot())
			if err != nil {
				return fmt.Errorf("encode event for %s: %w", id, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				pipe.Publish(ctx, EventChannel(id), event)
				return nil
			})
			if err == nil {
				updated = &t
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Debug().
			Str("task_id", id).
			Str("state", string(updated.State)).
			Int("attempts", updated.Attempts).
			Msg("Task transitioned")
		return updated, nil
	}

	return nil, fmt.Errorf("update task %s: %w", id, redis.TxFailedErr)
}

// Ping reports whether the backing Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
