// Package notify delivers task status to clients. Both consumption
// styles are views over the same store: Status is a pure read-through
// for polling, Subscribe is a push stream fed by the per-task transition
// channel the store publishes on. One transition log, two delivery
// modes, so correctness proven for one holds for the other.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/store"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/tasks"
)

// readAttempts bounds retries of a transient snapshot read failure
// before the subscription gives up with a terminal error event.
const readAttempts = 5

// Notifier answers status queries and serves per-task subscriptions.
type Notifier struct {
	rdb   *redis.Client
	store *store.Store
	log   zerolog.Logger
}

// New creates a notifier. The redis client is used for pub/sub only;
// record reads go through the store.
func New(rdb *redis.Client, st *store.Store) *Notifier {
	return &Notifier{
		rdb:   rdb,
		store: st,
		log:   logger.Component("notifier"),
	}
}

// Status returns the current client-facing view of a task. Idempotent,
// side-effect free, safe at arbitrary call rates; polling cadence is a
// client convention, not enforced here.
func (n *Notifier) Status(ctx context.Context, id string) (tasks.Status, error) {
	t, err := n.store.Get(ctx, id)
	if err != nil {
		return tasks.Status{}, err
	}
	return t.Snapshot(), nil
}

// Subscribe opens a status stream for one task id. The first event is
// the current state, so a late subscriber is never stuck waiting; after
// that one event arrives per transition. The channel closes after a
// terminal event, or when ctx is cancelled. Unknown ids fail here, not
// on the stream. Each subscriber is independent and the underlying task
// keeps processing regardless of who is watching.
func (n *Notifier) Subscribe(ctx context.Context, id string) (<-chan tasks.Status, error) {
	// Order matters: subscribe to the transition channel before reading
	// the snapshot, so a transition landing in between is seen on the
	// channel instead of being lost.
	pubsub := n.rdb.Subscribe(ctx, store.EventChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	snapshot, err := n.snapshotWithRetry(ctx, id)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan tasks.Status, 8)
	go n.stream(ctx, id, pubsub, snapshot, out)
	return out, nil
}

// stream forwards transition events until a terminal state or cancel.
func (n *Notifier) stream(ctx context.Context, id string, pubsub *redis.PubSub, snapshot tasks.Status, out chan<- tasks.Status) {
	activeSubscriptions.Inc()
	defer activeSubscriptions.Dec()
	defer close(out)
	defer func() { _ = pubsub.Close() }()

	log := n.log.With().Str("task_id", id).Logger()

	last, ok := n.emit(ctx, out, snapshot)
	if !ok || snapshot.State.Terminal() {
		return
	}

	// go-redis reconnects the pub/sub connection on transient failures
	// by itself, so a network hiccup pauses the stream instead of
	// aborting it.
	events := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Subscriber gone, releasing subscription")
			return
		case msg, open := <-events:
			if !open {
				// The record became permanently unreadable mid-stream.
				// Surface a terminal error event rather than hanging the
				// client forever.
				st, err := n.snapshotWithRetry(ctx, id)
				if err != nil {
					st = last
					st.Error = "status stream interrupted: " + err.Error()
				}
				n.emit(ctx, out, st)
				return
			}

			var status tasks.Status
			if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
				log.Error().Err(err).Msg("Malformed transition event")
				continue
			}

			// The snapshot may already cover a transition published
			// between subscribing and reading it; skip that duplicate.
			if status.State == last.State && status.Attempts == last.Attempts {
				continue
			}

			if last, ok = n.emit(ctx, out, status); !ok {
				return
			}
			if status.State.Terminal() {
				return
			}
		}
	}
}

// emit delivers one event, giving up when the subscriber is gone.
func (n *Notifier) emit(ctx context.Context, out chan<- tasks.Status, status tasks.Status) (tasks.Status, bool) {
	select {
	case out <- status:
		return status, true
	case <-ctx.Done():
		return status, false
	}
}

// snapshotWithRetry reads the current state, retrying transient store
// errors with exponential backoff. NotFound is permanent and returned
// as-is.
func (n *Notifier) snapshotWithRetry(ctx context.Context, id string) (tasks.Status, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return tasks.Status{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		status, err := n.Status(ctx, id)
		if err == nil {
			return status, nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled) {
			return tasks.Status{}, err
		}
		lastErr = err
		n.log.Warn().Err(err).Str("task_id", id).Int("attempt", attempt+1).Msg("Transient status read failure")
	}
	return tasks.Status{}, lastErr
}
