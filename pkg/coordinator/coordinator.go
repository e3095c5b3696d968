// Package coordinator exposes the task lifecycle operations the API
// serves: submit, retry, status, subscribe. It owns submission
// validation and the transaction ordering between the record store and
// the id queue; everything downstream of the queue belongs to the
// worker pool.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/notify"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/queue"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/store"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/tasks"
)

// Sentinel errors returned synchronously from coordinator calls. Errors
// from inference itself are never surfaced here; they land in the task
// record and reach the client via status or subscribe.
var (
	// ErrValidation means the submitted payload is missing, oversized,
	// or not a decodable image. No task is created.
	ErrValidation = errors.New("invalid image payload")

	// ErrConflict means retry was requested on a task that is not in the
	// failed state. The record is left unchanged.
	ErrConflict = errors.New("task is not retryable in its current state")

	// ErrBusy means the queue is at capacity and the request was
	// rejected to protect latency for already-accepted work.
	ErrBusy = errors.New("server is busy, try again later")

	// ErrNotFound aliases the store sentinel so callers can match
	// against a single package.
	ErrNotFound = store.ErrNotFound
)

// Coordinator wires submissions, retries and status delivery together.
type Coordinator struct {
	store    *store.Store
	queue    *queue.Queue
	notifier *notify.Notifier
	maxBytes int
	log      zerolog.Logger
}

// New creates a coordinator. maxBytes bounds accepted image payloads.
func New(st *store.Store, q *queue.Queue, n *notify.Notifier, maxBytes int) *Coordinator {
	return &Coordinator{
		store:    st,
		queue:    q,
		notifier: n,
		maxBytes: maxBytes,
		log:      logger.Component("coordinator"),
	}
}

// Submit validates the image, creates the job record in the queued
// state and puts its id on the queue. A queue-full rejection removes
// the record again so a refused submit leaves no state behind.
func (c *Coordinator) Submit(ctx context.Context, img []byte) (tasks.Status, error) {
	if err := c.validate(img); err != nil {
		return tasks.Status{}, err
	}

	t, err := c.store.Create(ctx, img)
	if err != nil {
		return tasks.Status{}, fmt.Errorf("create record: %w", err)
	}

	if err := c.queue.Enqueue(ctx, t.ID); err != nil {
		if derr := c.store.Delete(ctx, t.ID); derr != nil {
			c.log.Error().Err(derr).Str("task_id", t.ID).Msg("Failed to remove record for rejected submit")
		}
		if errors.Is(err, queue.ErrQueueFull) {
			return tasks.Status{}, fmt.Errorf("%w: %s", ErrBusy, err)
		}
		return tasks.Status{}, fmt.Errorf("enqueue: %w", err)
	}

	c.log.Info().Str("task_id", t.ID).Int("bytes", len(img)).Msg("Task submitted")
	return t.Snapshot(), nil
}

// Retry moves a failed task back to queued and re-enqueues it. The
// attempt count bumps by one and the stored error clears. A non-nil img
// replaces the stored input after validation; nil reuses it. Unknown
// ids yield ErrNotFound; any state other than failed yields ErrConflict
// and leaves the record untouched. If the queue rejects the re-enqueue
// the record is restored to its failed shape so the task stays
// retryable.
func (c *Coordinator) Retry(ctx context.Context, id string, img []byte) (tasks.Status, error) {
	if img != nil {
		if err := c.validate(img); err != nil {
			return tasks.Status{}, err
		}
	}

	prev, err := c.store.Get(ctx, id)
	if err != nil {
		return tasks.Status{}, err
	}

	t, err := c.store.MarkRetried(ctx, id, img)
	if err != nil {
		if errors.Is(err, store.ErrWrongState) {
			return tasks.Status{}, fmt.Errorf("%w: %s", ErrConflict, err)
		}
		return tasks.Status{}, err
	}

	if err := c.queue.Enqueue(ctx, t.ID); err != nil {
		if _, rerr := c.store.RestoreFailed(ctx, id, prev); rerr != nil {
			c.log.Error().Err(rerr).Str("task_id", id).Msg("Failed to restore record after rejected retry")
		}
		if errors.Is(err, queue.ErrQueueFull) {
			return tasks.Status{}, fmt.Errorf("%w: %s", ErrBusy, err)
		}
		return tasks.Status{}, fmt.Errorf("enqueue: %w", err)
	}

	c.log.Info().Str("task_id", id).Int("attempt", t.Attempts).Bool("new_input", img != nil).Msg("Task retried")
	return t.Snapshot(), nil
}

// Status delegates to the notifier's polling path.
func (c *Coordinator) Status(ctx context.Context, id string) (tasks.Status, error) {
	return c.notifier.Status(ctx, id)
}

// Subscribe delegates to the notifier's streaming path.
func (c *Coordinator) Subscribe(ctx context.Context, id string) (<-chan tasks.Status, error) {
	return c.notifier.Subscribe(ctx, id)
}

// QueueDepths exposes current queue lengths for the stats endpoint.
func (c *Coordinator) QueueDepths(ctx context.Context) map[string]int64 {
	return c.queue.Depths(ctx)
}

// Healthy reports whether the backing store is reachable.
func (c *Coordinator) Healthy(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// validate enforces the submission contract: non-empty, within the size
// limit, and decodable as jpeg/png/gif. Only the header is parsed;
// full decoding is the classifier's job.
func (c *Coordinator) validate(img []byte) error {
	if len(img) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if c.maxBytes > 0 && len(img) > c.maxBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrValidation, len(img), c.maxBytes)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(img)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
