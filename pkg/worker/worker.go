// Package worker runs the pool that drains the task queue and drives
// records through the state machine. Each worker loops: dequeue id,
// claim the record (queued -> processing), run inference under the
// execution budget, write the terminal state, ack. Workers never retry
// on their own; retry is an explicit coordinator operation so attempt
// accounting stays in one place.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/classifier"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/queue"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/store"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/tasks"
)

// Config holds the worker pool settings.
type Config struct {
	// Workers is the pool size; it is the primary backpressure control
	// on concurrent inference load.
	Workers int

	// InferenceBudget bounds a single classification. Exceeding it fails
	// the task with a timeout error so a stuck inference cannot occupy a
	// pool slot forever.
	InferenceBudget time.Duration

	// DequeueTimeout is how long a single blocking dequeue waits before
	// re-checking for shutdown.
	DequeueTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         2,
		InferenceBudget: 30 * time.Second,
		DequeueTimeout:  time.Second,
	}
}

// Pool is a fixed-size set of workers draining the queue.
type Pool struct {
	store      *store.Store
	queue      *queue.Queue
	classifier classifier.Classifier
	cfg        Config
	log        zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker pool. Zero config fields fall back to defaults.
func New(st *store.Store, q *queue.Queue, cl classifier.Classifier, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.InferenceBudget <= 0 {
		cfg.InferenceBudget = def.InferenceBudget
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}
	return &Pool{
		store:      st,
		queue:      q,
		classifier: cl,
		cfg:        cfg,
		log:        logger.Component("worker"),
	}
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("Worker pool started")
}

// Stop shuts the pool down and waits for the workers to exit. A task
// caught mid-inference is not finished: its record stays processing,
// its lease lapses, and the reaper returns it to the queue.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Worker stopping")
			return
		default:
		}

		taskID, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if errors.Is(err, queue.ErrNoTask) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Dequeue failed")
			}
			continue
		}

		p.process(ctx, log, taskID)
	}
}

// process drives one delivered id through the state machine. The ack is
// deliberately last: an id leaves the processing list only after the
// record holds a terminal state, so a crash anywhere in here leaves the
// id recoverable by the lease reaper.
func (p *Pool) process(ctx context.Context, log zerolog.Logger, taskID string) {
	log = log.With().Str("task_id", taskID).Logger()

	// The claim below stamps a fresh UpdatedAt, so the time the id spent
	// queued has to be read off the record before the transition.
	var queuedAt time.Time
	if prev, err := p.store.Get(ctx, taskID); err == nil {
		queuedAt = prev.UpdatedAt
	}

	t, err := p.store.MarkProcessing(ctx, taskID)
	if errors.Is(err, store.ErrWrongState) {
		// Duplicate delivery of an id already claimed or finished.
		// Guarded by the queued->processing CAS; drop it.
		log.Warn().Err(err).Msg("Dropping duplicate delivery")
		tasksProcessed.WithLabelValues("duplicate").Inc()
		p.ack(ctx, log, taskID)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("Record gone, dropping id")
		p.ack(ctx, log, taskID)
		return
	}
	if err != nil {
		// Leave the id on the processing list; the reaper recovers it
		// once the lease runs out.
		log.Error().Err(err).Msg("Failed to claim task")
		return
	}

	if !queuedAt.IsZero() {
		queueLatency.Observe(time.Since(queuedAt).Seconds())
	}
	log.Info().Int("attempt", t.Attempts).Msg("Processing task")

	results, err := p.classify(ctx, t.Input)

	switch {
	case err != nil && ctx.Err() != nil:
		// Shutdown interrupted the inference. No terminal write, no ack:
		// the lease expires and the reaper requeues the id.
		log.Warn().Msg("Interrupted by shutdown, leaving task for recovery")
		return

	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("inference exceeded the %s execution budget", p.cfg.InferenceBudget)
		if _, serr := p.store.MarkFailed(ctx, taskID, msg); serr != nil {
			log.Error().Err(serr).Msg("Failed to record timeout")
			return
		}
		tasksProcessed.WithLabelValues("timeout").Inc()
		log.Warn().Msg("Task timed out")

	case err != nil:
		if _, serr := p.store.MarkFailed(ctx, taskID, err.Error()); serr != nil {
			log.Error().Err(serr).Msg("Failed to record failure")
			return
		}
		tasksProcessed.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("Task failed")

	default:
		if _, serr := p.store.MarkCompleted(ctx, taskID, results); serr != nil {
			log.Error().Err(serr).Msg("Failed to record completion")
			return
		}
		tasksProcessed.WithLabelValues("completed").Inc()
		log.Info().Int("predictions", len(results)).Msg("Task completed")
	}

	p.ack(ctx, log, taskID)
}

// classify invokes the collaborator under the execution budget. The
// invocation runs in its own goroutine so a classifier that ignores ctx
// still cannot hold the pool slot past the budget.
func (p *Pool) classify(ctx context.Context, input []byte) ([]tasks.Prediction, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.InferenceBudget)
	defer cancel()

	type outcome struct {
		results []tasks.Prediction
		err     error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		results, err := p.classifier.Classify(cctx, input)
		done <- outcome{results, err}
	}()

	select {
	case <-cctx.Done():
		// Distinguish the budget running out from the pool shutting down.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	case out := <-done:
		taskDuration.Observe(time.Since(start).Seconds())
		return out.results, out.err
	}
}

func (p *Pool) ack(ctx context.Context, log zerolog.Logger, taskID string) {
	if err := p.queue.Ack(ctx, taskID); err != nil {
		log.Error().Err(err).Msg("Ack failed")
	}
}

// Reap recovers ids whose worker lease expired: the record is reset
// processing -> queued and the id moves back to the pending list. This
// closes the worker-crash gap left by at-least-once delivery. Meant to
// run on a schedule.
func (p *Pool) Reap(ctx context.Context) (int, error) {
	expired, err := p.queue.Expired(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range expired {
		// Reset the record first: a requeued id whose record still says
		// processing would be dropped as a duplicate by every worker.
		if _, err := p.store.Requeue(ctx, id); err != nil {
			if errors.Is(err, store.ErrWrongState) || errors.Is(err, store.ErrNotFound) {
				// Terminal or gone already; the worker made it after all.
				// Just clear the queue entry.
				if err := p.queue.Ack(ctx, id); err != nil {
					p.log.Error().Err(err).Str("task_id", id).Msg("Failed to clear finished id")
				}
				continue
			}
			p.log.Error().Err(err).Str("task_id", id).Msg("Failed to reset reaped record")
			continue
		}

		moved, err := p.queue.Requeue(ctx, id)
		if err != nil {
			p.log.Error().Err(err).Str("task_id", id).Msg("Failed to requeue reaped id")
			continue
		}
		if moved {
			reaped++
			tasksReaped.Inc()
			p.log.Warn().Str("task_id", id).Msg("Recovered task from expired lease")
		}
	}
	return reaped, nil
}

// CollectQueueMetrics refreshes the queue depth gauges. Meant to run on
// a schedule alongside Reap.
func (p *Pool) CollectQueueMetrics(ctx context.Context) {
	for name, depth := range p.queue.Depths(ctx) {
		queueDepth.WithLabelValues(name).Set(float64(depth))
	}
}
