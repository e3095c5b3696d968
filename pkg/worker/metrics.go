package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring the classification pipeline.
var (
	// tasksProcessed tracks terminal worker outcomes.
	// Labels:
	//   - status: "completed", "failed", "timeout", or "duplicate"
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classify_tasks_processed_total",
		Help: "The total number of processed classification tasks",
	}, []string{"status"})

	// taskDuration tracks inference latency in seconds.
	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "classify_task_duration_seconds",
		Help:    "Duration of inference per task",
		Buckets: prometheus.DefBuckets,
	})

	// queueLatency tracks the time an id spends queued before a worker
	// picks it up, measured from the record's last transition.
	queueLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "classify_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	})

	// queueDepth tracks the length of the pending and processing lists.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "classify_queue_depth",
		Help: "Number of task ids in each queue",
	}, []string{"queue"})

	// tasksReaped counts ids the lease reaper returned to the queue.
	tasksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classify_tasks_reaped_total",
		Help: "Task ids recovered from expired worker leases",
	})
)
