// Package observability declares the Prometheus metrics exported by the
// scheduler. All metrics carry the camshaft_ prefix and are registered via
// promauto at package load.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EvaluatorCycles counts evaluator ticks by outcome.
	EvaluatorCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camshaft_evaluator_cycles_total",
		Help: "Evaluator cycles by outcome (led, skipped, error)",
	}, []string{"outcome"})

	// EvaluatorCycleDuration tracks the duration of one evaluator cycle.
	EvaluatorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camshaft_evaluator_cycle_duration_seconds",
		Help:    "Duration of one evaluator cycle",
		Buckets: prometheus.DefBuckets,
	})

	// ManifestsEnqueued counts queue entries created by the evaluator.
	ManifestsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camshaft_manifests_enqueued_total",
		Help: "Work queue entries created by the evaluator",
	})

	// DuplicateEnqueues counts enqueue attempts absorbed by the unique index.
	DuplicateEnqueues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camshaft_duplicate_enqueues_total",
		Help: "Enqueue attempts absorbed because a queued entry already existed",
	})

	// DeadLettersCreated counts manifests promoted to dead letter.
	DeadLettersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camshaft_dead_letters_created_total",
		Help: "Manifests promoted to dead letter by the reaper",
	})

	// ExecutionTimeouts counts executions failed by the timeout sweep.
	ExecutionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camshaft_execution_timeouts_total",
		Help: "In-progress executions failed because their timeout elapsed",
	})

	// DispatcherCycleDuration tracks the duration of one dispatcher cycle.
	DispatcherCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camshaft_dispatcher_cycle_duration_seconds",
		Help:    "Duration of one dispatcher cycle",
		Buckets: prometheus.DefBuckets,
	})

	// EntriesDispatched counts queue entries handed to the task server.
	EntriesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camshaft_entries_dispatched_total",
		Help: "Queue entries dispatched to the background task server",
	})

	// DispatchSkips counts entries held back in a cycle by capacity checks.
	DispatchSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camshaft_dispatch_skips_total",
		Help: "Entries held back during a dispatch cycle",
	}, []string{"reason"}) // global_cap, group_cap, decode_error, stale_claim

	// QueueDepth tracks the number of queued work entries.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camshaft_queue_depth",
		Help: "Current number of queued work entries",
	})

	// ActiveExecutions tracks pending plus in-progress executions.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camshaft_active_executions",
		Help: "Current number of pending and in-progress executions",
	})

	// ExecutionsCompleted counts terminal executions by outcome.
	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camshaft_executions_total",
		Help: "Executions reaching a terminal state, by outcome",
	}, []string{"outcome"}) // completed, failed, cancelled

	// ExecutionDuration tracks user workflow run time.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camshaft_execution_duration_seconds",
		Help:    "Wall time of one workflow execution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// DormantActivations counts dormant-child activations by outcome.
	DormantActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camshaft_dormant_activations_total",
		Help: "Dormant-dependent activations, by outcome",
	}, []string{"outcome"}) // activated, skipped, rejected

	// WorkerPoolBusy tracks busy workers in the background pool.
	WorkerPoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camshaft_worker_pool_busy",
		Help: "Workers currently running an execution",
	})

	// WorkerPoolQueueDepth tracks tasks waiting for a worker.
	WorkerPoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camshaft_worker_pool_queue_depth",
		Help: "Tasks buffered in the worker pool ahead of pickup",
	})

	// AlertsSent counts alert deliveries by sender and outcome.
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camshaft_alerts_sent_total",
		Help: "Alert deliveries by sender and outcome",
	}, []string{"sender", "outcome"})

	// AlertsSuppressed counts alerts held back before delivery.
	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camshaft_alerts_suppressed_total",
		Help: "Alerts suppressed before delivery",
	}, []string{"reason"}) // cooldown, below_threshold, no_rule, breaker_open

	// APIRateLimited counts requests rejected by the per-tenant limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camshaft_api_rate_limited_total",
		Help: "API requests rejected by the per-tenant rate limiter",
	}, []string{"tenant"})

	// AwaitingDeadLetters tracks open dead letters.
	AwaitingDeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camshaft_awaiting_dead_letters",
		Help: "Dead letters awaiting operator intervention",
	})

	// OpsClients tracks connected operational websocket clients.
	OpsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camshaft_ops_clients",
		Help: "Connected operational websocket clients",
	})
)
