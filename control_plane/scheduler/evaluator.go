// Package scheduler holds the two control loops: the evaluator, which decides
// what is due and feeds the work queue, and the dispatcher, which drains the
// queue into the worker pool under capacity limits.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/observability"
	"github.com/petrhale/camshaft/control_plane/store"
)

// EvaluatorStats is the snapshot of the last evaluator cycle, published to
// the ops hub.
type EvaluatorStats struct {
	RanAt      time.Time `json:"ranAt"`
	Led        bool      `json:"led"`
	Candidates int       `json:"candidates"`
	Enqueued   int       `json:"enqueued"`
	Duplicates int       `json:"duplicates"`
	Reaped     int       `json:"reaped"`
	TimedOut   int64     `json:"timedOut"`
	Error      string    `json:"error,omitempty"`
}

// Evaluator periodically decides which manifests are due and enqueues work
// for them. Every cycle runs inside the store's exclusive evaluator
// transaction, so at most one replica evaluates at a time; the others skip
// their tick.
type Evaluator struct {
	store  store.Store
	logger *zap.Logger

	interval          time.Duration
	maxActiveJobs     int
	excludedWorkflows []string
	dependentBoost    int
	defaultTimeout    time.Duration

	// now is swapped in tests to pin the clock.
	now func() time.Time

	mu   sync.Mutex
	last EvaluatorStats
}

// EvaluatorOptions carries the tunables the evaluator reads from config.
type EvaluatorOptions struct {
	Interval          time.Duration
	MaxActiveJobs     int
	ExcludedWorkflows []string
	DependentBoost    int
	DefaultTimeout    time.Duration
}

// NewEvaluator builds an evaluator over the given store.
func NewEvaluator(st store.Store, opts EvaluatorOptions, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:             st,
		logger:            logger.Named("evaluator"),
		interval:          opts.Interval,
		maxActiveJobs:     opts.MaxActiveJobs,
		excludedWorkflows: opts.ExcludedWorkflows,
		dependentBoost:    opts.DependentBoost,
		defaultTimeout:    opts.DefaultTimeout,
		now:               time.Now,
	}
}

// Run ticks until the context is cancelled. Lock contention is a normal
// outcome in a multi-replica deployment and is not logged above debug.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.logger.Info("evaluator started", zap.Duration("interval", e.interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluator stopped")
			return
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				if errors.Is(err, model.ErrNotLeader) {
					e.logger.Debug("cycle skipped, not leader")
					continue
				}
				e.logger.Error("evaluator cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle executes one full evaluation: timeout sweep, candidate load, reap,
// decide, enqueue — all inside one exclusive transaction. Returns
// model.ErrNotLeader when another replica holds the evaluator lock.
func (e *Evaluator) RunCycle(ctx context.Context) error {
	started := e.now()
	stats := EvaluatorStats{RanAt: started}

	err := e.store.RunEvaluatorCycle(ctx, func(ctx context.Context, tx store.Store) error {
		stats.Led = true
		return e.cycle(ctx, tx, &stats)
	})

	observability.EvaluatorCycleDuration.Observe(e.now().Sub(started).Seconds())
	switch {
	case errors.Is(err, model.ErrNotLeader):
		observability.EvaluatorCycles.WithLabelValues("skipped").Inc()
	case err != nil:
		stats.Error = err.Error()
		observability.EvaluatorCycles.WithLabelValues("error").Inc()
	default:
		observability.EvaluatorCycles.WithLabelValues("led").Inc()
	}

	e.mu.Lock()
	e.last = stats
	e.mu.Unlock()
	return err
}

func (e *Evaluator) cycle(ctx context.Context, tx store.Store, stats *EvaluatorStats) error {
	now := e.now()

	// Phase 0: executions that outlived their timeout become failures now,
	// so the reap phase below sees them in failed_count this same tick.
	timedOut, err := tx.FailTimedOutExecutions(ctx, now, e.defaultTimeout)
	if err != nil {
		return err
	}
	stats.TimedOut = timedOut
	if timedOut > 0 {
		observability.ExecutionTimeouts.Add(float64(timedOut))
		e.logger.Warn("failed timed-out executions", zap.Int64("count", timedOut))
	}

	// Phase 1: load enabled manifests with their aggregates pushed down.
	candidates, err := tx.LoadCandidates(ctx)
	if err != nil {
		return err
	}
	stats.Candidates = len(candidates)

	// Phase 2: reap manifests whose failure count reached the retry budget.
	// The FailedCount > 0 guard keeps a zero-retry manifest that has never
	// failed out of the dead-letter table.
	reaped := make(map[int64]bool)
	for _, c := range candidates {
		if c.HasAwaitingDeadLetter {
			continue
		}
		if c.FailedCount >= c.Manifest.MaxRetries && c.FailedCount > 0 {
			if _, err := tx.CreateDeadLetter(ctx, c.Manifest.ID, "max retries exceeded", c.FailedCount); err != nil {
				return err
			}
			reaped[c.Manifest.ID] = true
			observability.DeadLettersCreated.Inc()
			e.logger.Warn("manifest dead-lettered",
				zap.String("external_id", c.Manifest.ExternalID),
				zap.Int("failed_count", c.FailedCount),
				zap.Int("max_retries", c.Manifest.MaxRetries))
		}
	}
	stats.Reaped = len(reaped)

	// Optional global pre-filter: when the system is already at its active
	// cap, enqueueing more this tick only grows the backlog the dispatcher
	// cannot drain. The dispatcher remains the authoritative enforcer.
	if e.maxActiveJobs > 0 {
		active, err := tx.CountActiveExecutions(ctx, e.excludedWorkflows)
		if err != nil {
			return err
		}
		if active >= e.maxActiveJobs {
			e.logger.Debug("skipping enqueue, global capacity reached",
				zap.Int("active", active), zap.Int("max_active_jobs", e.maxActiveJobs))
			return nil
		}
	}

	// Phases 3 and 4: decide and enqueue.
	for _, c := range candidates {
		if reaped[c.Manifest.ID] {
			continue
		}
		if !model.ShouldRunNow(c, now) {
			continue
		}
		id := c.Manifest.ID
		item := store.NewWorkItem{
			WorkflowName:  c.Manifest.WorkflowName,
			InputTypeName: c.Manifest.InputTypeName,
			Input:         c.Manifest.InputProperties,
			ManifestID:    &id,
			Priority:      model.QueuePriority(c.Group, c.Manifest.ScheduleKind, e.dependentBoost),
		}
		if _, err := tx.EnqueueWork(ctx, item); err != nil {
			if errors.Is(err, model.ErrDuplicateQueued) {
				// Another enqueue path won the race since the candidate
				// snapshot was taken.
				stats.Duplicates++
				observability.DuplicateEnqueues.Inc()
				continue
			}
			return err
		}
		stats.Enqueued++
		observability.ManifestsEnqueued.Inc()
		e.logger.Info("manifest enqueued",
			zap.String("external_id", c.Manifest.ExternalID),
			zap.String("workflow", c.Manifest.WorkflowName),
			zap.Int("priority", item.Priority))
	}
	return nil
}

// LastStats returns the snapshot of the most recent cycle.
func (e *Evaluator) LastStats() EvaluatorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}
