package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/observability"
	"github.com/petrhale/camshaft/control_plane/store"
	"github.com/petrhale/camshaft/control_plane/taskserver"
)

// DispatcherStats is the snapshot of the last dispatch cycle, published to
// the ops hub.
type DispatcherStats struct {
	RanAt      time.Time `json:"ranAt"`
	Queued     int       `json:"queued"`
	Dispatched int       `json:"dispatched"`
	HeldGlobal int       `json:"heldGlobal"`
	HeldGroup  int       `json:"heldGroup"`
	Error      string    `json:"error,omitempty"`
}

// Dispatcher drains the work queue into the task server, honoring the global
// and per-group active caps. Multiple replicas may dispatch concurrently; the
// queued→dispatched claim on each entry makes at most one of them win.
type Dispatcher struct {
	store    store.Store
	registry *engine.Registry
	tasks    taskserver.TaskServer
	logger   *zap.Logger

	interval          time.Duration
	maxActiveJobs     int
	excludedWorkflows []string

	now func() time.Time

	mu   sync.Mutex
	last DispatcherStats
}

// DispatcherOptions carries the tunables the dispatcher reads from config.
type DispatcherOptions struct {
	Interval          time.Duration
	MaxActiveJobs     int
	ExcludedWorkflows []string
}

// NewDispatcher builds a dispatcher over the given store and task server.
func NewDispatcher(st store.Store, reg *engine.Registry, tasks taskserver.TaskServer, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:             st,
		registry:          reg,
		tasks:             tasks,
		logger:            logger.Named("dispatcher"),
		interval:          opts.Interval,
		maxActiveJobs:     opts.MaxActiveJobs,
		excludedWorkflows: opts.ExcludedWorkflows,
		now:               time.Now,
	}
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Info("dispatcher started", zap.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.DispatchCycle(ctx); err != nil {
				d.logger.Error("dispatch cycle failed", zap.Error(err))
			}
		}
	}
}

// DispatchCycle runs one pass over the queue. Entries are visited in
// dispatch order: group priority descending, entry priority descending,
// creation time ascending. Hitting the global cap ends the cycle; hitting a
// group cap only skips that group's entries, so lower-priority groups with
// free capacity still drain.
func (d *Dispatcher) DispatchCycle(ctx context.Context) error {
	started := d.now()
	stats := DispatcherStats{RanAt: started}
	defer func() {
		observability.DispatcherCycleDuration.Observe(d.now().Sub(started).Seconds())
		d.mu.Lock()
		d.last = stats
		d.mu.Unlock()
	}()

	entries, err := d.store.LoadQueuedWork(ctx)
	if err != nil {
		stats.Error = err.Error()
		return err
	}
	stats.Queued = len(entries)
	observability.QueueDepth.Set(float64(len(entries)))
	if len(entries) == 0 {
		return nil
	}

	buckets, err := d.store.CountActiveByGroup(ctx, d.excludedWorkflows)
	if err != nil {
		stats.Error = err.Error()
		return err
	}
	globalActive := 0
	groupActive := make(map[int64]int)
	for _, b := range buckets {
		globalActive += b.Active
		if b.GroupID != nil {
			groupActive[*b.GroupID] = b.Active
		}
	}
	observability.ActiveExecutions.Set(float64(globalActive))

	for i, w := range entries {
		if d.maxActiveJobs > 0 && globalActive >= d.maxActiveJobs {
			stats.HeldGlobal = len(entries) - i
			observability.DispatchSkips.WithLabelValues("global_cap").Inc()
			break
		}
		if w.GroupID != nil && w.GroupMaxActiveJobs != nil && groupActive[*w.GroupID] >= *w.GroupMaxActiveJobs {
			stats.HeldGroup++
			observability.DispatchSkips.WithLabelValues("group_cap").Inc()
			continue
		}
		if err := d.dispatchOne(ctx, w); err != nil {
			continue
		}
		stats.Dispatched++
		globalActive++
		if w.GroupID != nil {
			groupActive[*w.GroupID]++
		}
	}
	return nil
}

// dispatchOne claims one entry and hands it to the task server. Any failure
// is logged and skipped; the entry stays queued (or was claimed elsewhere)
// and the next cycle retries.
func (d *Dispatcher) dispatchOne(ctx context.Context, w model.QueuedWork) error {
	entry := w.Entry

	input, err := d.registry.Decode(engine.TypeName(entry.InputTypeName), entry.Input)
	if err != nil {
		observability.DispatchSkips.WithLabelValues("decode_error").Inc()
		d.logger.Error("cannot decode queued input",
			zap.Int64("entry_id", entry.ID),
			zap.String("input_type", entry.InputTypeName),
			zap.Error(err))
		return err
	}

	exec, err := d.store.CreateExecution(ctx, store.NewExecution{
		Name:       entry.WorkflowName,
		Input:      entry.Input,
		ManifestID: entry.ManifestID,
	})
	if err != nil {
		d.logger.Error("cannot create execution", zap.Int64("entry_id", entry.ID), zap.Error(err))
		return err
	}

	if err := d.store.MarkDispatched(ctx, entry.ID, exec.ID, d.now()); err != nil {
		// Claim lost: another dispatcher took the entry or an operator
		// cancelled it. The fresh execution row must not leak.
		if delErr := d.store.DeleteExecution(ctx, exec.ID); delErr != nil {
			d.logger.Error("cannot delete orphaned execution", zap.Int64("metadata_id", exec.ID), zap.Error(delErr))
		}
		if errors.Is(err, model.ErrStaleQueueEntry) {
			observability.DispatchSkips.WithLabelValues("stale_claim").Inc()
			d.logger.Debug("queue entry claimed elsewhere", zap.Int64("entry_id", entry.ID))
		} else {
			d.logger.Error("cannot mark entry dispatched", zap.Int64("entry_id", entry.ID), zap.Error(err))
		}
		return err
	}

	if _, err := d.tasks.Enqueue(ctx, taskserver.Task{
		MetadataID:    exec.ID,
		InputTypeName: entry.InputTypeName,
		Input:         input,
	}); err != nil {
		// The entry is already dispatched; startup recovery will fail the
		// stranded execution if the pool never picks it up.
		d.logger.Error("cannot submit to task server", zap.Int64("metadata_id", exec.ID), zap.Error(err))
		return err
	}

	observability.EntriesDispatched.Inc()
	d.logger.Info("entry dispatched",
		zap.Int64("entry_id", entry.ID),
		zap.Int64("metadata_id", exec.ID),
		zap.String("workflow", entry.WorkflowName),
		zap.Int("priority", entry.Priority))
	return nil
}

// LastStats returns the snapshot of the most recent cycle.
func (d *Dispatcher) LastStats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
