// Package executor runs one dispatched execution end to end: claim the
// pending metadata row, drive the workflow engine, and persist the terminal
// state. It is the Runner behind the background task server.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/observability"
	"github.com/petrhale/camshaft/control_plane/store"
	"github.com/petrhale/camshaft/control_plane/taskserver"
)

// AlertHook is notified after an execution fails. The alerting package
// provides the production implementation; a nil hook disables alerting.
type AlertHook interface {
	OnFailure(ctx context.Context, exec model.Execution)
}

// Executor implements taskserver.Runner over the store and the workflow
// registry.
type Executor struct {
	store    store.Store
	registry *engine.Registry
	hook     AlertHook
	logger   *zap.Logger

	dependentBoost int

	now func() time.Time
}

// New builds an executor. hook may be nil.
func New(st store.Store, reg *engine.Registry, hook AlertHook, dependentBoost int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:          st,
		registry:       reg,
		hook:           hook,
		logger:         logger.Named("executor"),
		dependentBoost: dependentBoost,
		now:            time.Now,
	}
}

// Run executes one task. The pending→in_progress claim is the at-least-once
// guard: a redelivered task finds the row already claimed and returns
// model.ErrIllegalRetry without running anything.
func (e *Executor) Run(ctx context.Context, task taskserver.Task) error {
	exec, err := e.store.GetExecution(ctx, task.MetadataID)
	if err != nil {
		return err
	}

	if err := e.store.MarkExecutionRunning(ctx, exec.ID, e.now()); err != nil {
		return err
	}

	log := e.logger.With(
		zap.Int64("metadata_id", exec.ID),
		zap.String("workflow", exec.Name))

	reg, err := e.registry.Lookup(engine.TypeName(task.InputTypeName))
	if err != nil {
		// The manifest outlived its workflow registration. Nothing to run;
		// record the failure so the reaper sees it.
		ferr := fmt.Errorf("%w: %s", model.ErrUnregisteredWorkflow, task.InputTypeName)
		e.fail(ctx, exec.ID, store.FailureInfo{
			Reason:    ferr.Error(),
			Exception: model.ErrUnregisteredWorkflow.Error(),
		}, log)
		return ferr
	}

	input := task.Input
	if input == nil {
		// Tasks created outside the dispatcher (dead-letter retries) carry no
		// decoded input; fall back to the stored raw input.
		input, err = e.registry.Decode(engine.TypeName(task.InputTypeName), exec.Input)
		if err != nil {
			e.fail(ctx, exec.ID, store.FailureInfo{
				Reason:    err.Error(),
				Exception: "input decode error",
			}, log)
			return err
		}
	}

	rc := engine.NewRunContext(ctx, exec.ID, e.activator(exec), log)
	rc.CancelRequested = func() bool {
		requested, err := e.store.IsCancelRequested(ctx, exec.ID)
		return err == nil && requested
	}
	rc.OnStep = func(step string) {
		at := e.now()
		if err := e.store.SetCurrentStep(ctx, exec.ID, step, at); err != nil {
			log.Warn("cannot record current step", zap.String("step", step), zap.Error(err))
		}
		if err := e.store.AppendLog(ctx, exec.ID, "info", "step started: "+step); err != nil {
			log.Warn("cannot append step log", zap.String("step", step), zap.Error(err))
		}
	}

	started := e.now()
	out, runErr := reg.Workflow.Run(rc, input)
	observability.ExecutionDuration.Observe(e.now().Sub(started).Seconds())

	if runErr != nil {
		return e.finishFailed(ctx, exec.ID, runErr, log)
	}
	return e.finishCompleted(ctx, exec.ID, out, log)
}

func (e *Executor) finishCompleted(ctx context.Context, id int64, out any, log *zap.Logger) error {
	raw, err := json.Marshal(out)
	if err != nil {
		e.fail(ctx, id, store.FailureInfo{
			Reason:    fmt.Sprintf("marshal output: %v", err),
			Exception: "output marshal error",
		}, log)
		return err
	}
	if err := e.store.CompleteExecution(ctx, id, raw, e.now()); err != nil {
		log.Error("cannot complete execution", zap.Error(err))
		return err
	}
	observability.ExecutionsCompleted.WithLabelValues("completed").Inc()
	log.Info("execution completed")
	return nil
}

func (e *Executor) finishFailed(ctx context.Context, id int64, runErr error, log *zap.Logger) error {
	info := store.FailureInfo{Reason: runErr.Error()}
	var sf *engine.StepFailure
	if errors.As(runErr, &sf) {
		info.Step = sf.Step
		info.Reason = sf.Reason
		info.Stack = sf.Stack
		if sf.Err != nil {
			info.Exception = sf.Err.Error()
		}
	}

	if errors.Is(runErr, engine.ErrCancelled) {
		info.Reason = "cancelled"
		if err := e.store.FailExecution(ctx, id, info, e.now()); err != nil {
			log.Error("cannot record cancellation", zap.Error(err))
			return err
		}
		observability.ExecutionsCompleted.WithLabelValues("cancelled").Inc()
		log.Info("execution cancelled", zap.String("step", info.Step))
		// A requested cancel is not a workflow fault; the pool should not
		// count it against the task.
		return nil
	}

	e.fail(ctx, id, info, log)
	return runErr
}

// fail persists a terminal failure and fires the alert hook.
func (e *Executor) fail(ctx context.Context, id int64, info store.FailureInfo, log *zap.Logger) {
	if err := e.store.FailExecution(ctx, id, info, e.now()); err != nil {
		log.Error("cannot record failure", zap.Error(err))
		return
	}
	observability.ExecutionsCompleted.WithLabelValues("failed").Inc()
	log.Error("execution failed",
		zap.String("step", info.Step),
		zap.String("reason", info.Reason))

	if e.hook != nil {
		if exec, err := e.store.GetExecution(ctx, id); err == nil {
			e.hook.OnFailure(ctx, exec)
		}
	}
}

// activator builds the per-execution dormant activation surface.
func (e *Executor) activator(exec model.Execution) engine.Activator {
	return &DormantContext{
		store:  e.store,
		exec:   exec,
		boost:  e.dependentBoost,
		logger: e.logger.Named("dormant"),
	}
}
