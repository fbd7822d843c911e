package taskserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/observability"
)

// defaultBuffer bounds how many tasks may wait ahead of pickup. The
// dispatcher's capacity limits keep submissions well under this in practice.
const defaultBuffer = 256

type taskState struct {
	task      Task
	cancelled bool
	cancel    context.CancelFunc
	timer     *time.Timer
}

// Pool runs tasks on a fixed set of workers. Submissions after Stop are
// rejected; in-flight tasks run to completion during shutdown.
type Pool struct {
	runner  Runner
	logger  *zap.Logger
	workers int

	tasks chan Handle

	mu      sync.Mutex
	states  map[Handle]*taskState
	stopped bool

	baseCtx context.Context
	wg      sync.WaitGroup
	senders sync.WaitGroup
}

// NewPool builds a pool with the given worker count. Start must be called
// before submissions run.
func NewPool(runner Runner, workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		runner:  runner,
		logger:  logger.Named("taskserver"),
		workers: workers,
		tasks:   make(chan Handle, defaultBuffer),
		states:  make(map[Handle]*taskState),
		baseCtx: context.Background(),
	}
}

// Start launches the workers. The context bounds every task run; cancelling
// it begins shutdown.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Stop rejects further submissions and waits for in-flight tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	// Senders that passed the stopped check may still be mid-send; the
	// workers keep draining until the channel closes, so none block forever.
	p.senders.Wait()
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for handle := range p.tasks {
		observability.WorkerPoolQueueDepth.Set(float64(len(p.tasks)))

		p.mu.Lock()
		st, ok := p.states[handle]
		if !ok || st.cancelled {
			delete(p.states, handle)
			p.mu.Unlock()
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		st.cancel = cancel
		p.mu.Unlock()

		observability.WorkerPoolBusy.Inc()
		p.runOne(runCtx, handle, st.task, id)
		observability.WorkerPoolBusy.Dec()

		cancel()
		p.mu.Lock()
		delete(p.states, handle)
		p.mu.Unlock()
	}
}

// runOne isolates one task run so a panicking workflow cannot take the
// worker down.
func (p *Pool) runOne(ctx context.Context, handle Handle, task Task, worker int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.Int64("metadata_id", task.MetadataID),
				zap.Int("worker", worker),
				zap.Any("panic", r))
		}
	}()
	if err := p.runner.Run(ctx, task); err != nil {
		// The executor has already recorded the failure; this is the pool's
		// own view of the poison message.
		p.logger.Error("task failed",
			zap.Int64("metadata_id", task.MetadataID),
			zap.Int("worker", worker),
			zap.Error(err))
	}
}

// Enqueue submits a task for immediate execution.
func (p *Pool) Enqueue(ctx context.Context, task Task) (Handle, error) {
	handle := Handle(uuid.NewString())

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", fmt.Errorf("taskserver: pool stopped")
	}
	p.states[handle] = &taskState{task: task}
	p.senders.Add(1)
	p.mu.Unlock()
	defer p.senders.Done()

	select {
	case p.tasks <- handle:
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.states, handle)
		p.mu.Unlock()
		return "", ctx.Err()
	}
	observability.WorkerPoolQueueDepth.Set(float64(len(p.tasks)))
	return handle, nil
}

// ScheduleAt submits a task to run no earlier than at, via a timer push.
func (p *Pool) ScheduleAt(ctx context.Context, task Task, at time.Time) (Handle, error) {
	delay := time.Until(at)
	if delay <= 0 {
		return p.Enqueue(ctx, task)
	}
	handle := Handle(uuid.NewString())

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", fmt.Errorf("taskserver: pool stopped")
	}
	st := &taskState{task: task}
	st.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.stopped || st.cancelled {
			delete(p.states, handle)
			p.mu.Unlock()
			return
		}
		p.senders.Add(1)
		p.mu.Unlock()
		defer p.senders.Done()
		select {
		case p.tasks <- handle:
		case <-p.baseCtx.Done():
		}
	})
	p.states[handle] = st
	p.mu.Unlock()
	return handle, nil
}

// TryCancel drops a pending task or signals a running one. The running case
// is cooperative: the executor observes the context between steps.
func (p *Pool) TryCancel(handle Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[handle]
	if !ok {
		return false
	}
	st.cancelled = true
	if st.timer != nil {
		st.timer.Stop()
	}
	if st.cancel != nil {
		st.cancel()
	}
	return true
}
