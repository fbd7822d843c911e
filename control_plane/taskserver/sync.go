package taskserver

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SyncServer executes tasks inline on Enqueue. It backs tests and embedded
// single-process use where a worker pool adds nothing.
type SyncServer struct {
	runner Runner

	// Errs collects run errors so tests can assert on them.
	Errs []error
}

// NewSyncServer wraps a runner in a synchronous task server.
func NewSyncServer(runner Runner) *SyncServer {
	return &SyncServer{runner: runner}
}

func (s *SyncServer) Enqueue(ctx context.Context, task Task) (Handle, error) {
	if err := s.runner.Run(ctx, task); err != nil {
		s.Errs = append(s.Errs, err)
	}
	return Handle(uuid.NewString()), nil
}

// ScheduleAt ignores the instant and runs immediately; tests pin their own
// clocks.
func (s *SyncServer) ScheduleAt(ctx context.Context, task Task, _ time.Time) (Handle, error) {
	return s.Enqueue(ctx, task)
}

// TryCancel never succeeds; synchronous tasks are already done.
func (s *SyncServer) TryCancel(Handle) bool { return false }
