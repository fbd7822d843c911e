// Package taskserver is the background worker pool the dispatcher hands work
// to. The contract is at-least-once: the pool may redeliver after a crash,
// and the executor's pending-state guard is what keeps redelivery from
// double-running an execution.
package taskserver

import (
	"context"
	"time"
)

// Task is one unit of work handed to the pool: the durable execution id plus
// the already-decoded workflow input. InputTypeName keys the workflow lookup
// on the executor side.
type Task struct {
	MetadataID    int64
	InputTypeName string
	Input         any
}

// Handle identifies a submitted task for best-effort cancellation. Handles
// are advisory; the execution metadata id is the authoritative identity.
type Handle string

// Runner executes one task. The scheduler's executor is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, task Task) error
}

// TaskServer is the capability set the dispatcher requires from a worker
// pool.
type TaskServer interface {
	// Enqueue submits a task for immediate execution.
	Enqueue(ctx context.Context, task Task) (Handle, error)

	// ScheduleAt submits a task to run no earlier than at.
	ScheduleAt(ctx context.Context, task Task, at time.Time) (Handle, error)

	// TryCancel requests cancellation of a submitted task. It reports
	// whether a pending task was dropped or a running one was signalled.
	TryCancel(handle Handle) bool
}
