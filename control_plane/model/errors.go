package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the scheduler. Handlers and callers branch on
// these with errors.Is.
var (
	// ErrUnknownManifest is returned when an external id resolves to nothing.
	ErrUnknownManifest = errors.New("unknown manifest")

	// ErrUnknownParent is returned when a dependent registration names a
	// parent external id that does not exist.
	ErrUnknownParent = errors.New("unknown parent manifest")

	// ErrUnregisteredWorkflow is returned when an input type has no workflow
	// in the registry. Surfaced at upsert time and again at execution time.
	ErrUnregisteredWorkflow = errors.New("workflow not registered for input type")

	// ErrIllegalRetry is returned when the executor loads an execution that
	// is not pending: a redelivered or double-run attempt.
	ErrIllegalRetry = errors.New("execution is not pending")

	// ErrDuplicateQueued maps the partial unique index violation on the work
	// queue. Enqueue paths absorb it silently.
	ErrDuplicateQueued = errors.New("manifest already has a queued entry")

	// ErrNotLeader signals advisory-lock contention on the evaluator cycle.
	// Not an error condition; the winning replica is running the tick.
	ErrNotLeader = errors.New("another replica holds the evaluator lock")

	// ErrNotInExecution rejects dormant activation outside a live execution.
	ErrNotInExecution = errors.New("dormant activation requires an active execution")

	// ErrNotDormant rejects activation of a child that is not dormant.
	ErrNotDormant = errors.New("manifest is not a dormant dependent")

	// ErrNotChildOfParent rejects activation by anything but the declared
	// parent manifest.
	ErrNotChildOfParent = errors.New("manifest does not depend on the activating parent")

	// ErrUnknownExecution is returned when an execution id resolves to
	// nothing.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrStaleQueueEntry is returned when a dispatch claim finds the entry
	// no longer queued: another dispatcher won the claim or an operator
	// cancelled it.
	ErrStaleQueueEntry = errors.New("entry is no longer queued")

	// ErrUnknownDeadLetter is returned when a dead letter id resolves to
	// nothing.
	ErrUnknownDeadLetter = errors.New("unknown dead letter")

	// ErrDeadLetterResolved rejects double resolution of a dead letter.
	ErrDeadLetterResolved = errors.New("dead letter already resolved")

	// ErrDependencyCycle rejects a registration that would close a loop in
	// the depends_on graph.
	ErrDependencyCycle = errors.New("manifest dependency cycle")
)

// ValidationError is a configuration error in caller-supplied input. Fatal
// to the call that produced it, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
