// Package store persists manifests, queue entries, executions, and dead
// letters. One Store interface fronts two implementations: PostgresStore for
// production and MemoryStore for tests and embedded use.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petrhale/camshaft/control_plane/model"
)

// WorkflowRegistry is the slice of the engine registry the store needs:
// manifest registrations are rejected when no workflow exists for their
// input type.
type WorkflowRegistry interface {
	Has(inputTypeName string) bool
}

// NewWorkItem is the insert shape for a queue entry.
type NewWorkItem struct {
	WorkflowName  string
	InputTypeName string
	Input         json.RawMessage
	ManifestID    *int64
	Priority      int
}

// NewExecution is the insert shape for an execution metadata row.
type NewExecution struct {
	Name       string
	Input      json.RawMessage
	ManifestID *int64
	ParentID   *int64
}

// FailureInfo carries the captured failure fields onto a metadata row.
type FailureInfo struct {
	Step      string
	Exception string
	Reason    string
	Stack     string
}

// ExecutionFilter narrows ListExecutions. Zero values mean no filter; Limit
// of 0 falls back to a server-side default.
type ExecutionFilter struct {
	ManifestID   *int64
	State        *model.WorkflowState
	WorkflowName string
	Limit        int
}

// Store is the persistence contract for the whole scheduler. All writes go
// through it; components never touch the database directly.
//
// Method groups follow the ownership rules: manifests and groups belong to
// registration and the trigger API, queue entries to the dispatcher after
// creation, executions to the executor, dead letters to the reaper until an
// operator resolves them.
type Store interface {
	// Manifests.
	UpsertManifest(ctx context.Context, spec model.ManifestSpec) (model.Manifest, error)
	ScheduleBatch(ctx context.Context, specs []model.ManifestSpec, prunePrefix string) ([]model.Manifest, error)
	GetManifest(ctx context.Context, externalID string) (model.Manifest, error)
	GetManifestByID(ctx context.Context, id int64) (model.Manifest, error)
	ListManifests(ctx context.Context) ([]model.Manifest, error)
	SetManifestEnabled(ctx context.Context, externalID string, enabled bool) error
	TriggerManifest(ctx context.Context, externalID string) (model.WorkQueueEntry, error)

	// Groups.
	UpsertGroup(ctx context.Context, spec model.GroupSpec) (model.ManifestGroup, error)
	GetGroup(ctx context.Context, name string) (model.ManifestGroup, error)
	GetGroupByID(ctx context.Context, id int64) (model.ManifestGroup, error)
	ListGroups(ctx context.Context) ([]model.ManifestGroup, error)

	// Evaluator cycle. RunEvaluatorCycle opens a transaction, takes the
	// advisory evaluator lock with try semantics, and runs fn against a
	// transaction-bound Store. ErrNotLeader is returned without invoking fn
	// when another replica holds the lock.
	RunEvaluatorCycle(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	LoadCandidates(ctx context.Context) ([]model.Candidate, error)
	FailTimedOutExecutions(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error)
	CountActiveExecutions(ctx context.Context, excludedWorkflows []string) (int, error)

	// Work queue.
	EnqueueWork(ctx context.Context, item NewWorkItem) (model.WorkQueueEntry, error)
	LoadQueuedWork(ctx context.Context) ([]model.QueuedWork, error)
	MarkDispatched(ctx context.Context, entryID, metadataID int64, at time.Time) error
	CancelQueued(ctx context.Context, entryID int64) error
	QueueDepth(ctx context.Context) (int, error)
	ListQueue(ctx context.Context, status *model.WorkQueueStatus, limit int) ([]model.WorkQueueEntry, error)
	HasQueuedWork(ctx context.Context, manifestID int64) (bool, error)
	PruneWorkQueue(ctx context.Context, olderThan time.Time) (int64, error)

	// Executions.
	CreateExecution(ctx context.Context, ne NewExecution) (model.Execution, error)
	GetExecution(ctx context.Context, id int64) (model.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]model.Execution, error)
	MarkExecutionRunning(ctx context.Context, id int64, now time.Time) error
	CompleteExecution(ctx context.Context, id int64, output json.RawMessage, now time.Time) error
	FailExecution(ctx context.Context, id int64, failure FailureInfo, now time.Time) error
	SetCurrentStep(ctx context.Context, id int64, step string, at time.Time) error
	RequestCancel(ctx context.Context, id int64) error
	IsCancelRequested(ctx context.Context, id int64) (bool, error)
	HasActiveExecution(ctx context.Context, manifestID int64) (bool, error)
	CountActiveByGroup(ctx context.Context, excludedWorkflows []string) ([]model.GroupActive, error)
	DeleteExecution(ctx context.Context, id int64) error
	RecoverStuckExecutions(ctx context.Context, olderThan time.Time, reason string) (int64, error)
	ListFailedSince(ctx context.Context, workflowName string, since time.Time) ([]model.Execution, error)
	LastCompletedAt(ctx context.Context, workflowName string) (*time.Time, error)
	PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error)

	// Execution logs.
	AppendLog(ctx context.Context, metadataID int64, level, message string) error
	ListLogs(ctx context.Context, metadataID int64) ([]model.LogEntry, error)

	// Dead letters.
	CreateDeadLetter(ctx context.Context, manifestID int64, reason string, retryCount int) (model.DeadLetter, error)
	ListDeadLetters(ctx context.Context, status *model.DeadLetterStatus) ([]model.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (model.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, id int64, note string) (model.Execution, error)
	AcknowledgeDeadLetter(ctx context.Context, id int64, note string) error
	CountAwaitingDeadLetters(ctx context.Context) (int, error)

	// WithTx runs fn against a transaction-bound Store, committing on nil
	// and rolling back on error. Used for dormant batch activation.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Ping(ctx context.Context) error
	Close()
}
