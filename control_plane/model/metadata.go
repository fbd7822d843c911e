package model

import (
	"encoding/json"
	"time"
)

// WorkflowState is the lifecycle of one execution attempt.
// pending -> in_progress -> {completed, failed}; terminal states are
// immutable.
type WorkflowState string

const (
	StatePending    WorkflowState = "pending"
	StateInProgress WorkflowState = "in_progress"
	StateCompleted  WorkflowState = "completed"
	StateFailed     WorkflowState = "failed"
)

// IsTerminal reports whether no further transition is legal.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Execution is the durable record of a single workflow attempt. One row is
// created per dispatch; the executor owns it until a terminal state.
type Execution struct {
	ID               int64           `json:"id"`
	ExternalID       string          `json:"externalId"`
	Name             string          `json:"name"`
	State            WorkflowState   `json:"state"`
	StartTime        *time.Time      `json:"startTime,omitempty"`
	EndTime          *time.Time      `json:"endTime,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	FailureStep      string          `json:"failureStep,omitempty"`
	FailureException string          `json:"failureException,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	StackTrace       string          `json:"stackTrace,omitempty"`
	ParentID         *int64          `json:"parentId,omitempty"`
	ManifestID       *int64          `json:"manifestId,omitempty"`
	CancelRequested  bool            `json:"cancelRequested"`
	CurrentStep      string          `json:"currentStep,omitempty"`
	StepStartedAt    *time.Time      `json:"stepStartedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// LogEntry is one step-transition record attached to an execution.
type LogEntry struct {
	ID         int64     `json:"id"`
	MetadataID int64     `json:"metadataId"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	LoggedAt   time.Time `json:"loggedAt"`
}

// GroupActive is one bucket of the dispatcher's capacity query: the number of
// active (pending or in_progress) executions per manifest group. A nil
// GroupID bucket aggregates ad-hoc executions with no manifest.
type GroupActive struct {
	GroupID *int64
	Active  int
}
