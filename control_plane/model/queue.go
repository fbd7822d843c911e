package model

import (
	"encoding/json"
	"time"
)

// WorkQueueStatus is the lifecycle of a queue entry. Entries never move
// backwards; cancelled and dispatched are terminal for the queue's purposes.
type WorkQueueStatus string

const (
	WorkQueued     WorkQueueStatus = "queued"
	WorkDispatched WorkQueueStatus = "dispatched"
	WorkCancelled  WorkQueueStatus = "cancelled"
)

// WorkQueueEntry is one pending unit of work. At most one queued entry may
// exist per manifest at any instant; MetadataID is set exactly when the entry
// is dispatched.
type WorkQueueEntry struct {
	ID            int64           `json:"id"`
	ExternalID    string          `json:"externalId"`
	WorkflowName  string          `json:"workflowName"`
	Input         json.RawMessage `json:"input,omitempty"`
	InputTypeName string          `json:"inputTypeName"`
	Status        WorkQueueStatus `json:"status"`
	ManifestID    *int64          `json:"manifestId,omitempty"`
	MetadataID    *int64          `json:"metadataId,omitempty"`
	Priority      int             `json:"priority"`
	CreatedAt     time.Time       `json:"createdAt"`
	DispatchedAt  *time.Time      `json:"dispatchedAt,omitempty"`
}

// QueuedWork is the dispatcher's joined view of one queued entry: the entry
// plus the group attributes that drive ordering and capacity. Entries whose
// group is disabled are filtered out before this view is built. Ad-hoc
// entries with no manifest have a nil GroupID and no per-group cap.
type QueuedWork struct {
	Entry              WorkQueueEntry
	GroupID            *int64
	GroupPriority      int
	GroupMaxActiveJobs *int
}
