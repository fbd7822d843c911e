package model

import "time"

// DeadLetterStatus tracks operator resolution of an exhausted manifest.
type DeadLetterStatus string

const (
	DeadLetterAwaiting     DeadLetterStatus = "awaiting_intervention"
	DeadLetterRetried      DeadLetterStatus = "retried"
	DeadLetterAcknowledged DeadLetterStatus = "acknowledged"
)

// DeadLetter marks a manifest whose failures reached its retry budget. While
// one sits in awaiting_intervention the evaluator will not schedule the
// manifest; an operator resolves it by retrying or acknowledging.
type DeadLetter struct {
	ID                     int64            `json:"id"`
	ManifestID             int64            `json:"manifestId"`
	DeadLetteredAt         time.Time        `json:"deadLetteredAt"`
	Status                 DeadLetterStatus `json:"status"`
	ResolvedAt             *time.Time       `json:"resolvedAt,omitempty"`
	ResolutionNote         string           `json:"resolutionNote,omitempty"`
	Reason                 string           `json:"reason"`
	RetryCountAtDeadLetter int              `json:"retryCountAtDeadLetter"`
	RetryMetadataID        *int64           `json:"retryMetadataId,omitempty"`
}
