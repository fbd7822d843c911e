package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind determines how the evaluator decides a manifest is due.
type ScheduleKind string

const (
	ScheduleNone             ScheduleKind = "none"
	ScheduleCron             ScheduleKind = "cron"
	ScheduleInterval         ScheduleKind = "interval"
	ScheduleOnDemand         ScheduleKind = "on_demand"
	ScheduleDependent        ScheduleKind = "dependent"
	ScheduleDormantDependent ScheduleKind = "dormant_dependent"
)

// IsDependent reports whether the kind requires a parent manifest.
func (k ScheduleKind) IsDependent() bool {
	return k == ScheduleDependent || k == ScheduleDormantDependent
}

// ManifestGroup is a capacity and priority bucket shared by manifests.
// A group with MaxActiveJobs set caps the number of concurrently active
// executions across its members; Priority orders groups at dispatch time.
type ManifestGroup struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Priority      int       `json:"priority"`
	MaxActiveJobs *int      `json:"maxActiveJobs,omitempty"`
	IsEnabled     bool      `json:"isEnabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Manifest is the durable definition of what to run and when. ExternalID is
// the stable key callers use; ID and LastSuccessfulRun survive upserts.
type Manifest struct {
	ID                  int64           `json:"id"`
	ExternalID          string          `json:"externalId"`
	WorkflowName        string          `json:"workflowName"`
	InputTypeName       string          `json:"inputTypeName"`
	InputProperties     json.RawMessage `json:"inputProperties,omitempty"`
	IsEnabled           bool            `json:"isEnabled"`
	ScheduleKind        ScheduleKind    `json:"scheduleKind"`
	CronExpression      string          `json:"cronExpression,omitempty"`
	IntervalSeconds     int64           `json:"intervalSeconds,omitempty"`
	DependsOnManifestID *int64          `json:"dependsOnManifestId,omitempty"`
	GroupID             int64           `json:"groupId"`
	Priority            int             `json:"priority"`
	MaxRetries          int             `json:"maxRetries"`
	TimeoutSeconds      *int64          `json:"timeoutSeconds,omitempty"`
	LastSuccessfulRun   *time.Time      `json:"lastSuccessfulRun,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Schedule assembles the manifest's schedule value.
func (m *Manifest) Schedule() Schedule {
	return Schedule{
		Kind:           m.ScheduleKind,
		CronExpression: m.CronExpression,
		Interval:       time.Duration(m.IntervalSeconds) * time.Second,
	}
}

// EffectiveTimeout returns the manifest timeout, falling back to def when the
// manifest does not set one.
func (m *Manifest) EffectiveTimeout(def time.Duration) time.Duration {
	if m.TimeoutSeconds == nil || *m.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(*m.TimeoutSeconds) * time.Second
}

// GroupSpec is the caller-facing shape of a group upsert. Upserting an
// existing group replaces priority, cap, and enablement; member manifests
// keep pointing at it.
type GroupSpec struct {
	Name          string `json:"name"`
	Priority      int    `json:"priority"`
	MaxActiveJobs *int   `json:"maxActiveJobs,omitempty"`
	IsEnabled     bool   `json:"isEnabled"`
}

// Validate checks the structural invariants of a group upsert.
func (s *GroupSpec) Validate() error {
	if s.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if s.MaxActiveJobs != nil && *s.MaxActiveJobs <= 0 {
		return &ValidationError{Field: "maxActiveJobs", Reason: "must be positive when set"}
	}
	return nil
}

// ManifestOptions carries the optional attributes of an upsert.
type ManifestOptions struct {
	IsEnabled      bool   `json:"isEnabled"`
	MaxRetries     int    `json:"maxRetries"`
	TimeoutSeconds *int64 `json:"timeoutSeconds,omitempty"`
	Priority       int    `json:"priority"`
	GroupName      string `json:"groupName,omitempty"`
}

// ManifestSpec is the caller-facing shape of one manifest registration.
// DependsOnExternalID is required for dependent and dormant_dependent kinds
// and must name an already-registered manifest.
type ManifestSpec struct {
	ExternalID          string          `json:"externalId"`
	WorkflowName        string          `json:"workflowName"`
	InputTypeName       string          `json:"inputTypeName"`
	Input               json.RawMessage `json:"input,omitempty"`
	Schedule            Schedule        `json:"schedule"`
	DependsOnExternalID string          `json:"dependsOnExternalId,omitempty"`
	Options             ManifestOptions `json:"options"`
}

// Validate checks the structural invariants of the spec before it reaches
// the store.
func (s *ManifestSpec) Validate() error {
	if s.ExternalID == "" {
		return &ValidationError{Field: "externalId", Reason: "must not be empty"}
	}
	if s.WorkflowName == "" {
		return &ValidationError{Field: "workflowName", Reason: "must not be empty"}
	}
	if s.InputTypeName == "" {
		return &ValidationError{Field: "inputTypeName", Reason: "must not be empty"}
	}
	switch s.Schedule.Kind {
	case ScheduleCron:
		if s.Schedule.CronExpression == "" {
			return &ValidationError{Field: "schedule.cronExpression", Reason: "required for cron schedules"}
		}
		if _, err := cron.ParseStandard(s.Schedule.CronExpression); err != nil {
			return &ValidationError{Field: "schedule.cronExpression", Reason: fmt.Sprintf("invalid expression: %v", err)}
		}
	case ScheduleInterval:
		if s.Schedule.Interval <= 0 {
			return &ValidationError{Field: "schedule.interval", Reason: "must be positive for interval schedules"}
		}
	case ScheduleDependent, ScheduleDormantDependent:
		if s.DependsOnExternalID == "" {
			return &ValidationError{Field: "dependsOnExternalId", Reason: "required for dependent schedules"}
		}
	case ScheduleNone, ScheduleOnDemand:
	default:
		return &ValidationError{Field: "schedule.kind", Reason: fmt.Sprintf("unknown kind %q", s.Schedule.Kind)}
	}
	if s.Options.MaxRetries < 0 {
		return &ValidationError{Field: "options.maxRetries", Reason: "must not be negative"}
	}
	if s.Options.TimeoutSeconds != nil && *s.Options.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "options.timeoutSeconds", Reason: "must be positive when set"}
	}
	return nil
}
