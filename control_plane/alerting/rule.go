// Package alerting turns execution failures into notifications. A hook sits
// behind the executor: each terminal failure is matched against per-workflow
// rules, windowed and filtered, and fanned out to the configured senders.
package alerting

import (
	"strings"
	"time"

	"github.com/petrhale/camshaft/control_plane/model"
)

// CustomFilter is a caller-registered predicate over one failed execution.
// All custom filters on a rule must pass for the failure to count.
type CustomFilter func(exec model.Execution) bool

// Rule declares when failures of one workflow become an alert.
//
// MinimumFailures of one fires immediately on every failure without touching
// the store. Anything higher requires TimeWindow: the rule fires only when at
// least MinimumFailures matching failures landed inside the trailing window.
type Rule struct {
	WorkflowName    string
	TimeWindow      time.Duration
	MinimumFailures int

	// ExceptionFilters match when any substring appears in the failure
	// exception or reason. Empty means match all.
	ExceptionFilters []string

	// StepFilters match when the failure step is any of these. Empty means
	// match all.
	StepFilters []string

	// CustomFilters must all pass. Empty means match all.
	CustomFilters []CustomFilter

	// Cooldown suppresses further alerts for the workflow after one fires.
	Cooldown time.Duration
}

// matches applies the rule's filters to one failed execution.
func (r *Rule) matches(exec model.Execution) bool {
	if len(r.ExceptionFilters) > 0 && !anySubstring(exec, r.ExceptionFilters) {
		return false
	}
	if len(r.StepFilters) > 0 && !anyStep(exec.FailureStep, r.StepFilters) {
		return false
	}
	for _, f := range r.CustomFilters {
		if !f(exec) {
			return false
		}
	}
	return true
}

func anySubstring(exec model.Execution, needles []string) bool {
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(exec.FailureException, n) || strings.Contains(exec.FailureReason, n) {
			return true
		}
	}
	return false
}

func anyStep(step string, steps []string) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

// Context is the aggregate handed to senders when a rule fires.
type Context struct {
	Workflow            string          `json:"workflow"`
	Triggering          model.Execution `json:"triggering"`
	FailureCount        int             `json:"failureCount"`
	FailuresByStep      map[string]int  `json:"failuresByStep,omitempty"`
	FailuresByException map[string]int  `json:"failuresByException,omitempty"`
	FirstFailure        *time.Time      `json:"firstFailure,omitempty"`
	LastSuccess         *time.Time      `json:"lastSuccess,omitempty"`
	SampleInputs        []string        `json:"sampleInputs,omitempty"`
}
