package model

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is the pure value type behind a manifest's timing. Cron schedules
// use standard five-field expressions evaluated in UTC; interval schedules
// fire a fixed duration after the last successful run; dependent schedules
// carry no wall-clock component at all.
type Schedule struct {
	Kind           ScheduleKind  `json:"kind"`
	CronExpression string        `json:"cronExpression,omitempty"`
	Interval       time.Duration `json:"interval,omitempty"`
}

// NextFire computes the next instant this schedule is due. The second return
// is false for kinds with no wall-clock firing (none, on_demand, dependent,
// dormant_dependent) and for unparseable cron expressions.
//
// A cron schedule that has never run is seeded from the Unix epoch, so its
// first fire is immediately due; afterwards the next tick is computed
// strictly after the last successful run.
func (s Schedule) NextFire(now time.Time, lastSuccessfulRun *time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleInterval:
		if lastSuccessfulRun == nil {
			return now, true
		}
		return lastSuccessfulRun.Add(s.Interval), true
	case ScheduleCron:
		sched, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return time.Time{}, false
		}
		base := time.Unix(0, 0).UTC()
		if lastSuccessfulRun != nil && lastSuccessfulRun.After(base) {
			base = lastSuccessfulRun.UTC()
		}
		return sched.Next(base), true
	default:
		return time.Time{}, false
	}
}

// DependentEligible reports whether a dependent manifest should fire: the
// parent's clock must have advanced strictly past this manifest's own.
func DependentEligible(parentLastRun, selfLastRun *time.Time) bool {
	if parentLastRun == nil {
		return false
	}
	if selfLastRun == nil {
		return true
	}
	return parentLastRun.After(*selfLastRun)
}

// Candidate is the evaluator's view of one enabled manifest with the
// aggregate flags pushed down into the load query.
type Candidate struct {
	Manifest              Manifest
	Group                 ManifestGroup
	FailedCount           int
	HasAwaitingDeadLetter bool
	HasQueuedWork         bool
	HasActiveExecution    bool

	// ParentLastSuccessfulRun is populated for dependent kinds only.
	ParentLastSuccessfulRun *time.Time
}

// ShouldRunNow is the eligibility predicate applied by the evaluator after
// the reap phase. Dormant dependents never qualify here; they are activated
// only from inside their parent's execution.
func ShouldRunNow(c Candidate, now time.Time) bool {
	if !c.Manifest.IsEnabled || !c.Group.IsEnabled {
		return false
	}
	if c.HasAwaitingDeadLetter || c.HasQueuedWork || c.HasActiveExecution {
		return false
	}
	switch c.Manifest.ScheduleKind {
	case ScheduleDependent:
		return DependentEligible(c.ParentLastSuccessfulRun, c.Manifest.LastSuccessfulRun)
	case ScheduleDormantDependent, ScheduleNone, ScheduleOnDemand:
		return false
	default:
		next, ok := c.Manifest.Schedule().NextFire(now, c.Manifest.LastSuccessfulRun)
		return ok && !next.After(now)
	}
}

// QueuePriority computes the priority written onto a queue entry created for
// a scheduled manifest: the group priority, boosted for dependent kinds so
// downstream work drains ahead of equal-priority top-level work. Dormant
// activations receive the same boost as scheduled dependents.
func QueuePriority(group ManifestGroup, kind ScheduleKind, dependentBoost int) int {
	p := group.Priority
	if kind.IsDependent() {
		p += dependentBoost
	}
	return p
}
