package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextFireInterval(t *testing.T) {
	now := ts("2026-03-01T12:00:00Z")
	sched := Schedule{Kind: ScheduleInterval, Interval: 20 * time.Second}

	next, ok := sched.NextFire(now, nil)
	require.True(t, ok)
	assert.Equal(t, now, next, "never-run interval manifests are due immediately")

	last := ts("2026-03-01T11:59:50Z")
	next, ok = sched.NextFire(now, &last)
	require.True(t, ok)
	assert.Equal(t, last.Add(20*time.Second), next)
}

func TestNextFireCron(t *testing.T) {
	now := ts("2026-03-01T12:00:30Z")
	sched := Schedule{Kind: ScheduleCron, CronExpression: "*/5 * * * *"}

	// Never run: seeded from the epoch, so the first tick is long past due.
	next, ok := sched.NextFire(now, nil)
	require.True(t, ok)
	assert.True(t, next.Before(now))

	// Next tick strictly after the last run.
	last := ts("2026-03-01T12:00:00Z")
	next, ok = sched.NextFire(now, &last)
	require.True(t, ok)
	assert.Equal(t, ts("2026-03-01T12:05:00Z"), next)

	// A last run exactly on a tick boundary must not fire that same tick.
	boundary := ts("2026-03-01T12:05:00Z")
	next, ok = sched.NextFire(now, &boundary)
	require.True(t, ok)
	assert.Equal(t, ts("2026-03-01T12:10:00Z"), next)
}

func TestNextFireCronInvalidExpression(t *testing.T) {
	sched := Schedule{Kind: ScheduleCron, CronExpression: "not a cron"}
	_, ok := sched.NextFire(time.Now(), nil)
	assert.False(t, ok)
}

func TestNextFireNonWallClockKinds(t *testing.T) {
	now := time.Now()
	for _, kind := range []ScheduleKind{ScheduleNone, ScheduleOnDemand, ScheduleDependent, ScheduleDormantDependent} {
		_, ok := Schedule{Kind: kind}.NextFire(now, nil)
		assert.False(t, ok, "kind %s has no wall-clock fire", kind)
	}
}

func TestDependentEligible(t *testing.T) {
	t1 := ts("2026-03-01T10:00:00Z")
	t2 := ts("2026-03-01T11:00:00Z")

	assert.False(t, DependentEligible(nil, nil), "parent never ran")
	assert.True(t, DependentEligible(&t1, nil), "child never ran, parent has")
	assert.True(t, DependentEligible(&t2, &t1), "parent advanced past child")
	assert.False(t, DependentEligible(&t1, &t1), "equal clocks are not strictly greater")
	assert.False(t, DependentEligible(&t1, &t2), "child ahead of parent")
}

func dueCandidate() Candidate {
	return Candidate{
		Manifest: Manifest{
			IsEnabled:       true,
			ScheduleKind:    ScheduleInterval,
			IntervalSeconds: 10,
		},
		Group: ManifestGroup{IsEnabled: true, Priority: 5},
	}
}

func TestShouldRunNowGates(t *testing.T) {
	now := ts("2026-03-01T12:00:00Z")

	base := dueCandidate()
	assert.True(t, ShouldRunNow(base, now))

	disabled := base
	disabled.Manifest.IsEnabled = false
	assert.False(t, ShouldRunNow(disabled, now))

	groupOff := base
	groupOff.Group.IsEnabled = false
	assert.False(t, ShouldRunNow(groupOff, now))

	deadLettered := base
	deadLettered.HasAwaitingDeadLetter = true
	assert.False(t, ShouldRunNow(deadLettered, now))

	queued := base
	queued.HasQueuedWork = true
	assert.False(t, ShouldRunNow(queued, now))

	active := base
	active.HasActiveExecution = true
	assert.False(t, ShouldRunNow(active, now))

	notDue := base
	last := now.Add(-5 * time.Second)
	notDue.Manifest.LastSuccessfulRun = &last
	assert.False(t, ShouldRunNow(notDue, now), "interval has not elapsed")
}

func TestShouldRunNowDependent(t *testing.T) {
	now := ts("2026-03-01T12:00:00Z")
	parentRun := ts("2026-03-01T11:00:00Z")

	c := Candidate{
		Manifest: Manifest{IsEnabled: true, ScheduleKind: ScheduleDependent},
		Group:    ManifestGroup{IsEnabled: true},
	}
	assert.False(t, ShouldRunNow(c, now), "parent has not run")

	c.ParentLastSuccessfulRun = &parentRun
	assert.True(t, ShouldRunNow(c, now))

	c.Manifest.LastSuccessfulRun = &parentRun
	assert.False(t, ShouldRunNow(c, now), "already caught up with parent")
}

func TestShouldRunNowDormantNeverFires(t *testing.T) {
	now := time.Now()
	parentRun := now.Add(-time.Hour)
	c := Candidate{
		Manifest:                Manifest{IsEnabled: true, ScheduleKind: ScheduleDormantDependent},
		Group:                   ManifestGroup{IsEnabled: true},
		ParentLastSuccessfulRun: &parentRun,
	}
	assert.False(t, ShouldRunNow(c, now))
}

func TestQueuePriority(t *testing.T) {
	group := ManifestGroup{Priority: 10}

	assert.Equal(t, 10, QueuePriority(group, ScheduleInterval, 3))
	assert.Equal(t, 13, QueuePriority(group, ScheduleDependent, 3))
	assert.Equal(t, 13, QueuePriority(group, ScheduleDormantDependent, 3))
	assert.Equal(t, 10, QueuePriority(group, ScheduleCron, 3))
}
