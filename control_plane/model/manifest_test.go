package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validSpec() ManifestSpec {
	return ManifestSpec{
		ExternalID:    "reports-hourly",
		WorkflowName:  "reports",
		InputTypeName: "ReportRequest",
		Schedule:      Schedule{Kind: ScheduleInterval, Interval: time.Hour},
		Options:       ManifestOptions{IsEnabled: true, MaxRetries: 3},
	}
}

func TestManifestSpecValidate(t *testing.T) {
	valid := validSpec()
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*ManifestSpec)
	}{
		{"empty external id", func(s *ManifestSpec) { s.ExternalID = "" }},
		{"empty workflow name", func(s *ManifestSpec) { s.WorkflowName = "" }},
		{"empty input type", func(s *ManifestSpec) { s.InputTypeName = "" }},
		{"cron without expression", func(s *ManifestSpec) {
			s.Schedule = Schedule{Kind: ScheduleCron}
		}},
		{"cron with bad expression", func(s *ManifestSpec) {
			s.Schedule = Schedule{Kind: ScheduleCron, CronExpression: "71 * * * *"}
		}},
		{"interval without duration", func(s *ManifestSpec) {
			s.Schedule = Schedule{Kind: ScheduleInterval}
		}},
		{"dependent without parent", func(s *ManifestSpec) {
			s.Schedule = Schedule{Kind: ScheduleDependent}
		}},
		{"dormant without parent", func(s *ManifestSpec) {
			s.Schedule = Schedule{Kind: ScheduleDormantDependent}
		}},
		{"unknown kind", func(s *ManifestSpec) {
			s.Schedule = Schedule{Kind: ScheduleKind("hourly")}
		}},
		{"negative retries", func(s *ManifestSpec) { s.Options.MaxRetries = -1 }},
		{"zero timeout", func(s *ManifestSpec) {
			zero := int64(0)
			s.Options.TimeoutSeconds = &zero
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			err := spec.Validate()
			assert.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestManifestSpecValidateDependentWithParent(t *testing.T) {
	spec := validSpec()
	spec.Schedule = Schedule{Kind: ScheduleDependent}
	spec.DependsOnExternalID = "reports-source"
	assert.NoError(t, spec.Validate())
}

func TestEffectiveTimeout(t *testing.T) {
	def := time.Hour
	m := Manifest{}
	assert.Equal(t, def, m.EffectiveTimeout(def))

	secs := int64(90)
	m.TimeoutSeconds = &secs
	assert.Equal(t, 90*time.Second, m.EffectiveTimeout(def))
}

func TestScheduleKindIsDependent(t *testing.T) {
	assert.True(t, ScheduleDependent.IsDependent())
	assert.True(t, ScheduleDormantDependent.IsDependent())
	assert.False(t, ScheduleInterval.IsDependent())
	assert.False(t, ScheduleCron.IsDependent())
	assert.False(t, ScheduleNone.IsDependent())
}
