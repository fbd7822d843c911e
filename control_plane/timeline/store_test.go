package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentNewestFirst(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		s.Record(Event{Stage: StageEnqueued, Workflow: fmt.Sprintf("wf-%d", i)})
	}

	out := s.Recent(3)
	require.Len(t, out, 3)
	assert.Equal(t, "wf-4", out[0].Workflow)
	assert.Equal(t, "wf-2", out[2].Workflow)

	all := s.Recent(0)
	assert.Len(t, all, 5)
}

func TestRecordStampsMissingTimestamp(t *testing.T) {
	s := NewStore()
	s.Record(Event{Stage: StageCompleted, Workflow: "etl"})
	out := s.Recent(1)
	require.Len(t, out, 1)
	assert.False(t, out[0].Timestamp.IsZero())

	pinned := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Record(Event{Stage: StageFailed, Workflow: "etl", Timestamp: pinned})
	out = s.Recent(1)
	assert.Equal(t, pinned, out[0].Timestamp)
}

func TestRingOverwritesOldest(t *testing.T) {
	s := NewStore()
	for i := 0; i < defaultCapacity+10; i++ {
		s.Record(Event{Stage: StageDispatched, Workflow: fmt.Sprintf("wf-%d", i)})
	}

	all := s.Recent(0)
	require.Len(t, all, defaultCapacity)
	assert.Equal(t, fmt.Sprintf("wf-%d", defaultCapacity+9), all[0].Workflow)
	assert.Equal(t, "wf-10", all[len(all)-1].Workflow, "the first ten events were overwritten")
}

func TestByWorkflowFilters(t *testing.T) {
	s := NewStore()
	s.Record(Event{Stage: StageEnqueued, Workflow: "etl"})
	s.Record(Event{Stage: StageEnqueued, Workflow: "report"})
	s.Record(Event{Stage: StageCompleted, Workflow: "etl"})

	out := s.ByWorkflow("etl", 0)
	require.Len(t, out, 2)
	assert.Equal(t, StageCompleted, out[0].Stage)

	assert.Empty(t, s.ByWorkflow("missing", 0))
}
