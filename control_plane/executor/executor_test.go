package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/store"
	"github.com/petrhale/camshaft/control_plane/taskserver"
)

const jobInputType = "exectest.JobInput"

type jobInput struct {
	Fail    bool   `json:"fail"`
	Message string `json:"message"`
}

type jobOutput struct {
	Echoed string `json:"echoed"`
}

func jobWorkflow() *engine.Workflow {
	return &engine.Workflow{
		Name:   "job",
		Input:  jobInputType,
		Output: "exectest.JobOutput",
		Steps: []engine.Step{{
			Name: "work",
			Kind: engine.StepPlain,
			In:   jobInputType,
			Out:  "exectest.JobOutput",
			Do: func(rc *engine.RunContext, in any) (any, error) {
				input := in.(*jobInput)
				if input.Fail {
					return nil, errors.New("job exploded")
				}
				return &jobOutput{Echoed: input.Message}, nil
			},
		}},
	}
}

type fakeHook struct {
	mu    sync.Mutex
	execs []model.Execution
}

func (h *fakeHook) OnFailure(_ context.Context, exec model.Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execs = append(h.execs, exec)
}

func (h *fakeHook) fired() []model.Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Execution(nil), h.execs...)
}

type fixture struct {
	store    *store.MemoryStore
	registry *engine.Registry
	hook     *fakeHook
	exec     *Executor
	manifest model.Manifest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore(nil)
	reg := engine.NewRegistry()
	require.NoError(t, reg.Register(jobWorkflow(), func() any { return &jobInput{} }))

	m, err := st.UpsertManifest(context.Background(), model.ManifestSpec{
		ExternalID:    "exectest.job",
		WorkflowName:  "job",
		InputTypeName: jobInputType,
		Schedule:      model.Schedule{Kind: model.ScheduleOnDemand},
		Options:       model.ManifestOptions{IsEnabled: true, MaxRetries: 3, GroupName: "jobs"},
	})
	require.NoError(t, err)

	hook := &fakeHook{}
	return &fixture{
		store:    st,
		registry: reg,
		hook:     hook,
		exec:     New(st, reg, hook, 10, nil),
		manifest: m,
	}
}

func (f *fixture) pending(t *testing.T, raw string) model.Execution {
	t.Helper()
	exec, err := f.store.CreateExecution(context.Background(), store.NewExecution{
		Name:       "job",
		Input:      json.RawMessage(raw),
		ManifestID: &f.manifest.ID,
	})
	require.NoError(t, err)
	return exec
}

func TestRunCompletesAndAdvancesManifestClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := f.pending(t, `{"message":"hi"}`)

	err := f.exec.Run(ctx, taskserver.Task{
		MetadataID:    exec.ID,
		InputTypeName: jobInputType,
		Input:         &jobInput{Message: "hi"},
	})
	require.NoError(t, err)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)
	require.NotNil(t, got.EndTime)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(got.Output))

	m, err := f.store.GetManifest(ctx, "exectest.job")
	require.NoError(t, err)
	require.NotNil(t, m.LastSuccessfulRun, "completion advances the manifest clock")
	assert.Empty(t, f.hook.fired())
}

func TestRunRedeliveryIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := f.pending(t, `{}`)
	task := taskserver.Task{MetadataID: exec.ID, InputTypeName: jobInputType, Input: &jobInput{}}

	require.NoError(t, f.exec.Run(ctx, task))

	// The row is terminal; a redelivered task must not run the workflow
	// again.
	err := f.exec.Run(ctx, task)
	assert.ErrorIs(t, err, model.ErrIllegalRetry)
}

func TestRunFailurePersistsDetailsAndFiresHook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := f.pending(t, `{"fail":true}`)

	err := f.exec.Run(ctx, taskserver.Task{
		MetadataID:    exec.ID,
		InputTypeName: jobInputType,
		Input:         &jobInput{Fail: true},
	})
	require.Error(t, err)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, "work", got.FailureStep)
	assert.Equal(t, "job exploded", got.FailureReason)

	fired := f.hook.fired()
	require.Len(t, fired, 1)
	assert.Equal(t, exec.ID, fired[0].ID)

	m, err := f.store.GetManifest(ctx, "exectest.job")
	require.NoError(t, err)
	assert.Nil(t, m.LastSuccessfulRun, "failure leaves the manifest clock alone")
}

func TestRunCancellationIsNotAFault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := f.pending(t, `{}`)
	require.NoError(t, f.store.RequestCancel(ctx, exec.ID))

	err := f.exec.Run(ctx, taskserver.Task{
		MetadataID:    exec.ID,
		InputTypeName: jobInputType,
		Input:         &jobInput{},
	})
	require.NoError(t, err, "a requested cancel is not a task failure")

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, "cancelled", got.FailureReason)
	assert.Empty(t, f.hook.fired(), "cancellation does not alert")
}

func TestRunUnregisteredWorkflowFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := f.pending(t, `{}`)

	err := f.exec.Run(ctx, taskserver.Task{
		MetadataID:    exec.ID,
		InputTypeName: "gone.Input",
		Input:         &jobInput{},
	})
	require.ErrorIs(t, err, model.ErrUnregisteredWorkflow)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	require.Len(t, f.hook.fired(), 1, "the reaper needs the failure on record, and operators the alert")
}

func TestRunDecodesStoredInputWhenTaskCarriesNone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := f.pending(t, `{"message":"from-store"}`)

	// Dead-letter retries enqueue tasks with no decoded input.
	err := f.exec.Run(ctx, taskserver.Task{MetadataID: exec.ID, InputTypeName: jobInputType})
	require.NoError(t, err)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)
	assert.JSONEq(t, `{"echoed":"from-store"}`, string(got.Output))
}

func TestRunRecordsStepProgressAndLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := f.pending(t, `{}`)

	require.NoError(t, f.exec.Run(ctx, taskserver.Task{
		MetadataID:    exec.ID,
		InputTypeName: jobInputType,
		Input:         &jobInput{},
	}))

	logs, err := f.store.ListLogs(ctx, exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "step started: work", logs[0].Message)
}
