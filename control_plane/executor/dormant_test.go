package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/store"
)

type dormantFixture struct {
	store  *store.MemoryStore
	parent model.Manifest
	child  model.Manifest
}

func newDormantFixture(t *testing.T) *dormantFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore(nil)

	_, err := st.UpsertGroup(ctx, model.GroupSpec{Name: "pipeline", Priority: 5, IsEnabled: true})
	require.NoError(t, err)

	parent, err := st.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:    "pipeline.parent",
		WorkflowName:  "parent",
		InputTypeName: "pipeline.ParentInput",
		Schedule:      model.Schedule{Kind: model.ScheduleOnDemand},
		Options:       model.ManifestOptions{IsEnabled: true, GroupName: "pipeline"},
	})
	require.NoError(t, err)

	child, err := st.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:          "pipeline.child",
		WorkflowName:        "child",
		InputTypeName:       "pipeline.ChildInput",
		Input:               []byte(`{"source":"manifest"}`),
		Schedule:            model.Schedule{Kind: model.ScheduleDormantDependent},
		DependsOnExternalID: "pipeline.parent",
		Options:             model.ManifestOptions{IsEnabled: true, GroupName: "pipeline"},
	})
	require.NoError(t, err)

	return &dormantFixture{store: st, parent: parent, child: child}
}

// liveContext builds an activation surface as if a parent execution were
// running.
func (f *dormantFixture) liveContext(t *testing.T) *DormantContext {
	t.Helper()
	exec, err := f.store.CreateExecution(context.Background(), store.NewExecution{
		Name:       "parent",
		ManifestID: &f.parent.ID,
	})
	require.NoError(t, err)
	return &DormantContext{store: f.store, exec: exec, boost: 10, logger: zap.NewNop()}
}

func TestActivateEnqueuesDormantChild(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)
	dc := f.liveContext(t)

	require.NoError(t, dc.Activate(ctx, "pipeline.child", nil))

	queued := model.WorkQueued
	entries, err := f.store.ListQueue(ctx, &queued, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "child", entries[0].WorkflowName)
	assert.Equal(t, 15, entries[0].Priority, "group priority plus dependent boost")
	assert.JSONEq(t, `{"source":"manifest"}`, string(entries[0].Input), "nil input falls back to the manifest's")
}

func TestActivateOverridesInput(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)
	dc := f.liveContext(t)

	require.NoError(t, dc.Activate(ctx, "pipeline.child", map[string]string{"source": "parent"}))

	queued := model.WorkQueued
	entries, err := f.store.ListQueue(ctx, &queued, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"source":"parent"}`, string(entries[0].Input))
}

func TestActivateOutsideExecutionRejected(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)
	dc := &DormantContext{store: f.store, logger: zap.NewNop()}

	err := dc.Activate(ctx, "pipeline.child", nil)
	assert.ErrorIs(t, err, model.ErrNotInExecution)
}

func TestActivateUnknownChildRejected(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)
	dc := f.liveContext(t)

	err := dc.Activate(ctx, "pipeline.missing", nil)
	assert.ErrorIs(t, err, model.ErrUnknownManifest)
}

func TestActivateNonDormantChildRejected(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)

	_, err := f.store.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:          "pipeline.scheduled",
		WorkflowName:        "scheduled",
		InputTypeName:       "pipeline.ScheduledInput",
		Schedule:            model.Schedule{Kind: model.ScheduleDependent},
		DependsOnExternalID: "pipeline.parent",
		Options:             model.ManifestOptions{IsEnabled: true, GroupName: "pipeline"},
	})
	require.NoError(t, err)

	dc := f.liveContext(t)
	err = dc.Activate(ctx, "pipeline.scheduled", nil)
	assert.ErrorIs(t, err, model.ErrNotDormant)
}

func TestActivateForeignChildRejected(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)

	other, err := f.store.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:    "pipeline.other",
		WorkflowName:  "other",
		InputTypeName: "pipeline.OtherInput",
		Schedule:      model.Schedule{Kind: model.ScheduleOnDemand},
		Options:       model.ManifestOptions{IsEnabled: true, GroupName: "pipeline"},
	})
	require.NoError(t, err)

	// An execution of the unrelated manifest must not wake the child.
	exec, err := f.store.CreateExecution(ctx, store.NewExecution{Name: "other", ManifestID: &other.ID})
	require.NoError(t, err)
	dc := &DormantContext{store: f.store, exec: exec, boost: 10, logger: zap.NewNop()}

	err = dc.Activate(ctx, "pipeline.child", nil)
	assert.ErrorIs(t, err, model.ErrNotChildOfParent)
}

func TestActivateAlreadyQueuedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)
	dc := f.liveContext(t)

	require.NoError(t, dc.Activate(ctx, "pipeline.child", nil))
	require.NoError(t, dc.Activate(ctx, "pipeline.child", nil), "re-activation during a run is a no-op")

	depth, err := f.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestActivateManyWakesAllChildren(t *testing.T) {
	ctx := context.Background()
	f := newDormantFixture(t)

	_, err := f.store.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:          "pipeline.child2",
		WorkflowName:        "child2",
		InputTypeName:       "pipeline.Child2Input",
		Schedule:            model.Schedule{Kind: model.ScheduleDormantDependent},
		DependsOnExternalID: "pipeline.parent",
		Options:             model.ManifestOptions{IsEnabled: true, GroupName: "pipeline"},
	})
	require.NoError(t, err)

	dc := f.liveContext(t)
	require.NoError(t, dc.ActivateMany(ctx, []engine.Activation{
		{ChildExternalID: "pipeline.child"},
		{ChildExternalID: "pipeline.child2", Input: map[string]int{"shard": 2}},
	}))

	depth, err := f.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestActivateManyEmptyIsNoOp(t *testing.T) {
	f := newDormantFixture(t)
	dc := f.liveContext(t)
	require.NoError(t, dc.ActivateMany(context.Background(), nil))
}
