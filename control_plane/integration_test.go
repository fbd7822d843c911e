package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrhale/camshaft/control_plane/config"
	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/executor"
	"github.com/petrhale/camshaft/control_plane/idempotency"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/scheduler"
	"github.com/petrhale/camshaft/control_plane/store"
	"github.com/petrhale/camshaft/control_plane/taskserver"
	"github.com/petrhale/camshaft/control_plane/timeline"
)

const (
	reportInputType = "itest.ReportInput"
	flakyInputType  = "itest.FlakyInput"
)

type reportInput struct {
	Region string `json:"region"`
}

type flakyInput struct{}

// flakySwitch lets a test flip a workflow between failing and passing.
type flakySwitch struct {
	mu      sync.Mutex
	failing bool
}

func (f *flakySwitch) set(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *flakySwitch) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing
}

type harness struct {
	store      *store.MemoryStore
	registry   *engine.Registry
	tasks      *taskserver.SyncServer
	evaluator  *scheduler.Evaluator
	dispatcher *scheduler.Dispatcher
	flaky      *flakySwitch
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := engine.NewRegistry()
	st := store.NewMemoryStore(reg)
	flaky := &flakySwitch{}

	report := &engine.Workflow{
		Name:   "report",
		Input:  reportInputType,
		Output: "itest.ReportOutput",
		Steps: []engine.Step{{
			Name: "render",
			Kind: engine.StepPlain,
			In:   reportInputType,
			Out:  "itest.ReportOutput",
			Do: func(rc *engine.RunContext, in any) (any, error) {
				return map[string]string{"region": in.(*reportInput).Region}, nil
			},
		}},
	}
	require.NoError(t, reg.Register(report, func() any { return &reportInput{} }))

	flakyWf := &engine.Workflow{
		Name:   "flaky",
		Input:  flakyInputType,
		Output: "itest.FlakyOutput",
		Steps: []engine.Step{{
			Name: "attempt",
			Kind: engine.StepPlain,
			In:   flakyInputType,
			Out:  "itest.FlakyOutput",
			Do: func(rc *engine.RunContext, in any) (any, error) {
				if flaky.get() {
					return nil, fmt.Errorf("upstream unavailable")
				}
				return map[string]bool{"ok": true}, nil
			},
		}},
	}
	require.NoError(t, reg.Register(flakyWf, func() any { return &flakyInput{} }))

	exec := executor.New(st, reg, nil, 10, nil)
	tasks := taskserver.NewSyncServer(exec)

	return &harness{
		store:    st,
		registry: reg,
		tasks:    tasks,
		flaky:    flaky,
		evaluator: scheduler.NewEvaluator(st, scheduler.EvaluatorOptions{
			Interval:       time.Second,
			DependentBoost: 10,
			DefaultTimeout: time.Hour,
		}, nil),
		dispatcher: scheduler.NewDispatcher(st, reg, tasks, scheduler.DispatcherOptions{
			Interval: time.Second,
		}, nil),
	}
}

// tick runs one evaluator cycle followed by one dispatch cycle, which with the
// synchronous task server executes everything dispatched before returning.
func (h *harness) tick(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, h.evaluator.RunCycle(ctx))
	require.NoError(t, h.dispatcher.DispatchCycle(ctx))
}

func TestPipelineParentThenDependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.store.UpsertGroup(ctx, model.GroupSpec{Name: "reports", Priority: 5, IsEnabled: true})
	require.NoError(t, err)

	parent, err := h.store.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:    "reports.hourly",
		WorkflowName:  "report",
		InputTypeName: reportInputType,
		Input:         []byte(`{"region":"emea"}`),
		Schedule:      model.Schedule{Kind: model.ScheduleInterval, Interval: time.Hour},
		Options:       model.ManifestOptions{IsEnabled: true, MaxRetries: 3, GroupName: "reports"},
	})
	require.NoError(t, err)

	child, err := h.store.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:          "reports.digest",
		WorkflowName:        "report",
		InputTypeName:       reportInputType,
		Input:               []byte(`{"region":"digest"}`),
		Schedule:            model.Schedule{Kind: model.ScheduleDependent},
		DependsOnExternalID: "reports.hourly",
		Options:             model.ManifestOptions{IsEnabled: true, MaxRetries: 3, GroupName: "reports"},
	})
	require.NoError(t, err)

	// Tick one: only the parent is due; the dependent waits on its clock.
	h.tick(t, ctx)
	require.Empty(t, h.tasks.Errs)

	parentExecs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{ManifestID: &parent.ID})
	require.NoError(t, err)
	require.Len(t, parentExecs, 1)
	assert.Equal(t, model.StateCompleted, parentExecs[0].State)

	childExecs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{ManifestID: &child.ID})
	require.NoError(t, err)
	assert.Empty(t, childExecs, "dependent does not run before its parent")

	m, err := h.store.GetManifest(ctx, "reports.hourly")
	require.NoError(t, err)
	require.NotNil(t, m.LastSuccessfulRun)

	// Tick two: the parent's advanced clock makes the dependent eligible.
	h.tick(t, ctx)
	require.Empty(t, h.tasks.Errs)

	childExecs, err = h.store.ListExecutions(ctx, store.ExecutionFilter{ManifestID: &child.ID})
	require.NoError(t, err)
	require.Len(t, childExecs, 1)
	assert.Equal(t, model.StateCompleted, childExecs[0].State)
	assert.JSONEq(t, `{"region":"digest"}`, string(childExecs[0].Output))

	// Tick three: neither fires again. The parent is inside its interval and
	// the dependent's clock caught up with the parent's.
	h.tick(t, ctx)
	all, err := h.store.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPipelineFailureReapsAndOperatorRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.flaky.set(true)

	m, err := h.store.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:    "flaky.sync",
		WorkflowName:  "flaky",
		InputTypeName: flakyInputType,
		Schedule:      model.Schedule{Kind: model.ScheduleInterval, Interval: time.Hour},
		Options:       model.ManifestOptions{IsEnabled: true, MaxRetries: 1, GroupName: "flaky"},
	})
	require.NoError(t, err)

	// Tick one: the run fails.
	h.tick(t, ctx)
	require.Len(t, h.tasks.Errs, 1)

	// Tick two: the retry budget is spent, so the evaluator dead-letters the
	// manifest instead of enqueueing it.
	h.tick(t, ctx)
	awaiting := model.DeadLetterAwaiting
	letters, err := h.store.ListDeadLetters(ctx, &awaiting)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, m.ID, letters[0].ManifestID)

	// Further ticks change nothing while the dead letter awaits.
	h.tick(t, ctx)
	execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{ManifestID: &m.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	// Operator fixes the upstream and retries through the admin API.
	h.flaky.set(false)
	api := NewAPI(h.store, h.tasks, nil, timeline.NewStore(), config.Default(), nil, idempotency.NewMemoryRecorder(), nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/deadletters/%d/retry", letters[0].ID),
		map[string]string{"note": "upstream restored"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// The synchronous task server already ran the retry.
	dl, err := h.store.GetDeadLetter(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterRetried, dl.Status)
	require.NotNil(t, dl.RetryMetadataID)

	retried, err := h.store.GetExecution(ctx, *dl.RetryMetadataID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, retried.State)

	got, err := h.store.GetManifest(ctx, "flaky.sync")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSuccessfulRun, "successful retry advances the manifest clock")

	// With the dead letter resolved and the clock fresh, the manifest is
	// back on its normal schedule.
	h.tick(t, ctx)
	depth, err := h.store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestAPITriggerIsIdempotentWhileQueued(t *testing.T) {
	h := newHarness(t)
	api := NewAPI(h.store, h.tasks, nil, timeline.NewStore(), config.Default(), nil, idempotency.NewMemoryRecorder(), nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp := doJSON(t, srv, http.MethodPost, "/api/manifests", model.ManifestSpec{
		ExternalID:    "ondemand.sync",
		WorkflowName:  "report",
		InputTypeName: reportInputType,
		Input:         json.RawMessage(`{"region":"apac"}`),
		Schedule:      model.Schedule{Kind: model.ScheduleOnDemand},
		Options:       model.ManifestOptions{IsEnabled: true},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodPost, "/api/manifests/ondemand.sync/trigger", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var entry model.WorkQueueEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	resp.Body.Close()
	assert.Equal(t, model.WorkQueued, entry.Status)

	// A second trigger while the first is still queued is absorbed.
	resp = doJSON(t, srv, http.MethodPost, "/api/manifests/ondemand.sync/trigger", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "already queued", body["status"])

	depth, err := h.store.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestAPIIdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t)
	api := NewAPI(h.store, h.tasks, nil, timeline.NewStore(), config.Default(), nil, idempotency.NewMemoryRecorder(), nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	headers := map[string]string{"Idempotency-Key": "create-group-1"}
	spec := model.GroupSpec{Name: "etl", Priority: 3, IsEnabled: true}

	resp := doJSON(t, srv, http.MethodPost, "/api/groups", spec, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Idempotent-Replay"))
	var first model.ManifestGroup
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	resp.Body.Close()

	resp = doJSON(t, srv, http.MethodPost, "/api/groups", spec, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Idempotent-Replay"))
	var second model.ManifestGroup
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	resp.Body.Close()
	assert.Equal(t, first, second, "replay returns the recorded response")
}

func TestAPIRequiresTenant(t *testing.T) {
	h := newHarness(t)
	api := NewAPI(h.store, h.tasks, nil, timeline.NewStore(), config.Default(), nil, idempotency.NewMemoryRecorder(), nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/manifests", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "tenant header is required without a token")
}

func TestAPIErrorMapping(t *testing.T) {
	h := newHarness(t)
	api := NewAPI(h.store, h.tasks, nil, timeline.NewStore(), config.Default(), nil, idempotency.NewMemoryRecorder(), nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	// Unknown manifest is 404.
	resp := doJSON(t, srv, http.MethodPost, "/api/manifests/nope/trigger", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// A registration for a workflow that does not exist is 400.
	resp = doJSON(t, srv, http.MethodPost, "/api/manifests", model.ManifestSpec{
		ExternalID:    "bad.workflow",
		WorkflowName:  "ghost",
		InputTypeName: "ghost.Input",
		Schedule:      model.Schedule{Kind: model.ScheduleOnDemand},
		Options:       model.ManifestOptions{IsEnabled: true},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Structural validation failures are 400 too.
	resp = doJSON(t, srv, http.MethodPost, "/api/manifests", model.ManifestSpec{
		WorkflowName:  "report",
		InputTypeName: reportInputType,
		Schedule:      model.Schedule{Kind: model.ScheduleOnDemand},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// doJSON issues a JSON request with the tenant header set.
func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "acme")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
