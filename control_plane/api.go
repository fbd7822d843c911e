package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/auth"
	"github.com/petrhale/camshaft/control_plane/config"
	"github.com/petrhale/camshaft/control_plane/idempotency"
	"github.com/petrhale/camshaft/control_plane/middleware"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/store"
	"github.com/petrhale/camshaft/control_plane/taskserver"
	"github.com/petrhale/camshaft/control_plane/timeline"
)

// API is the admin surface: manifest registration, triggering, queue and
// execution inspection, and dead-letter resolution. Every mutating route sits
// behind auth, tenant resolution, per-tenant rate limiting, and idempotency
// replay.
type API struct {
	store    store.Store
	tasks    taskserver.TaskServer
	hub      *OpsHub
	timeline *timeline.Store
	logger   *zap.Logger

	authManager *auth.Manager
	limiter     *middleware.RateLimiter
	recorder    idempotency.Recorder

	defaultMaxRetries int

	upgrader websocket.Upgrader
}

// NewAPI wires the admin surface. authManager may be nil, which disables
// authentication (embedded and test use only).
func NewAPI(st store.Store, tasks taskserver.TaskServer, hub *OpsHub, tl *timeline.Store, cfg *config.Config, authManager *auth.Manager, recorder idempotency.Recorder, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		store:             st,
		tasks:             tasks,
		hub:               hub,
		timeline:          tl,
		logger:            logger.Named("api"),
		authManager:       authManager,
		limiter:           middleware.NewRateLimiter(cfg.TriggerRate, cfg.TriggerBurst),
		recorder:          recorder,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The admin UI is served from another origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler assembles the route table with the middleware chain
// CORS → auth → tenant → (mutating only) rate limit → idempotency.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/ops", a.handleOpsSocket)

	mux.Handle("POST /api/manifests", a.mutating(a.handleUpsertManifest))
	mux.Handle("POST /api/manifests/batch", a.mutating(a.handleScheduleBatch))
	mux.Handle("POST /api/manifests/{external_id}/enable", a.mutating(a.handleEnableManifest))
	mux.Handle("POST /api/manifests/{external_id}/disable", a.mutating(a.handleDisableManifest))
	mux.Handle("POST /api/manifests/{external_id}/trigger", a.mutating(a.handleTriggerManifest))
	mux.Handle("GET /api/manifests", a.reading(a.handleListManifests))
	mux.Handle("GET /api/manifests/{external_id}", a.reading(a.handleGetManifest))

	mux.Handle("GET /api/queue", a.reading(a.handleListQueue))
	mux.Handle("GET /api/executions", a.reading(a.handleListExecutions))
	mux.Handle("GET /api/executions/{id}", a.reading(a.handleGetExecution))
	mux.Handle("GET /api/executions/{id}/logs", a.reading(a.handleExecutionLogs))
	mux.Handle("POST /api/executions/{id}/cancel", a.mutating(a.handleCancelExecution))

	mux.Handle("GET /api/deadletters", a.reading(a.handleListDeadLetters))
	mux.Handle("POST /api/deadletters/retry", a.mutating(a.handleBulkRetryDeadLetters))
	mux.Handle("POST /api/deadletters/{id}/retry", a.mutating(a.handleRetryDeadLetter))
	mux.Handle("POST /api/deadletters/{id}/acknowledge", a.mutating(a.handleAcknowledgeDeadLetter))

	mux.Handle("GET /api/groups", a.reading(a.handleListGroups))
	mux.Handle("POST /api/groups", a.mutating(a.handleUpsertGroup))

	mux.Handle("GET /api/events", a.reading(a.handleRecentEvents))

	return middleware.CORS(mux)
}

// reading wraps read-only routes: auth then tenant.
func (a *API) reading(h http.HandlerFunc) http.Handler {
	var handler http.Handler = h
	handler = middleware.Tenant(handler)
	if a.authManager != nil {
		handler = middleware.Auth(a.authManager)(handler)
	}
	return handler
}

// mutating wraps write routes: auth, tenant, rate limit, idempotency replay.
func (a *API) mutating(h http.HandlerFunc) http.Handler {
	var handler http.Handler = h
	if a.recorder != nil {
		handler = middleware.Idempotency(a.recorder, a.logger)(handler)
	}
	handler = a.limiter.Middleware(handler)
	handler = middleware.Tenant(handler)
	if a.authManager != nil {
		handler = middleware.Auth(a.authManager)(handler)
	}
	return handler
}

// --- Health ---

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// --- Manifests ---

func (a *API) handleUpsertManifest(w http.ResponseWriter, r *http.Request) {
	var spec model.ManifestSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a.applyDefaults(&spec)

	m, err := a.store.UpsertManifest(r.Context(), spec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, m)
}

type batchRequest struct {
	Manifests   []model.ManifestSpec `json:"manifests"`
	PrunePrefix string               `json:"prunePrefix,omitempty"`
}

func (a *API) handleScheduleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Manifests) == 0 {
		http.Error(w, "manifests must not be empty", http.StatusBadRequest)
		return
	}
	for i := range req.Manifests {
		a.applyDefaults(&req.Manifests[i])
	}

	out, err := a.store.ScheduleBatch(r.Context(), req.Manifests, req.PrunePrefix)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, out)
}

// applyDefaults fills the retry budget when the registration leaves it unset.
func (a *API) applyDefaults(spec *model.ManifestSpec) {
	if spec.Options.MaxRetries == 0 {
		spec.Options.MaxRetries = a.defaultMaxRetries
	}
}

func (a *API) handleEnableManifest(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, true)
}

func (a *API) handleDisableManifest(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, false)
}

func (a *API) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	externalID := r.PathValue("external_id")
	if err := a.store.SetManifestEnabled(r.Context(), externalID, enabled); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"externalId": externalID, "isEnabled": enabled})
}

func (a *API) handleTriggerManifest(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("external_id")
	entry, err := a.store.TriggerManifest(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, model.ErrDuplicateQueued) {
			// Repeating a trigger while the first is still queued is a no-op,
			// not a failure.
			a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "already queued"})
			return
		}
		a.writeError(w, err)
		return
	}
	a.record(timeline.Event{
		Stage:      timeline.StageEnqueued,
		Workflow:   entry.WorkflowName,
		ExternalID: externalID,
		Metadata:   map[string]string{"source": "trigger"},
	})
	a.writeJSON(w, http.StatusAccepted, entry)
}

func (a *API) handleListManifests(w http.ResponseWriter, r *http.Request) {
	out, err := a.store.ListManifests(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	m, err := a.store.GetManifest(r.Context(), r.PathValue("external_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, m)
}

// --- Queue ---

func (a *API) handleListQueue(w http.ResponseWriter, r *http.Request) {
	var status *model.WorkQueueStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.WorkQueueStatus(v)
		status = &s
	}
	limit := queryInt(r, "limit", 200)
	out, err := a.store.ListQueue(r.Context(), status, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, out)
}

// --- Executions ---

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	f := store.ExecutionFilter{
		WorkflowName: r.URL.Query().Get("workflow"),
		Limit:        queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("state"); v != "" {
		s := model.WorkflowState(v)
		f.State = &s
	}
	if v := r.URL.Query().Get("manifest_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.ManifestID = &id
		}
	}
	out, err := a.store.ListExecutions(r.Context(), f)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	exec, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, exec)
}

func (a *API) handleExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	logs, err := a.store.ListLogs(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, logs)
}

func (a *API) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.RequestCancel(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	// Cooperative: the running workflow observes the flag between steps.
	a.writeJSON(w, http.StatusAccepted, map[string]any{"metadataId": id, "cancelRequested": true})
}

// --- Dead letters ---

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	var status *model.DeadLetterStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.DeadLetterStatus(v)
		status = &s
	}
	out, err := a.store.ListDeadLetters(r.Context(), status)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, out)
}

type resolutionRequest struct {
	Note string `json:"note,omitempty"`
}

func (a *API) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolutionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	exec, err := a.retryOne(r, id, req.Note)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, exec)
}

// retryOne resolves the dead letter into a fresh pending execution and hands
// it straight to the task server, bypassing the queue: operator retries are
// deliberate and should not wait for capacity.
func (a *API) retryOne(r *http.Request, id int64, note string) (model.Execution, error) {
	dl, err := a.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		return model.Execution{}, err
	}
	m, err := a.store.GetManifestByID(r.Context(), dl.ManifestID)
	if err != nil {
		return model.Execution{}, err
	}

	exec, err := a.store.RetryDeadLetter(r.Context(), id, note)
	if err != nil {
		return model.Execution{}, err
	}

	if _, err := a.tasks.Enqueue(r.Context(), taskserver.Task{
		MetadataID:    exec.ID,
		InputTypeName: m.InputTypeName,
	}); err != nil {
		a.logger.Error("cannot submit dead-letter retry", zap.Int64("metadata_id", exec.ID), zap.Error(err))
		return model.Execution{}, err
	}

	a.record(timeline.Event{
		Stage:      timeline.StageDispatched,
		Workflow:   exec.Name,
		ExternalID: m.ExternalID,
		MetadataID: exec.ID,
		Metadata:   map[string]string{"source": "dead_letter_retry"},
	})
	return exec, nil
}

func (a *API) handleAcknowledgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolutionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := a.store.AcknowledgeDeadLetter(r.Context(), id, req.Note); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.DeadLetterAcknowledged})
}

type bulkRetryRequest struct {
	ExternalIDPrefix string `json:"externalIdPrefix,omitempty"`
	Note             string `json:"note,omitempty"`
}

func (a *API) handleBulkRetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	awaiting := model.DeadLetterAwaiting
	letters, err := a.store.ListDeadLetters(r.Context(), &awaiting)
	if err != nil {
		a.writeError(w, err)
		return
	}

	retried, failed := 0, 0
	for _, dl := range letters {
		if req.ExternalIDPrefix != "" {
			m, err := a.store.GetManifestByID(r.Context(), dl.ManifestID)
			if err != nil || !strings.HasPrefix(m.ExternalID, req.ExternalIDPrefix) {
				continue
			}
		}
		if _, err := a.retryOne(r, dl.ID, req.Note); err != nil {
			failed++
			a.logger.Error("bulk retry failed", zap.Int64("dead_letter_id", dl.ID), zap.Error(err))
			continue
		}
		retried++
	}
	a.writeJSON(w, http.StatusAccepted, map[string]int{"retried": retried, "failed": failed})
}

// --- Groups ---

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	out, err := a.store.ListGroups(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleUpsertGroup(w http.ResponseWriter, r *http.Request) {
	var spec model.GroupSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	g, err := a.store.UpsertGroup(r.Context(), spec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, g)
}

// --- Events ---

func (a *API) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if a.timeline == nil {
		a.writeJSON(w, http.StatusOK, []timeline.Event{})
		return
	}
	n := queryInt(r, "limit", 100)
	if workflow := r.URL.Query().Get("workflow"); workflow != "" {
		a.writeJSON(w, http.StatusOK, a.timeline.ByWorkflow(workflow, n))
		return
	}
	a.writeJSON(w, http.StatusOK, a.timeline.Recent(n))
}

// --- Ops socket ---

func (a *API) handleOpsSocket(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		http.Error(w, "ops hub not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	a.hub.Register(conn)

	// Read pump: the client sends nothing meaningful, but reads are what
	// detect the close.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// --- Helpers ---

func (a *API) record(e timeline.Event) {
	if a.timeline != nil {
		a.timeline.Record(e)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("cannot encode response", zap.Error(err))
	}
}

// writeError maps the shared error taxonomy onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrUnknownManifest),
		errors.Is(err, model.ErrUnknownExecution),
		errors.Is(err, model.ErrUnknownDeadLetter):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrUnknownParent),
		errors.Is(err, model.ErrUnregisteredWorkflow),
		errors.Is(err, model.ErrDependencyCycle):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrDuplicateQueued),
		errors.Is(err, model.ErrDeadLetterResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("internal error", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
