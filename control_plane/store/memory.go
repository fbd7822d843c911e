package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrhale/camshaft/control_plane/model"
)

// MemoryStore implements Store with mutex-guarded maps. It backs tests and
// single-process embedded use; it is not transactional, so WithTx simply runs
// fn against the same store. The evaluator single-leader contract is kept by
// a try-locked mutex standing in for the advisory lock.
type MemoryStore struct {
	mu     sync.Mutex
	evalMu sync.Mutex

	// Now supplies timestamps for rows the store stamps itself. Tests pin it.
	Now func() time.Time

	registry WorkflowRegistry

	nextGroupID      int64
	nextManifestID   int64
	nextQueueID      int64
	nextExecutionID  int64
	nextDeadLetterID int64
	nextLogID        int64

	groups      map[int64]model.ManifestGroup
	groupByName map[string]int64

	manifests     map[int64]model.Manifest
	manifestByExt map[string]int64

	queue       map[int64]model.WorkQueueEntry
	executions  map[int64]model.Execution
	deadLetters map[int64]model.DeadLetter
	logs        []model.LogEntry
}

// NewMemoryStore builds an empty store. The registry may be nil, which skips
// workflow-existence validation on upserts.
func NewMemoryStore(registry WorkflowRegistry) *MemoryStore {
	return &MemoryStore{
		Now:           time.Now,
		registry:      registry,
		groups:        make(map[int64]model.ManifestGroup),
		groupByName:   make(map[string]int64),
		manifests:     make(map[int64]model.Manifest),
		manifestByExt: make(map[string]int64),
		queue:         make(map[int64]model.WorkQueueEntry),
		executions:    make(map[int64]model.Execution),
		deadLetters:   make(map[int64]model.DeadLetter),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}

// WithTx runs fn directly; the memory store has no rollback.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, s)
}

// RunEvaluatorCycle serializes cycles with a try-locked mutex so two
// evaluators over one shared store keep the single-leader contract.
func (s *MemoryStore) RunEvaluatorCycle(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if !s.evalMu.TryLock() {
		return model.ErrNotLeader
	}
	defer s.evalMu.Unlock()
	return fn(ctx, s)
}

// --- Manifests ---

func (s *MemoryStore) UpsertManifest(ctx context.Context, spec model.ManifestSpec) (model.Manifest, error) {
	if err := spec.Validate(); err != nil {
		return model.Manifest{}, err
	}
	if s.registry != nil && !s.registry.Has(spec.InputTypeName) {
		return model.Manifest{}, fmt.Errorf("%w: %s", model.ErrUnregisteredWorkflow, spec.InputTypeName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(spec)
}

func (s *MemoryStore) upsertLocked(spec model.ManifestSpec) (model.Manifest, error) {
	now := s.Now()

	groupName := spec.Options.GroupName
	if groupName == "" {
		groupName = spec.ExternalID
	}
	groupID, ok := s.groupByName[groupName]
	if !ok {
		s.nextGroupID++
		groupID = s.nextGroupID
		s.groups[groupID] = model.ManifestGroup{
			ID:        groupID,
			Name:      groupName,
			Priority:  spec.Options.Priority,
			IsEnabled: true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.groupByName[groupName] = groupID
	}

	var parentID *int64
	if spec.DependsOnExternalID != "" {
		id, err := s.resolveParentLocked(spec.ExternalID, spec.DependsOnExternalID)
		if err != nil {
			return model.Manifest{}, err
		}
		parentID = &id
	}

	m := model.Manifest{
		ExternalID:          spec.ExternalID,
		WorkflowName:        spec.WorkflowName,
		InputTypeName:       spec.InputTypeName,
		InputProperties:     spec.Input,
		IsEnabled:           spec.Options.IsEnabled,
		ScheduleKind:        spec.Schedule.Kind,
		CronExpression:      spec.Schedule.CronExpression,
		IntervalSeconds:     int64(spec.Schedule.Interval / time.Second),
		DependsOnManifestID: parentID,
		GroupID:             groupID,
		Priority:            spec.Options.Priority,
		MaxRetries:          spec.Options.MaxRetries,
		TimeoutSeconds:      spec.Options.TimeoutSeconds,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if existingID, ok := s.manifestByExt[spec.ExternalID]; ok {
		prev := s.manifests[existingID]
		m.ID = prev.ID
		m.LastSuccessfulRun = prev.LastSuccessfulRun
		m.CreatedAt = prev.CreatedAt
	} else {
		s.nextManifestID++
		m.ID = s.nextManifestID
	}
	s.manifests[m.ID] = m
	s.manifestByExt[m.ExternalID] = m.ID
	return m, nil
}

func (s *MemoryStore) resolveParentLocked(selfExternalID, parentExternalID string) (int64, error) {
	if parentExternalID == selfExternalID {
		return 0, model.ErrDependencyCycle
	}
	parentID, ok := s.manifestByExt[parentExternalID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", model.ErrUnknownParent, parentExternalID)
	}
	cur := s.manifests[parentID]
	for depth := 0; depth < maxDependencyDepth; depth++ {
		if cur.DependsOnManifestID == nil {
			return parentID, nil
		}
		next, ok := s.manifests[*cur.DependsOnManifestID]
		if !ok {
			return parentID, nil
		}
		if next.ExternalID == selfExternalID {
			return 0, model.ErrDependencyCycle
		}
		cur = next
	}
	return 0, model.ErrDependencyCycle
}

func (s *MemoryStore) ScheduleBatch(ctx context.Context, specs []model.ManifestSpec, prunePrefix string) ([]model.Manifest, error) {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("batch item %s: %w", spec.ExternalID, err)
		}
		if s.registry != nil && !s.registry.Has(spec.InputTypeName) {
			return nil, fmt.Errorf("batch item %s: %w: %s", spec.ExternalID, model.ErrUnregisteredWorkflow, spec.InputTypeName)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Manifest, len(specs))
	// Parents before dependents so same-batch dependencies resolve.
	for _, dependent := range []bool{false, true} {
		for i, spec := range specs {
			if spec.Schedule.Kind.IsDependent() != dependent {
				continue
			}
			m, err := s.upsertLocked(spec)
			if err != nil {
				return nil, fmt.Errorf("batch item %s: %w", spec.ExternalID, err)
			}
			out[i] = m
		}
	}

	if prunePrefix != "" {
		kept := make(map[string]bool, len(specs))
		for _, spec := range specs {
			kept[spec.ExternalID] = true
		}
		for id, m := range s.manifests {
			if strings.HasPrefix(m.ExternalID, prunePrefix) && !kept[m.ExternalID] {
				s.deleteManifestLocked(id)
			}
		}
	}
	return out, nil
}

// deleteManifestLocked cascades like the schema's foreign keys: executions,
// queue entries, and dead letters go with the manifest; dependents keep
// living with a cleared parent pointer.
func (s *MemoryStore) deleteManifestLocked(id int64) {
	m := s.manifests[id]
	delete(s.manifests, id)
	delete(s.manifestByExt, m.ExternalID)
	for eid, e := range s.executions {
		if e.ManifestID != nil && *e.ManifestID == id {
			delete(s.executions, eid)
		}
	}
	for qid, q := range s.queue {
		if q.ManifestID != nil && *q.ManifestID == id {
			delete(s.queue, qid)
		}
	}
	for did, dl := range s.deadLetters {
		if dl.ManifestID == id {
			delete(s.deadLetters, did)
		}
	}
	for mid, other := range s.manifests {
		if other.DependsOnManifestID != nil && *other.DependsOnManifestID == id {
			other.DependsOnManifestID = nil
			s.manifests[mid] = other
		}
	}
}

func (s *MemoryStore) GetManifest(ctx context.Context, externalID string) (model.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.manifestByExt[externalID]
	if !ok {
		return model.Manifest{}, fmt.Errorf("%w: %s", model.ErrUnknownManifest, externalID)
	}
	return s.manifests[id], nil
}

func (s *MemoryStore) GetManifestByID(ctx context.Context, id int64) (model.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return model.Manifest{}, fmt.Errorf("%w: id %d", model.ErrUnknownManifest, id)
	}
	return m, nil
}

func (s *MemoryStore) ListManifests(ctx context.Context) ([]model.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *MemoryStore) SetManifestEnabled(ctx context.Context, externalID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.manifestByExt[externalID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownManifest, externalID)
	}
	m := s.manifests[id]
	m.IsEnabled = enabled
	m.UpdatedAt = s.Now()
	s.manifests[id] = m
	return nil
}

func (s *MemoryStore) TriggerManifest(ctx context.Context, externalID string) (model.WorkQueueEntry, error) {
	m, err := s.GetManifest(ctx, externalID)
	if err != nil {
		return model.WorkQueueEntry{}, err
	}
	return s.EnqueueWork(ctx, NewWorkItem{
		WorkflowName:  m.WorkflowName,
		InputTypeName: m.InputTypeName,
		Input:         m.InputProperties,
		ManifestID:    &m.ID,
		Priority:      m.Priority,
	})
}

// --- Groups ---

func (s *MemoryStore) UpsertGroup(ctx context.Context, spec model.GroupSpec) (model.ManifestGroup, error) {
	if err := spec.Validate(); err != nil {
		return model.ManifestGroup{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	if id, ok := s.groupByName[spec.Name]; ok {
		g := s.groups[id]
		g.Priority = spec.Priority
		g.MaxActiveJobs = spec.MaxActiveJobs
		g.IsEnabled = spec.IsEnabled
		g.UpdatedAt = now
		s.groups[id] = g
		return g, nil
	}
	s.nextGroupID++
	g := model.ManifestGroup{
		ID:            s.nextGroupID,
		Name:          spec.Name,
		Priority:      spec.Priority,
		MaxActiveJobs: spec.MaxActiveJobs,
		IsEnabled:     spec.IsEnabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.groups[g.ID] = g
	s.groupByName[g.Name] = g.ID
	return g, nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, name string) (model.ManifestGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.groupByName[name]
	if !ok {
		return model.ManifestGroup{}, fmt.Errorf("unknown group %s", name)
	}
	return s.groups[id], nil
}

func (s *MemoryStore) GetGroupByID(ctx context.Context, id int64) (model.ManifestGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return model.ManifestGroup{}, fmt.Errorf("unknown group id %d", id)
	}
	return g, nil
}

func (s *MemoryStore) ListGroups(ctx context.Context) ([]model.ManifestGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ManifestGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// --- Evaluator ---

func (s *MemoryStore) LoadCandidates(ctx context.Context) ([]model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Candidate
	for _, m := range s.manifests {
		if !m.IsEnabled {
			continue
		}
		c := model.Candidate{
			Manifest:    m,
			Group:       s.groups[m.GroupID],
			FailedCount: s.failedCountLocked(m.ID),
		}
		for _, dl := range s.deadLetters {
			if dl.ManifestID == m.ID && dl.Status == model.DeadLetterAwaiting {
				c.HasAwaitingDeadLetter = true
				break
			}
		}
		for _, q := range s.queue {
			if q.ManifestID != nil && *q.ManifestID == m.ID && q.Status == model.WorkQueued {
				c.HasQueuedWork = true
				break
			}
		}
		for _, e := range s.executions {
			if e.ManifestID != nil && *e.ManifestID == m.ID && !e.State.IsTerminal() {
				c.HasActiveExecution = true
				break
			}
		}
		if m.DependsOnManifestID != nil {
			if p, ok := s.manifests[*m.DependsOnManifestID]; ok {
				c.ParentLastSuccessfulRun = p.LastSuccessfulRun
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out, nil
}

// failedCountLocked counts failures recorded after the most recent resolved
// dead letter, matching the Postgres watermark query.
func (s *MemoryStore) failedCountLocked(manifestID int64) int {
	var watermark time.Time
	for _, dl := range s.deadLetters {
		if dl.ManifestID == manifestID && dl.ResolvedAt != nil && dl.ResolvedAt.After(watermark) {
			watermark = *dl.ResolvedAt
		}
	}
	n := 0
	for _, e := range s.executions {
		if e.ManifestID != nil && *e.ManifestID == manifestID &&
			e.State == model.StateFailed && e.CreatedAt.After(watermark) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) FailTimedOutExecutions(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.executions {
		if e.State != model.StateInProgress || e.StartTime == nil {
			continue
		}
		timeout := defaultTimeout
		if e.ManifestID != nil {
			if m, ok := s.manifests[*e.ManifestID]; ok {
				timeout = m.EffectiveTimeout(defaultTimeout)
			}
		}
		if e.StartTime.Add(timeout).Before(now) {
			e.State = model.StateFailed
			e.EndTime = &now
			e.FailureReason = "timeout"
			e.FailureException = "Timeout"
			s.executions[id] = e
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountActiveExecutions(ctx context.Context, excludedWorkflows []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := toSet(excludedWorkflows)
	n := 0
	for _, e := range s.executions {
		if !e.State.IsTerminal() && !excluded[e.Name] {
			n++
		}
	}
	return n, nil
}

// --- Work queue ---

func (s *MemoryStore) EnqueueWork(ctx context.Context, item NewWorkItem) (model.WorkQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ManifestID != nil {
		for _, q := range s.queue {
			if q.ManifestID != nil && *q.ManifestID == *item.ManifestID && q.Status == model.WorkQueued {
				return model.WorkQueueEntry{}, model.ErrDuplicateQueued
			}
		}
	}
	s.nextQueueID++
	e := model.WorkQueueEntry{
		ID:            s.nextQueueID,
		ExternalID:    uuid.NewString(),
		WorkflowName:  item.WorkflowName,
		Input:         item.Input,
		InputTypeName: item.InputTypeName,
		Status:        model.WorkQueued,
		ManifestID:    item.ManifestID,
		Priority:      item.Priority,
		CreatedAt:     s.Now(),
	}
	s.queue[e.ID] = e
	return e, nil
}

func (s *MemoryStore) LoadQueuedWork(ctx context.Context) ([]model.QueuedWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QueuedWork
	for _, q := range s.queue {
		if q.Status != model.WorkQueued {
			continue
		}
		qw := model.QueuedWork{Entry: q, GroupPriority: q.Priority}
		if q.ManifestID != nil {
			m, ok := s.manifests[*q.ManifestID]
			if !ok {
				continue
			}
			g := s.groups[m.GroupID]
			if !g.IsEnabled {
				continue
			}
			gid := g.ID
			qw.GroupID = &gid
			qw.GroupPriority = g.Priority
			qw.GroupMaxActiveJobs = g.MaxActiveJobs
		}
		out = append(out, qw)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.GroupPriority != b.GroupPriority {
			return a.GroupPriority > b.GroupPriority
		}
		if a.Entry.Priority != b.Entry.Priority {
			return a.Entry.Priority > b.Entry.Priority
		}
		if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
			return a.Entry.CreatedAt.Before(b.Entry.CreatedAt)
		}
		return a.Entry.ID < b.Entry.ID
	})
	return out, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, entryID, metadataID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[entryID]
	if !ok || e.Status != model.WorkQueued {
		return model.ErrStaleQueueEntry
	}
	e.Status = model.WorkDispatched
	e.MetadataID = &metadataID
	e.DispatchedAt = &at
	s.queue[entryID] = e
	return nil
}

func (s *MemoryStore) CancelQueued(ctx context.Context, entryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[entryID]
	if !ok || e.Status != model.WorkQueued {
		return model.ErrStaleQueueEntry
	}
	e.Status = model.WorkCancelled
	s.queue[entryID] = e
	return nil
}

func (s *MemoryStore) QueueDepth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queue {
		if q.Status == model.WorkQueued {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListQueue(ctx context.Context, status *model.WorkQueueStatus, limit int) ([]model.WorkQueueEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkQueueEntry
	for _, q := range s.queue {
		if status == nil || q.Status == *status {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HasQueuedWork(ctx context.Context, manifestID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queue {
		if q.ManifestID != nil && *q.ManifestID == manifestID && q.Status == model.WorkQueued {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) PruneWorkQueue(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, q := range s.queue {
		if q.Status != model.WorkQueued && q.CreatedAt.Before(olderThan) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, ne NewExecution) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExecutionID++
	e := model.Execution{
		ID:         s.nextExecutionID,
		ExternalID: uuid.NewString(),
		Name:       ne.Name,
		State:      model.StatePending,
		Input:      ne.Input,
		ManifestID: ne.ManifestID,
		ParentID:   ne.ParentID,
		CreatedAt:  s.Now(),
	}
	s.executions[e.ID] = e
	return e, nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id int64) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return model.Execution{}, fmt.Errorf("%w: id %d", model.ErrUnknownExecution, id)
	}
	return e, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]model.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Execution
	for _, e := range s.executions {
		if f.ManifestID != nil && (e.ManifestID == nil || *e.ManifestID != *f.ManifestID) {
			continue
		}
		if f.State != nil && e.State != *f.State {
			continue
		}
		if f.WorkflowName != "" && e.Name != f.WorkflowName {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkExecutionRunning(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.State != model.StatePending {
		return fmt.Errorf("%w: execution %d", model.ErrIllegalRetry, id)
	}
	e.State = model.StateInProgress
	e.StartTime = &now
	s.executions[id] = e
	return nil
}

func (s *MemoryStore) CompleteExecution(ctx context.Context, id int64, output json.RawMessage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.State != model.StateInProgress {
		return fmt.Errorf("complete execution %d: not in progress", id)
	}
	e.State = model.StateCompleted
	e.EndTime = &now
	e.Output = output
	e.CurrentStep = ""
	s.executions[id] = e

	// Advancing the manifest clock is what makes dependents eligible on the
	// next evaluator tick.
	if e.ManifestID != nil {
		if m, ok := s.manifests[*e.ManifestID]; ok {
			t := now
			m.LastSuccessfulRun = &t
			m.UpdatedAt = now
			s.manifests[m.ID] = m
		}
	}
	return nil
}

func (s *MemoryStore) FailExecution(ctx context.Context, id int64, failure FailureInfo, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.State.IsTerminal() {
		return fmt.Errorf("fail execution %d: already terminal", id)
	}
	e.State = model.StateFailed
	e.EndTime = &now
	e.FailureStep = failure.Step
	e.FailureException = failure.Exception
	e.FailureReason = failure.Reason
	e.StackTrace = failure.Stack
	e.CurrentStep = ""
	s.executions[id] = e
	return nil
}

func (s *MemoryStore) SetCurrentStep(ctx context.Context, id int64, step string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.State != model.StateInProgress {
		return nil
	}
	e.CurrentStep = step
	e.StepStartedAt = &at
	s.executions[id] = e
	return nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("%w: id %d", model.ErrUnknownExecution, id)
	}
	if !e.State.IsTerminal() {
		e.CancelRequested = true
		s.executions[id] = e
	}
	return nil
}

func (s *MemoryStore) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return false, fmt.Errorf("%w: id %d", model.ErrUnknownExecution, id)
	}
	return e.CancelRequested, nil
}

func (s *MemoryStore) HasActiveExecution(ctx context.Context, manifestID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.ManifestID != nil && *e.ManifestID == manifestID && !e.State.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountActiveByGroup(ctx context.Context, excludedWorkflows []string) ([]model.GroupActive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := toSet(excludedWorkflows)

	counts := make(map[int64]int)
	adhoc := 0
	for _, e := range s.executions {
		if e.State.IsTerminal() || excluded[e.Name] {
			continue
		}
		if e.ManifestID == nil {
			adhoc++
			continue
		}
		m, ok := s.manifests[*e.ManifestID]
		if !ok {
			adhoc++
			continue
		}
		counts[m.GroupID]++
	}
	var out []model.GroupActive
	for gid, n := range counts {
		id := gid
		out = append(out, model.GroupActive{GroupID: &id, Active: n})
	}
	if adhoc > 0 {
		out = append(out, model.GroupActive{Active: adhoc})
	}
	return out, nil
}

func (s *MemoryStore) DeleteExecution(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, id)
	return nil
}

func (s *MemoryStore) RecoverStuckExecutions(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var n int64
	for id, e := range s.executions {
		if !e.State.IsTerminal() && e.CreatedAt.Before(olderThan) {
			e.State = model.StateFailed
			e.EndTime = &now
			e.FailureReason = reason
			s.executions[id] = e
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListFailedSince(ctx context.Context, workflowName string, since time.Time) ([]model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Execution
	for _, e := range s.executions {
		if e.Name == workflowName && e.State == model.StateFailed &&
			e.EndTime != nil && !e.EndTime.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(*out[j].EndTime) })
	return out, nil
}

func (s *MemoryStore) LastCompletedAt(ctx context.Context, workflowName string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, e := range s.executions {
		if e.Name == workflowName && e.State == model.StateCompleted && e.EndTime != nil {
			if last == nil || e.EndTime.After(*last) {
				t := *e.EndTime
				last = &t
			}
		}
	}
	return last, nil
}

func (s *MemoryStore) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.executions {
		if e.State.IsTerminal() && e.CreatedAt.Before(olderThan) {
			delete(s.executions, id)
			n++
		}
	}
	if n > 0 {
		kept := s.logs[:0]
		for _, le := range s.logs {
			if _, ok := s.executions[le.MetadataID]; ok {
				kept = append(kept, le)
			}
		}
		s.logs = kept
	}
	return n, nil
}

// --- Execution logs ---

func (s *MemoryStore) AppendLog(ctx context.Context, metadataID int64, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	s.logs = append(s.logs, model.LogEntry{
		ID:         s.nextLogID,
		MetadataID: metadataID,
		Level:      level,
		Message:    message,
		LoggedAt:   s.Now(),
	})
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, metadataID int64) ([]model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LogEntry
	for _, le := range s.logs {
		if le.MetadataID == metadataID {
			out = append(out, le)
		}
	}
	return out, nil
}

// --- Dead letters ---

func (s *MemoryStore) CreateDeadLetter(ctx context.Context, manifestID int64, reason string, retryCount int) (model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDeadLetterID++
	dl := model.DeadLetter{
		ID:                     s.nextDeadLetterID,
		ManifestID:             manifestID,
		DeadLetteredAt:         s.Now(),
		Status:                 model.DeadLetterAwaiting,
		Reason:                 reason,
		RetryCountAtDeadLetter: retryCount,
	}
	s.deadLetters[dl.ID] = dl
	return dl, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, status *model.DeadLetterStatus) ([]model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeadLetter
	for _, dl := range s.deadLetters {
		if status == nil || dl.Status == *status {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, id int64) (model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return model.DeadLetter{}, fmt.Errorf("%w: id %d", model.ErrUnknownDeadLetter, id)
	}
	return dl, nil
}

func (s *MemoryStore) RetryDeadLetter(ctx context.Context, id int64, note string) (model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return model.Execution{}, fmt.Errorf("%w: id %d", model.ErrUnknownDeadLetter, id)
	}
	if dl.Status != model.DeadLetterAwaiting {
		return model.Execution{}, fmt.Errorf("%w: id %d is %s", model.ErrDeadLetterResolved, id, dl.Status)
	}
	m, ok := s.manifests[dl.ManifestID]
	if !ok {
		return model.Execution{}, fmt.Errorf("%w: id %d", model.ErrUnknownManifest, dl.ManifestID)
	}

	now := s.Now()
	s.nextExecutionID++
	exec := model.Execution{
		ID:         s.nextExecutionID,
		ExternalID: uuid.NewString(),
		Name:       m.WorkflowName,
		State:      model.StatePending,
		Input:      m.InputProperties,
		ManifestID: &m.ID,
		CreatedAt:  now,
	}
	s.executions[exec.ID] = exec

	dl.Status = model.DeadLetterRetried
	dl.ResolvedAt = &now
	dl.ResolutionNote = note
	dl.RetryMetadataID = &exec.ID
	s.deadLetters[id] = dl
	return exec, nil
}

func (s *MemoryStore) AcknowledgeDeadLetter(ctx context.Context, id int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return fmt.Errorf("%w: id %d", model.ErrUnknownDeadLetter, id)
	}
	if dl.Status != model.DeadLetterAwaiting {
		return fmt.Errorf("%w: id %d", model.ErrDeadLetterResolved, id)
	}
	now := s.Now()
	dl.Status = model.DeadLetterAcknowledged
	dl.ResolvedAt = &now
	dl.ResolutionNote = note
	s.deadLetters[id] = dl
	return nil
}

func (s *MemoryStore) CountAwaitingDeadLetters(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, dl := range s.deadLetters {
		if dl.Status == model.DeadLetterAwaiting {
			n++
		}
	}
	return n, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
