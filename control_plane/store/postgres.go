package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/petrhale/camshaft/control_plane/model"
)

// evaluatorLockName keys the advisory lock that serializes evaluator cycles
// across replicas. Replicas agree on the key by hashing the same literal.
const evaluatorLockName = "camshaft_manifest_manager"

// maxDependencyDepth bounds the depends_on walk during cycle detection.
const maxDependencyDepth = 64

// dbtx is the querying surface shared by pgxpool.Pool and pgx.Tx, so every
// method works both on the root store and inside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store over a pgx connection pool. Transaction
// scoping is handled by rebinding the same store onto a pgx.Tx.
type PostgresStore struct {
	pool     *pgxpool.Pool
	db       dbtx
	registry WorkflowRegistry
}

// NewPostgresStore connects a pool (retrying with backoff while the database
// comes up) and verifies connectivity. The registry may be nil, which skips
// workflow-existence validation on upserts.
func NewPostgresStore(ctx context.Context, connString string, registry WorkflowRegistry) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	backoff := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return retry.RetryableError(err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &PostgresStore{pool: pool, db: pool, registry: registry}, nil
}

// Migrate applies the schema DDL. Safe to run from every replica.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, `SELECT 1`)
	return err
}

// Close releases the pool. No-op on transaction-bound stores.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) inTx() bool { return s.pool == nil }

func (s *PostgresStore) bindTx(tx pgx.Tx) *PostgresStore {
	return &PostgresStore{db: tx, registry: s.registry}
}

// WithTx runs fn inside a transaction. Calls on an already
// transaction-bound store join the current transaction instead of nesting.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx() {
		return fn(ctx, s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, s.bindTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// evaluatorLockKey derives the shared 64-bit advisory lock key.
func evaluatorLockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte(evaluatorLockName))
	return int64(h.Sum64())
}

// RunEvaluatorCycle wraps one evaluator tick in a transaction guarded by a
// try-acquired advisory lock. Contention is reported as ErrNotLeader and the
// transaction rolls back untouched; the lock drops with the transaction.
func (s *PostgresStore) RunEvaluatorCycle(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx() {
		return errors.New("store: evaluator cycle cannot nest in a transaction")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, evaluatorLockKey()).Scan(&locked); err != nil {
		return fmt.Errorf("acquire evaluator lock: %w", err)
	}
	if !locked {
		return model.ErrNotLeader
	}
	if err := fn(ctx, s.bindTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Manifests ---

const manifestColumns = `
	m.id, m.external_id, m.workflow_name, m.input_type_name, m.input_properties,
	m.is_enabled, m.schedule_type, COALESCE(m.cron_expression, ''), COALESCE(m.interval_seconds, 0),
	m.depends_on_manifest_id, m.manifest_group_id, m.priority, m.max_retries,
	m.timeout_seconds, m.last_successful_run, m.created_at, m.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (model.Manifest, error) {
	var m model.Manifest
	err := row.Scan(
		&m.ID, &m.ExternalID, &m.WorkflowName, &m.InputTypeName, &m.InputProperties,
		&m.IsEnabled, &m.ScheduleKind, &m.CronExpression, &m.IntervalSeconds,
		&m.DependsOnManifestID, &m.GroupID, &m.Priority, &m.MaxRetries,
		&m.TimeoutSeconds, &m.LastSuccessfulRun, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

func (s *PostgresStore) UpsertManifest(ctx context.Context, spec model.ManifestSpec) (model.Manifest, error) {
	var out model.Manifest
	err := s.WithTx(ctx, func(ctx context.Context, tx Store) error {
		m, err := tx.(*PostgresStore).upsertManifest(ctx, spec)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *PostgresStore) upsertManifest(ctx context.Context, spec model.ManifestSpec) (model.Manifest, error) {
	if err := spec.Validate(); err != nil {
		return model.Manifest{}, err
	}
	if s.registry != nil && !s.registry.Has(spec.InputTypeName) {
		return model.Manifest{}, fmt.Errorf("%w: %s", model.ErrUnregisteredWorkflow, spec.InputTypeName)
	}

	groupName := spec.Options.GroupName
	if groupName == "" {
		groupName = spec.ExternalID
	}
	var groupID int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO manifest_group (name, priority)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET updated_at = now()
		RETURNING id`,
		groupName, spec.Options.Priority,
	).Scan(&groupID)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("ensure group %s: %w", groupName, err)
	}

	var parentID *int64
	if spec.DependsOnExternalID != "" {
		id, err := s.resolveParent(ctx, spec.ExternalID, spec.DependsOnExternalID)
		if err != nil {
			return model.Manifest{}, err
		}
		parentID = &id
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO manifest AS m (
			external_id, workflow_name, input_type_name, input_properties, is_enabled,
			schedule_type, cron_expression, interval_seconds, depends_on_manifest_id,
			manifest_group_id, priority, max_retries, timeout_seconds
		)
		VALUES ($1, $2, $3, $4, $5, $6::schedule_type, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (external_id) DO UPDATE SET
			workflow_name = EXCLUDED.workflow_name,
			input_type_name = EXCLUDED.input_type_name,
			input_properties = EXCLUDED.input_properties,
			is_enabled = EXCLUDED.is_enabled,
			schedule_type = EXCLUDED.schedule_type,
			cron_expression = EXCLUDED.cron_expression,
			interval_seconds = EXCLUDED.interval_seconds,
			depends_on_manifest_id = EXCLUDED.depends_on_manifest_id,
			manifest_group_id = EXCLUDED.manifest_group_id,
			priority = EXCLUDED.priority,
			max_retries = EXCLUDED.max_retries,
			timeout_seconds = EXCLUDED.timeout_seconds,
			updated_at = now()
		RETURNING`+manifestColumns,
		spec.ExternalID, spec.WorkflowName, spec.InputTypeName, jsonArg(spec.Input),
		spec.Options.IsEnabled, string(spec.Schedule.Kind), textArg(spec.Schedule.CronExpression),
		intervalArg(spec.Schedule.Interval), parentID, groupID, spec.Options.Priority,
		spec.Options.MaxRetries, spec.Options.TimeoutSeconds,
	)
	m, err := scanManifest(row)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("upsert manifest %s: %w", spec.ExternalID, err)
	}
	return m, nil
}

// resolveParent looks up the parent manifest id and rejects dependency
// cycles by walking the parent chain.
func (s *PostgresStore) resolveParent(ctx context.Context, selfExternalID, parentExternalID string) (int64, error) {
	if parentExternalID == selfExternalID {
		return 0, model.ErrDependencyCycle
	}
	var parentID int64
	err := s.db.QueryRow(ctx,
		`SELECT id FROM manifest WHERE external_id = $1`, parentExternalID,
	).Scan(&parentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", model.ErrUnknownParent, parentExternalID)
	}
	if err != nil {
		return 0, err
	}

	cur := parentExternalID
	for depth := 0; depth < maxDependencyDepth; depth++ {
		var next *string
		err := s.db.QueryRow(ctx, `
			SELECT p.external_id
			FROM manifest m
			LEFT JOIN manifest p ON p.id = m.depends_on_manifest_id
			WHERE m.external_id = $1`, cur,
		).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) || err == nil && next == nil {
			return parentID, nil
		}
		if err != nil {
			return 0, err
		}
		if *next == selfExternalID {
			return 0, model.ErrDependencyCycle
		}
		cur = *next
	}
	return 0, model.ErrDependencyCycle
}

func (s *PostgresStore) ScheduleBatch(ctx context.Context, specs []model.ManifestSpec, prunePrefix string) ([]model.Manifest, error) {
	out := make([]model.Manifest, len(specs))
	err := s.WithTx(ctx, func(ctx context.Context, txs Store) error {
		tx := txs.(*PostgresStore)
		// Parents before dependents so same-batch dependencies resolve.
		for _, dependent := range []bool{false, true} {
			for i, spec := range specs {
				if spec.Schedule.Kind.IsDependent() != dependent {
					continue
				}
				m, err := tx.upsertManifest(ctx, spec)
				if err != nil {
					return fmt.Errorf("batch item %s: %w", spec.ExternalID, err)
				}
				out[i] = m
			}
		}
		if prunePrefix == "" {
			return nil
		}
		kept := make([]string, 0, len(specs))
		for _, spec := range specs {
			kept = append(kept, spec.ExternalID)
		}
		// left/length instead of LIKE: the prefix is caller data and "%"
		// or "_" in it must match literally.
		_, err := tx.db.Exec(ctx, `
			DELETE FROM manifest
			WHERE left(external_id, length($1)) = $1 AND NOT (external_id = ANY($2))`,
			prunePrefix, kept,
		)
		if err != nil {
			return fmt.Errorf("prune %s*: %w", prunePrefix, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetManifest(ctx context.Context, externalID string) (model.Manifest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT`+manifestColumns+` FROM manifest m WHERE m.external_id = $1`, externalID)
	m, err := scanManifest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Manifest{}, fmt.Errorf("%w: %s", model.ErrUnknownManifest, externalID)
	}
	return m, err
}

func (s *PostgresStore) GetManifestByID(ctx context.Context, id int64) (model.Manifest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT`+manifestColumns+` FROM manifest m WHERE m.id = $1`, id)
	m, err := scanManifest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Manifest{}, fmt.Errorf("%w: id %d", model.ErrUnknownManifest, id)
	}
	return m, err
}

func (s *PostgresStore) ListManifests(ctx context.Context) ([]model.Manifest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT`+manifestColumns+` FROM manifest m ORDER BY m.external_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetManifestEnabled(ctx context.Context, externalID string, enabled bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE manifest SET is_enabled = $2, updated_at = now() WHERE external_id = $1`,
		externalID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrUnknownManifest, externalID)
	}
	return nil
}

func (s *PostgresStore) TriggerManifest(ctx context.Context, externalID string) (model.WorkQueueEntry, error) {
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

const groupColumns = `g.id, g.name, g.priority, g.max_active_jobs, g.is_enabled, g.created_at, g.updated_at`

func scanGroup(row rowScanner) (model.ManifestGroup, error) {
	var g model.ManifestGroup
	err := row.Scan(&g.ID, &g.Name, &g.Priority, &g.MaxActiveJobs, &g.IsEnabled, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func (s *PostgresStore) UpsertGroup(ctx context.Context, spec model.GroupSpec) (model.ManifestGroup, error) {
	if err := spec.Validate(); err != nil {
		return model.ManifestGroup{}, err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO manifest_group (name, priority, max_active_jobs, is_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			priority = EXCLUDED.priority,
			max_active_jobs = EXCLUDED.max_active_jobs,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = now()
		RETURNING `+groupColumns,
		spec.Name, spec.Priority, spec.MaxActiveJobs, spec.IsEnabled)
	return scanGroup(row)
}

func (s *PostgresStore) GetGroup(ctx context.Context, name string) (model.ManifestGroup, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM manifest_group g WHERE g.name = $1`, name)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ManifestGroup{}, fmt.Errorf("unknown group %s", name)
	}
	return g, err
}

func (s *PostgresStore) GetGroupByID(ctx context.Context, id int64) (model.ManifestGroup, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM manifest_group g WHERE g.id = $1`, id)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ManifestGroup{}, fmt.Errorf("unknown group id %d", id)
	}
	return g, err
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]model.ManifestGroup, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+groupColumns+` FROM manifest_group g ORDER BY g.priority DESC, g.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ManifestGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Evaluator ---

func (s *PostgresStore) LoadCandidates(ctx context.Context) ([]model.Candidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT`+manifestColumns+`,
			`+groupColumns+`,
			(
				SELECT count(*) FROM metadata md
				WHERE md.manifest_id = m.id AND md.workflow_state = 'failed'
				AND md.created_at > COALESCE((
					SELECT max(dl.resolved_at) FROM dead_letter dl
					WHERE dl.manifest_id = m.id AND dl.resolved_at IS NOT NULL
				), '-infinity')
			) AS failed_count,
			EXISTS (
				SELECT 1 FROM dead_letter dl
				WHERE dl.manifest_id = m.id AND dl.status = 'awaiting_intervention'
			) AS has_awaiting_dead_letter,
			EXISTS (
				SELECT 1 FROM work_queue w
				WHERE w.manifest_id = m.id AND w.status = 'queued'
			) AS has_queued_work,
			EXISTS (
				SELECT 1 FROM metadata md
				WHERE md.manifest_id = m.id AND md.workflow_state IN ('pending', 'in_progress')
			) AS has_active_execution,
			p.last_successful_run AS parent_last_successful_run
		FROM manifest m
		JOIN manifest_group g ON g.id = m.manifest_group_id
		LEFT JOIN manifest p ON p.id = m.depends_on_manifest_id
		WHERE m.is_enabled = TRUE
		ORDER BY m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		err := rows.Scan(
			&c.Manifest.ID, &c.Manifest.ExternalID, &c.Manifest.WorkflowName, &c.Manifest.InputTypeName,
			&c.Manifest.InputProperties, &c.Manifest.IsEnabled, &c.Manifest.ScheduleKind,
			&c.Manifest.CronExpression, &c.Manifest.IntervalSeconds, &c.Manifest.DependsOnManifestID,
			&c.Manifest.GroupID, &c.Manifest.Priority, &c.Manifest.MaxRetries, &c.Manifest.TimeoutSeconds,
			&c.Manifest.LastSuccessfulRun, &c.Manifest.CreatedAt, &c.Manifest.UpdatedAt,
			&c.Group.ID, &c.Group.Name, &c.Group.Priority, &c.Group.MaxActiveJobs, &c.Group.IsEnabled,
			&c.Group.CreatedAt, &c.Group.UpdatedAt,
			&c.FailedCount, &c.HasAwaitingDeadLetter, &c.HasQueuedWork, &c.HasActiveExecution,
			&c.ParentLastSuccessfulRun,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FailTimedOutExecutions(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int64, error) {
	defSecs := defaultTimeout.Seconds()
	tag, err := s.db.Exec(ctx, `
		UPDATE metadata md
		SET workflow_state = 'failed', end_time = $1,
			failure_reason = 'timeout', failure_exception = 'Timeout'
		FROM manifest m
		WHERE m.id = md.manifest_id
			AND md.workflow_state = 'in_progress'
			AND md.start_time IS NOT NULL
			AND md.start_time + make_interval(secs => COALESCE(m.timeout_seconds, $2)::double precision) < $1`,
		now, defSecs)
	if err != nil {
		return 0, err
	}
	total := tag.RowsAffected()

	tag, err = s.db.Exec(ctx, `
		UPDATE metadata
		SET workflow_state = 'failed', end_time = $1,
			failure_reason = 'timeout', failure_exception = 'Timeout'
		WHERE manifest_id IS NULL
			AND workflow_state = 'in_progress'
			AND start_time IS NOT NULL
			AND start_time + make_interval(secs => $2::double precision) < $1`,
		now, defSecs)
	if err != nil {
		return total, err
	}
	return total + tag.RowsAffected(), nil
}

func (s *PostgresStore) CountActiveExecutions(ctx context.Context, excludedWorkflows []string) (int, error) {
	if excludedWorkflows == nil {
		excludedWorkflows = []string{}
	}
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM metadata
		WHERE workflow_state IN ('pending', 'in_progress') AND NOT (name = ANY($1))`,
		excludedWorkflows).Scan(&n)
	return n, err
}

// --- Work queue ---

const queueColumns = `w.id, w.external_id::text, w.workflow_name, w.input, w.input_type_name,
	w.status, w.manifest_id, w.metadata_id, w.priority, w.created_at, w.dispatched_at`

func scanQueueEntry(row rowScanner) (model.WorkQueueEntry, error) {
	var e model.WorkQueueEntry
	err := row.Scan(
		&e.ID, &e.ExternalID, &e.WorkflowName, &e.Input, &e.InputTypeName,
		&e.Status, &e.ManifestID, &e.MetadataID, &e.Priority, &e.CreatedAt, &e.DispatchedAt,
	)
	return e, err
}

func (s *PostgresStore) EnqueueWork(ctx context.Context, item NewWorkItem) (model.WorkQueueEntry, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO work_queue AS w (external_id, workflow_name, input, input_type_name, status, manifest_id, priority)
		VALUES ($1::uuid, $2, $3, $4, 'queued', $5, $6)
		ON CONFLICT (manifest_id) WHERE status = 'queued' AND manifest_id IS NOT NULL DO NOTHING
		RETURNING `+queueColumns,
		uuid.NewString(), item.WorkflowName, jsonArg(item.Input), item.InputTypeName,
		item.ManifestID, item.Priority)
	e, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return model.WorkQueueEntry{}, model.ErrDuplicateQueued
	}
	if err != nil {
		return model.WorkQueueEntry{}, fmt.Errorf("enqueue %s: %w", item.WorkflowName, err)
	}
	return e, nil
}

func (s *PostgresStore) LoadQueuedWork(ctx context.Context) ([]model.QueuedWork, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+queueColumns+`,
			m.manifest_group_id, COALESCE(g.priority, w.priority), g.max_active_jobs
		FROM work_queue w
		LEFT JOIN manifest m ON m.id = w.manifest_id
		LEFT JOIN manifest_group g ON g.id = m.manifest_group_id
		WHERE w.status = 'queued' AND (w.manifest_id IS NULL OR COALESCE(g.is_enabled, FALSE))
		ORDER BY COALESCE(g.priority, w.priority) DESC, w.priority DESC, w.created_at ASC, w.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedWork
	for rows.Next() {
		var q model.QueuedWork
		err := rows.Scan(
			&q.Entry.ID, &q.Entry.ExternalID, &q.Entry.WorkflowName, &q.Entry.Input,
			&q.Entry.InputTypeName, &q.Entry.Status, &q.Entry.ManifestID, &q.Entry.MetadataID,
			&q.Entry.Priority, &q.Entry.CreatedAt, &q.Entry.DispatchedAt,
			&q.GroupID, &q.GroupPriority, &q.GroupMaxActiveJobs,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, entryID, metadataID int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_queue SET status = 'dispatched', metadata_id = $2, dispatched_at = $3
		WHERE id = $1 AND status = 'queued'`,
		entryID, metadataID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStaleQueueEntry
	}
	return nil
}

func (s *PostgresStore) CancelQueued(ctx context.Context, entryID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE work_queue SET status = 'cancelled' WHERE id = $1 AND status = 'queued'`, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStaleQueueEntry
	}
	return nil
}

func (s *PostgresStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM work_queue WHERE status = 'queued'`).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListQueue(ctx context.Context, status *model.WorkQueueStatus, limit int) ([]model.WorkQueueEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + queueColumns + ` FROM work_queue w`
	args := []any{limit}
	if status != nil {
		query += ` WHERE w.status = $2::work_queue_status`
		args = append(args, string(*status))
	}
	query += ` ORDER BY w.created_at DESC LIMIT $1`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasQueuedWork(ctx context.Context, manifestID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM work_queue WHERE manifest_id = $1 AND status = 'queued')`,
		manifestID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) PruneWorkQueue(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM work_queue
		WHERE status IN ('dispatched', 'cancelled') AND created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Executions ---

const executionColumns = `md.id, md.external_id::text, md.name, md.workflow_state,
	md.start_time, md.end_time, md.input, md.output,
	COALESCE(md.failure_step, ''), COALESCE(md.failure_exception, ''),
	COALESCE(md.failure_reason, ''), COALESCE(md.stack_trace, ''),
	md.parent_id, md.manifest_id, md.cancel_requested,
	COALESCE(md.currently_running_step, ''), md.step_started_at, md.created_at`

func scanExecution(row rowScanner) (model.Execution, error) {
	var e model.Execution
	err := row.Scan(
		&e.ID, &e.ExternalID, &e.Name, &e.State,
		&e.StartTime, &e.EndTime, &e.Input, &e.Output,
		&e.FailureStep, &e.FailureException, &e.FailureReason, &e.StackTrace,
		&e.ParentID, &e.ManifestID, &e.CancelRequested,
		&e.CurrentStep, &e.StepStartedAt, &e.CreatedAt,
	)
	return e, err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, ne NewExecution) (model.Execution, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO metadata AS md (external_id, name, workflow_state, input, manifest_id, parent_id)
		VALUES ($1::uuid, $2, 'pending', $3, $4, $5)
		RETURNING `+executionColumns,
		uuid.NewString(), ne.Name, jsonArg(ne.Input), ne.ManifestID, ne.ParentID)
	e, err := scanExecution(row)
	if err != nil {
		return model.Execution{}, fmt.Errorf("create execution %s: %w", ne.Name, err)
	}
	return e, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id int64) (model.Execution, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM metadata md WHERE md.id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Execution{}, fmt.Errorf("%w: id %d", model.ErrUnknownExecution, id)
	}
	return e, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]model.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + executionColumns + ` FROM metadata md WHERE TRUE`
	args := []any{limit}
	if f.ManifestID != nil {
		args = append(args, *f.ManifestID)
		query += fmt.Sprintf(` AND md.manifest_id = $%d`, len(args))
	}
	if f.State != nil {
		args = append(args, string(*f.State))
		query += fmt.Sprintf(` AND md.workflow_state = $%d::workflow_state`, len(args))
	}
	if f.WorkflowName != "" {
		args = append(args, f.WorkflowName)
		query += fmt.Sprintf(` AND md.name = $%d`, len(args))
	}
	query += ` ORDER BY md.id DESC LIMIT $1`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkExecutionRunning(ctx context.Context, id int64, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE metadata SET workflow_state = 'in_progress', start_time = $2
		WHERE id = $1 AND workflow_state = 'pending'`,
		id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %d", model.ErrIllegalRetry, id)
	}
	return nil
}

func (s *PostgresStore) CompleteExecution(ctx context.Context, id int64, output json.RawMessage, now time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context, txs Store) error {
		tx := txs.(*PostgresStore)
		tag, err := tx.db.Exec(ctx, `
			UPDATE metadata
			SET workflow_state = 'completed', end_time = $2, output = $3,
				currently_running_step = NULL
			WHERE id = $1 AND workflow_state = 'in_progress'`,
			id, now, jsonArg(output))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("complete execution %d: not in progress", id)
		}
		// Advancing the manifest clock is what makes dependents eligible on
		// the next evaluator tick.
		_, err = tx.db.Exec(ctx, `
			UPDATE manifest m SET last_successful_run = $2, updated_at = now()
			FROM metadata md
			WHERE md.id = $1 AND m.id = md.manifest_id`,
			id, now)
		return err
	})
}

func (s *PostgresStore) FailExecution(ctx context.Context, id int64, failure FailureInfo, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE metadata
		SET workflow_state = 'failed', end_time = $2,
			failure_step = $3, failure_exception = $4, failure_reason = $5, stack_trace = $6,
			currently_running_step = NULL
		WHERE id = $1 AND workflow_state IN ('pending', 'in_progress')`,
		id, now, textArg(failure.Step), textArg(failure.Exception),
		textArg(failure.Reason), textArg(failure.Stack))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail execution %d: already terminal", id)
	}
	return nil
}

func (s *PostgresStore) SetCurrentStep(ctx context.Context, id int64, step string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE metadata SET currently_running_step = $2, step_started_at = $3
		WHERE id = $1 AND workflow_state = 'in_progress'`,
		id, step, at)
	return err
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE metadata SET cancel_requested = TRUE
		WHERE id = $1 AND workflow_state IN ('pending', 'in_progress')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM metadata WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: id %d", model.ErrUnknownExecution, id)
		}
		// Terminal executions have nothing left to cancel.
	}
	return nil
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	var requested bool
	err := s.db.QueryRow(ctx,
		`SELECT cancel_requested FROM metadata WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: id %d", model.ErrUnknownExecution, id)
	}
	return requested, err
}

func (s *PostgresStore) HasActiveExecution(ctx context.Context, manifestID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM metadata
			WHERE manifest_id = $1 AND workflow_state IN ('pending', 'in_progress')
		)`, manifestID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) CountActiveByGroup(ctx context.Context, excludedWorkflows []string) ([]model.GroupActive, error) {
	if excludedWorkflows == nil {
		excludedWorkflows = []string{}
	}
	rows, err := s.db.Query(ctx, `
		SELECT m.manifest_group_id, count(*)
		FROM metadata md
		LEFT JOIN manifest m ON m.id = md.manifest_id
		WHERE md.workflow_state IN ('pending', 'in_progress') AND NOT (md.name = ANY($1))
		GROUP BY m.manifest_group_id`,
		excludedWorkflows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GroupActive
	for rows.Next() {
		var ga model.GroupActive
		if err := rows.Scan(&ga.GroupID, &ga.Active); err != nil {
			return nil, err
		}
		out = append(out, ga)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteExecution(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM metadata WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) RecoverStuckExecutions(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE metadata
		SET workflow_state = 'failed', end_time = now(), failure_reason = $2
		WHERE workflow_state IN ('pending', 'in_progress') AND created_at < $1`,
		olderThan, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListFailedSince(ctx context.Context, workflowName string, since time.Time) ([]model.Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+` FROM metadata md
		WHERE md.name = $1 AND md.workflow_state = 'failed'
			AND md.end_time IS NOT NULL AND md.end_time >= $2
		ORDER BY md.end_time DESC`,
		workflowName, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastCompletedAt(ctx context.Context, workflowName string) (*time.Time, error) {
	var at *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT max(end_time) FROM metadata
		WHERE name = $1 AND workflow_state = 'completed'`,
		workflowName).Scan(&at)
	return at, err
}

func (s *PostgresStore) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM metadata
		WHERE workflow_state IN ('completed', 'failed') AND created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Execution logs ---

func (s *PostgresStore) AppendLog(ctx context.Context, metadataID int64, level, message string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO log (metadata_id, level, message) VALUES ($1, $2, $3)`,
		metadataID, level, message)
	return err
}

func (s *PostgresStore) ListLogs(ctx context.Context, metadataID int64) ([]model.LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, metadata_id, level, message, logged_at
		FROM log WHERE metadata_id = $1 ORDER BY id`,
		metadataID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var le model.LogEntry
		if err := rows.Scan(&le.ID, &le.MetadataID, &le.Level, &le.Message, &le.LoggedAt); err != nil {
			return nil, err
		}
		out = append(out, le)
	}
	return out, rows.Err()
}

// --- Dead letters ---

const deadLetterColumns = `dl.id, dl.manifest_id, dl.dead_lettered_at, dl.status,
	dl.resolved_at, COALESCE(dl.resolution_note, ''), dl.reason,
	dl.retry_count_at_dead_letter, dl.retry_metadata_id`

func scanDeadLetter(row rowScanner) (model.DeadLetter, error) {
	var dl model.DeadLetter
	err := row.Scan(
		&dl.ID, &dl.ManifestID, &dl.DeadLetteredAt, &dl.Status,
		&dl.ResolvedAt, &dl.ResolutionNote, &dl.Reason,
		&dl.RetryCountAtDeadLetter, &dl.RetryMetadataID,
	)
	return dl, err
}

func (s *PostgresStore) CreateDeadLetter(ctx context.Context, manifestID int64, reason string, retryCount int) (model.DeadLetter, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO dead_letter AS dl (manifest_id, status, reason, retry_count_at_dead_letter)
		VALUES ($1, 'awaiting_intervention', $2, $3)
		RETURNING `+deadLetterColumns,
		manifestID, reason, retryCount)
	return scanDeadLetter(row)
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, status *model.DeadLetterStatus) ([]model.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter dl`
	var args []any
	if status != nil {
		query += ` WHERE dl.status = $1::dead_letter_status`
		args = append(args, string(*status))
	}
	query += ` ORDER BY dl.dead_lettered_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id int64) (model.DeadLetter, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter dl WHERE dl.id = $1`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DeadLetter{}, fmt.Errorf("%w: id %d", model.ErrUnknownDeadLetter, id)
	}
	return dl, err
}

// RetryDeadLetter creates a fresh pending execution for the manifest and
// resolves the dead letter in the same transaction. The caller enqueues the
// new execution onto the task server; the pending row counts toward capacity
// immediately.
func (s *PostgresStore) RetryDeadLetter(ctx context.Context, id int64, note string) (model.Execution, error) {
	var out model.Execution
	err := s.WithTx(ctx, func(ctx context.Context, txs Store) error {
		tx := txs.(*PostgresStore)
		row := tx.db.QueryRow(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letter dl WHERE dl.id = $1 FOR UPDATE`, id)
		dl, err := scanDeadLetter(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", model.ErrUnknownDeadLetter, id)
		}
		if err != nil {
			return err
		}
		if dl.Status != model.DeadLetterAwaiting {
			return fmt.Errorf("%w: id %d is %s", model.ErrDeadLetterResolved, id, dl.Status)
		}
		m, err := tx.GetManifestByID(ctx, dl.ManifestID)
		if err != nil {
			return err
		}
		exec, err := tx.CreateExecution(ctx, NewExecution{
			Name:       m.WorkflowName,
			Input:      m.InputProperties,
			ManifestID: &m.ID,
		})
		if err != nil {
			return err
		}
		_, err = tx.db.Exec(ctx, `
			UPDATE dead_letter
			SET status = 'retried', resolved_at = now(), resolution_note = $2, retry_metadata_id = $3
			WHERE id = $1`,
			id, textArg(note), exec.ID)
		if err != nil {
			return err
		}
		out = exec
		return nil
	})
	return out, err
}

func (s *PostgresStore) AcknowledgeDeadLetter(ctx context.Context, id int64, note string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE dead_letter
		SET status = 'acknowledged', resolved_at = now(), resolution_note = $2
		WHERE id = $1 AND status = 'awaiting_intervention'`,
		id, textArg(note))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM dead_letter WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: id %d", model.ErrUnknownDeadLetter, id)
		}
		return fmt.Errorf("%w: id %d", model.ErrDeadLetterResolved, id)
	}
	return nil
}

func (s *PostgresStore) CountAwaitingDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM dead_letter WHERE status = 'awaiting_intervention'`).Scan(&n)
	return n, err
}

// --- Parameter helpers ---

// jsonArg passes JSON through to jsonb columns, mapping empty to NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// textArg maps empty strings to NULL for nullable text columns.
func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// intervalArg maps a zero interval to NULL for the interval_seconds column.
func intervalArg(d time.Duration) any {
	if d <= 0 {
		return nil
	}
	return int64(d / time.Second)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
