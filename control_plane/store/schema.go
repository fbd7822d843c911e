package store

// Schema DDL applied by PostgresStore.Migrate. Statements are idempotent so
// every replica can run them at startup.
//
// The partial unique index on work_queue is the defense-in-depth guarantee
// that a manifest never holds two queued entries; the dispatch-order index
// backs the dispatcher's load query.
const schemaDDL = `
DO $$ BEGIN
	CREATE TYPE schedule_type AS ENUM ('none', 'cron', 'interval', 'on_demand', 'dependent', 'dormant_dependent');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
	CREATE TYPE work_queue_status AS ENUM ('queued', 'dispatched', 'cancelled');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
	CREATE TYPE workflow_state AS ENUM ('pending', 'in_progress', 'completed', 'failed');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
	CREATE TYPE dead_letter_status AS ENUM ('awaiting_intervention', 'retried', 'acknowledged');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

CREATE TABLE IF NOT EXISTS manifest_group (
	id               BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	priority         SMALLINT NOT NULL DEFAULT 0,
	max_active_jobs  INT,
	is_enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS manifest (
	id                      BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	external_id             TEXT NOT NULL,
	workflow_name           TEXT NOT NULL,
	input_type_name         TEXT NOT NULL,
	input_properties        JSONB,
	is_enabled              BOOLEAN NOT NULL DEFAULT TRUE,
	schedule_type           schedule_type NOT NULL DEFAULT 'none',
	cron_expression         TEXT,
	interval_seconds        BIGINT,
	depends_on_manifest_id  BIGINT REFERENCES manifest(id) ON DELETE SET NULL,
	manifest_group_id       BIGINT NOT NULL REFERENCES manifest_group(id) ON DELETE RESTRICT,
	priority                SMALLINT NOT NULL DEFAULT 0,
	max_retries             INT NOT NULL DEFAULT 3,
	timeout_seconds         BIGINT,
	last_successful_run     TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS manifest_external_id ON manifest (external_id);

CREATE TABLE IF NOT EXISTS metadata (
	id                      BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	external_id             UUID NOT NULL,
	name                    TEXT NOT NULL,
	workflow_state          workflow_state NOT NULL DEFAULT 'pending',
	start_time              TIMESTAMPTZ,
	end_time                TIMESTAMPTZ,
	input                   JSONB,
	output                  JSONB,
	failure_step            TEXT,
	failure_exception       TEXT,
	failure_reason          TEXT,
	stack_trace             TEXT,
	parent_id               BIGINT REFERENCES metadata(id) ON DELETE SET NULL,
	manifest_id             BIGINT REFERENCES manifest(id) ON DELETE CASCADE,
	cancel_requested        BOOLEAN NOT NULL DEFAULT FALSE,
	currently_running_step  TEXT,
	step_started_at         TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS metadata_manifest_id ON metadata (manifest_id);
CREATE INDEX IF NOT EXISTS metadata_active
	ON metadata (workflow_state) WHERE workflow_state IN ('pending', 'in_progress');
CREATE INDEX IF NOT EXISTS metadata_failed_by_name
	ON metadata (name, end_time) WHERE workflow_state = 'failed';

CREATE TABLE IF NOT EXISTS work_queue (
	id               BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	external_id      UUID NOT NULL,
	workflow_name    TEXT NOT NULL,
	input            JSONB,
	input_type_name  TEXT NOT NULL,
	status           work_queue_status NOT NULL DEFAULT 'queued',
	manifest_id      BIGINT REFERENCES manifest(id) ON DELETE CASCADE,
	metadata_id      BIGINT REFERENCES metadata(id) ON DELETE SET NULL,
	priority         SMALLINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	dispatched_at    TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS work_queue_one_queued_per_manifest
	ON work_queue (manifest_id) WHERE status = 'queued' AND manifest_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS work_queue_dispatch_order
	ON work_queue (status, priority DESC, created_at ASC) WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS dead_letter (
	id                          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	manifest_id                 BIGINT NOT NULL REFERENCES manifest(id) ON DELETE CASCADE,
	dead_lettered_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	status                      dead_letter_status NOT NULL DEFAULT 'awaiting_intervention',
	resolved_at                 TIMESTAMPTZ,
	resolution_note             TEXT,
	reason                      TEXT NOT NULL,
	retry_count_at_dead_letter  INT NOT NULL DEFAULT 0,
	retry_metadata_id           BIGINT REFERENCES metadata(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS dead_letter_manifest_id ON dead_letter (manifest_id);
CREATE INDEX IF NOT EXISTS dead_letter_awaiting
	ON dead_letter (manifest_id) WHERE status = 'awaiting_intervention';

CREATE TABLE IF NOT EXISTS log (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	metadata_id  BIGINT NOT NULL REFERENCES metadata(id) ON DELETE CASCADE,
	level        TEXT NOT NULL DEFAULT 'info',
	message      TEXT NOT NULL,
	logged_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS log_metadata_id ON log (metadata_id);
`
