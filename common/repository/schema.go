package repository

// Postgres schema. Init runs these statements idempotently; deployments that
// manage migrations separately can skip Init.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		tenant_id   TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		version     INTEGER NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		definition  JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, workflow_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_triggers (
		tenant_id   TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		version     INTEGER NOT NULL,
		node_id     TEXT NOT NULL,
		cron_spec   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, workflow_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		tenant_id        TEXT NOT NULL,
		run_id           TEXT NOT NULL,
		workflow_id      TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		mode             TEXT NOT NULL,
		input            JSONB,
		status           TEXT NOT NULL,
		error_message    TEXT NOT NULL DEFAULT '',
		worker_id        TEXT NOT NULL DEFAULT '',
		claim_epoch      BIGINT NOT NULL DEFAULT 0,
		claimed_at       TIMESTAMPTZ,
		heartbeat_at     TIMESTAMPTZ,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		started_at       TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL,
		metadata         JSONB,
		PRIMARY KEY (tenant_id, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_created
		ON workflow_runs (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_heartbeat
		ON workflow_runs (status, heartbeat_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_tenant_workflow
		ON workflow_runs (tenant_id, workflow_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS node_results (
		tenant_id     TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		node_id       TEXT NOT NULL,
		status        TEXT NOT NULL,
		attempt       INTEGER NOT NULL,
		input         JSONB,
		output        JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		started_at    TIMESTAMPTZ NOT NULL,
		ended_at      TIMESTAMPTZ NOT NULL,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, run_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		tenant_id     TEXT NOT NULL,
		credential_id TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		type          TEXT NOT NULL DEFAULT '',
		data          BYTEA NOT NULL,
		metadata      JSONB,
		expires_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, credential_id)
	)`,
}

// SQLite schema. Timestamps are unix microseconds: integer comparisons are
// exact, while text timestamps with variable fraction digits are not.
// JSON documents are TEXT.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		tenant_id   TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		version     INTEGER NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		definition  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, workflow_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_triggers (
		tenant_id   TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		version     INTEGER NOT NULL,
		node_id     TEXT NOT NULL,
		cron_spec   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, workflow_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		tenant_id        TEXT NOT NULL,
		run_id           TEXT NOT NULL,
		workflow_id      TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		mode             TEXT NOT NULL,
		input            TEXT,
		status           TEXT NOT NULL,
		error_message    TEXT NOT NULL DEFAULT '',
		worker_id        TEXT NOT NULL DEFAULT '',
		claim_epoch      INTEGER NOT NULL DEFAULT 0,
		claimed_at       INTEGER,
		heartbeat_at     INTEGER,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		started_at       INTEGER,
		ended_at         INTEGER,
		created_at       INTEGER NOT NULL,
		metadata         TEXT,
		PRIMARY KEY (tenant_id, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_created
		ON workflow_runs (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_heartbeat
		ON workflow_runs (status, heartbeat_at)`,
	`CREATE TABLE IF NOT EXISTS node_results (
		tenant_id     TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		node_id       TEXT NOT NULL,
		status        TEXT NOT NULL,
		attempt       INTEGER NOT NULL,
		input         TEXT,
		output        TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		started_at    INTEGER NOT NULL,
		ended_at      INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, run_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		tenant_id     TEXT NOT NULL,
		credential_id TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		type          TEXT NOT NULL DEFAULT '',
		data          BLOB NOT NULL,
		metadata      TEXT,
		expires_at    INTEGER,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, credential_id)
	)`,
}
