package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the orchestration tables. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS releases (
	id UUID PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	app_version TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	release_branch TEXT NOT NULL,
	kickoff_date TIMESTAMPTZ NOT NULL,
	target_release_date TIMESTAMPTZ,
	targets JSONB NOT NULL DEFAULT '[]',
	pilot_id TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	build_mode TEXT NOT NULL,
	test_pass_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	pm_approved_by TEXT,
	pm_approved_at TIMESTAMPTZ,
	archived_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id UUID PRIMARY KEY,
	release_id UUID NOT NULL UNIQUE REFERENCES releases(id),
	stage1_status TEXT NOT NULL,
	stage2_status TEXT NOT NULL,
	stage3_status TEXT NOT NULL,
	cron_status TEXT NOT NULL,
	pause_type TEXT NOT NULL,
	lock_holder TEXT,
	lock_token UUID,
	lock_acquired_at TIMESTAMPTZ,
	lock_timeout_ms BIGINT NOT NULL DEFAULT 0,
	stage_data JSONB NOT NULL DEFAULT '{}',
	auto_transition_stage2 BOOLEAN NOT NULL DEFAULT FALSE,
	auto_transition_stage3 BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS regression_cycles (
	id UUID PRIMARY KEY,
	release_id UUID NOT NULL REFERENCES releases(id),
	status TEXT NOT NULL,
	is_latest BOOLEAN NOT NULL DEFAULT FALSE,
	tag TEXT,
	slot_id UUID,
	scheduled_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	abandon_reason TEXT,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS regression_cycles_latest ON regression_cycles (release_id) WHERE is_latest;

CREATE TABLE IF NOT EXISTS regression_slots (
	id UUID PRIMARY KEY,
	release_id UUID NOT NULL REFERENCES releases(id),
	scheduled_at TIMESTAMPTZ NOT NULL,
	config JSONB NOT NULL DEFAULT '{}',
	cycle_id UUID REFERENCES regression_cycles(id),
	consumed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS release_tasks (
	id UUID PRIMARY KEY,
	release_id UUID NOT NULL REFERENCES releases(id),
	cycle_id UUID REFERENCES regression_cycles(id),
	type TEXT NOT NULL,
	stage TEXT NOT NULL,
	task_order INT NOT NULL,
	status TEXT NOT NULL,
	conclusion TEXT,
	external_id TEXT,
	output JSONB,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS release_tasks_release ON release_tasks (release_id, stage, task_order);

CREATE TABLE IF NOT EXISTS builds (
	id UUID PRIMARY KEY,
	release_id UUID NOT NULL REFERENCES releases(id),
	task_id UUID REFERENCES release_tasks(id),
	cycle_id UUID REFERENCES regression_cycles(id),
	platform TEXT NOT NULL,
	stage TEXT NOT NULL,
	artifact_path TEXT,
	testflight_number TEXT,
	internal_track_link TEXT,
	version_code BIGINT,
	workflow_status TEXT,
	job_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS submissions (
	id UUID PRIMARY KEY,
	release_id UUID NOT NULL REFERENCES releases(id),
	platform TEXT NOT NULL,
	build_id UUID REFERENCES builds(id),
	status TEXT NOT NULL,
	rollout_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
	initial_rollout DOUBLE PRECISION,
	phased_release BOOLEAN NOT NULL DEFAULT FALSE,
	version_code BIGINT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	action_history JSONB NOT NULL DEFAULT '[]',
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT submissions_rollout_range CHECK (rollout_percentage >= 0 AND rollout_percentage <= 100)
);
CREATE UNIQUE INDEX IF NOT EXISTS submissions_active ON submissions (release_id, platform) WHERE is_active;
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate orchestrator schema: %w", err)
	}
	return nil
}
