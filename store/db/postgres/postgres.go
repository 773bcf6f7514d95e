// Package postgres backs the store with PostgreSQL for multi-machine
// deployments. The claim primitive uses FOR UPDATE SKIP LOCKED so
// concurrent workers never block on each other.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/hrygo/codefleet/store"
)

type DB struct {
	db *sql.DB
}

func NewDB(dsn string) (store.Driver, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	pgDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}
	return &DB{db: pgDB}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS task (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	repo_url TEXT NOT NULL DEFAULT '',
	source_branch TEXT NOT NULL DEFAULT '',
	target_branch TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 0,
	model_hint TEXT NOT NULL DEFAULT '',
	budget_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	orchestrator_id TEXT NOT NULL DEFAULT '',
	assigned_machine TEXT NOT NULL DEFAULT '',
	workspace_path TEXT NOT NULL DEFAULT '',
	thread_id BIGINT NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL,
	started_ts BIGINT,
	completed_ts BIGINT,
	notified_ts BIGINT,
	error_message TEXT NOT NULL DEFAULT '',
	result_summary TEXT NOT NULL DEFAULT '',
	files_changed TEXT NOT NULL DEFAULT '[]',
	pr_url TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	result_json TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_status ON task (status);
CREATE INDEX IF NOT EXISTS idx_task_thread ON task (thread_id);

CREATE TABLE IF NOT EXISTS machine (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	projects TEXT NOT NULL DEFAULT '[]',
	max_concurrent INTEGER NOT NULL DEFAULT 1,
	active_tasks INTEGER NOT NULL DEFAULT 0,
	os TEXT NOT NULL DEFAULT '',
	engine_priority TEXT NOT NULL DEFAULT '[]',
	health_url TEXT NOT NULL DEFAULT '',
	last_heartbeat_ts BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'offline'
);

CREATE TABLE IF NOT EXISTS topic (
	thread_id BIGINT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'active',
	task_id TEXT NOT NULL DEFAULT ''
);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate postgres schema")
	}
	return nil
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	raw, _ := json.Marshal(list)
	return string(raw)
}

func unmarshalList(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
