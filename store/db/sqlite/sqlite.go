// Package sqlite backs the store with a local SQLite file. It is the
// default for single-machine deployments and for tests; concurrent
// claims are serialized with an immediate transaction instead of row
// locks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/codefleet/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens the SQLite database at dsn. WAL journal mode and a busy
// timeout keep the single writer responsive under the poll loops.
func NewDB(dsn string) (store.Driver, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}

	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	sqliteDB, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}

	// SQLite: a single connection is optimal with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB}, nil
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
	budget_usd REAL NOT NULL DEFAULT 0,
	orchestrator_id TEXT NOT NULL DEFAULT '',
	assigned_machine TEXT NOT NULL DEFAULT '',
	workspace_path TEXT NOT NULL DEFAULT '',
	thread_id INTEGER NOT NULL DEFAULT 0,
	created_ts INTEGER NOT NULL,
	started_ts INTEGER,
	completed_ts INTEGER,
	notified_ts INTEGER,
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
	last_heartbeat_ts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'offline'
);

CREATE TABLE IF NOT EXISTS topic (
	thread_id INTEGER PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'active',
	task_id TEXT NOT NULL DEFAULT ''
);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate sqlite schema")
	}
	return nil
}

// marshalList encodes a string list for a TEXT column. Nil encodes as
// the empty list so scans never see SQL NULL.
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
