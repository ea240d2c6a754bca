// Package storage implements the storage collaborator on SQLite. A single
// sotto.db file holds the task table, the per-device outbound queue, the
// audit log, and the operational telemetry (processing log, daily metrics,
// device snapshots). The record shapes are owned by the core packages; this
// package only persists them.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Action items extracted from conversation.
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    description    TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    created_at     TEXT NOT NULL,
    due_at         TEXT,
    next_remind_at TEXT,
    remind_count   INTEGER DEFAULT 0,
    is_private     INTEGER DEFAULT 0,
    context        TEXT DEFAULT '',
    note_path      TEXT DEFAULT '',
    people         TEXT DEFAULT '',
    source         TEXT DEFAULT '',
    needs_info     INTEGER DEFAULT 0,
    missing_info   TEXT DEFAULT '',
    idle_cycles    INTEGER DEFAULT 0,
    completed_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_remind ON tasks(next_remind_at);

-- Outbound items awaiting a reachable device, in strict replay order.
CREATE TABLE IF NOT EXISTS outbound_queue (
    device_id    TEXT NOT NULL,
    item_id      TEXT NOT NULL,
    scheduled_at TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    enqueued_at  TEXT NOT NULL,
    kind         TEXT NOT NULL,
    priority     INTEGER NOT NULL,
    is_private   INTEGER DEFAULT 0,
    payload      TEXT NOT NULL,
    task_id      TEXT DEFAULT '',
    item_seq     INTEGER DEFAULT 0,
    est_seconds  REAL DEFAULT 0,
    PRIMARY KEY (device_id, item_id, scheduled_at)
);
CREATE INDEX IF NOT EXISTS idx_outbound_device ON outbound_queue(device_id, seq);

-- Privacy rejections, queue evictions, degraded-mode transitions.
-- Content is never recorded here.
CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT NOT NULL,
    device_id   TEXT DEFAULT '',
    destination TEXT DEFAULT '',
    detail      TEXT DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);

-- One row per processed inbound event.
CREATE TABLE IF NOT EXISTS processing_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id    TEXT DEFAULT '',
    event_kind   TEXT NOT NULL,
    action_taken TEXT DEFAULT '',
    notes        TEXT DEFAULT '',
    created_at   TEXT NOT NULL
);

-- Daily rollups for the evening summary.
CREATE TABLE IF NOT EXISTS daily_metrics (
    date                 TEXT PRIMARY KEY,
    tasks_created        INTEGER DEFAULT 0,
    tasks_completed      INTEGER DEFAULT 0,
    heartbeats_delivered INTEGER DEFAULT 0,
    items_buffered       INTEGER DEFAULT 0
);

-- Last known state per device (snapshot, not history).
CREATE TABLE IF NOT EXISTS devices (
    device_id        TEXT PRIMARY KEY,
    class            TEXT DEFAULT '',
    mode             TEXT NOT NULL,
    output_available INTEGER DEFAULT 0,
    audio_quality    REAL DEFAULT 0,
    last_seen        TEXT NOT NULL
);
`

// OpenDatabase opens (or creates) sotto.db at the given path, enabling WAL
// mode for concurrent reads and creating all tables.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/sotto.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return db, nil
}
