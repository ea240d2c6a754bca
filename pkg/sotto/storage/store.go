// store.go implements the persistence interfaces the core consumes:
// tasks.Storage, buffer.Storage, and audit.Log, plus the operational
// telemetry writers (processing log, daily metrics, device snapshots).
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sottolabs/sotto/pkg/sotto/audit"
	"github.com/sottolabs/sotto/pkg/sotto/buffer"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
	"github.com/sottolabs/sotto/pkg/sotto/devicemode"
	"github.com/sottolabs/sotto/pkg/sotto/tasks"
)

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ---------- tasks.Storage ----------

// SaveTask persists a task (insert or update).
func (s *Store) SaveTask(t *tasks.Task) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, description, status, created_at, due_at, next_remind_at,
			 remind_count, is_private, context, note_path, people, source,
			 needs_info, missing_info, idle_cycles, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Description,
		string(t.Status),
		t.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(t.DueAt),
		nullTime(t.NextRemindAt),
		t.RemindCount,
		boolToInt(t.Private),
		t.Context,
		t.NotePath,
		strings.Join(t.People, ","),
		t.Source,
		boolToInt(t.NeedsInfo),
		t.MissingInfo,
		t.IdleCycles,
		nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %q: %w", t.ID, err)
	}
	return nil
}

// LoadTasks reads all persisted tasks.
func (s *Store) LoadTasks() ([]*tasks.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, description, status, created_at, due_at, next_remind_at,
		       remind_count, is_private, context, note_path, people, source,
		       needs_info, missing_info, idle_cycles, completed_at
		FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		var (
			t           tasks.Task
			status      string
			createdAt   string
			dueAt       sql.NullString
			remindAt    sql.NullString
			isPrivate   int
			people      string
			needsInfo   int
			completedAt sql.NullString
		)
		if err := rows.Scan(
			&t.ID, &t.Description, &status, &createdAt, &dueAt, &remindAt,
			&t.RemindCount, &isPrivate, &t.Context, &t.NotePath, &people,
			&t.Source, &needsInfo, &t.MissingInfo, &t.IdleCycles, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}

		t.Status = tasks.Status(status)
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.DueAt = parseNullTime(dueAt)
		t.NextRemindAt = parseNullTime(remindAt)
		t.CompletedAt = parseNullTime(completedAt)
		t.Private = isPrivate != 0
		t.NeedsInfo = needsInfo != 0
		if people != "" {
			t.People = strings.Split(people, ",")
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ---------- buffer.Storage ----------

// SaveQueueEntry persists one outbound queue entry (insert or update —
// enqueue idempotence maps onto the composite primary key).
func (s *Store) SaveQueueEntry(deviceID string, e *buffer.Entry) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO outbound_queue
			(device_id, item_id, scheduled_at, seq, enqueued_at,
			 kind, priority, is_private, payload, task_id, item_seq, est_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID,
		e.Item.ID,
		e.Item.ScheduledAt.UTC().Format(time.RFC3339Nano),
		e.Seq,
		e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		string(e.Item.Kind),
		e.Item.Priority,
		boolToInt(e.Item.Private),
		e.Item.Payload,
		e.Item.TaskID,
		e.Item.Seq,
		e.Item.EstimatedSeconds,
	)
	if err != nil {
		return fmt.Errorf("save queue entry %q: %w", e.Item.ID, err)
	}
	return nil
}

// DeleteQueueEntry removes a delivered or evicted entry.
func (s *Store) DeleteQueueEntry(deviceID, itemID string, scheduledAt time.Time) error {
	_, err := s.db.Exec(
		"DELETE FROM outbound_queue WHERE device_id = ? AND item_id = ? AND scheduled_at = ?",
		deviceID, itemID, scheduledAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("delete queue entry %q: %w", itemID, err)
	}
	return nil
}

// LoadQueue reads a device's buffered entries in stored order.
func (s *Store) LoadQueue(deviceID string) ([]*buffer.Entry, error) {
	rows, err := s.db.Query(`
		SELECT item_id, scheduled_at, seq, enqueued_at, kind, priority, is_private,
		       payload, task_id, item_seq, est_seconds
		FROM outbound_queue WHERE device_id = ? ORDER BY seq`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load queue for %q: %w", deviceID, err)
	}
	defer rows.Close()

	var out []*buffer.Entry
	for rows.Next() {
		var (
			e           buffer.Entry
			item        delivery.Item
			scheduledAt string
			enqueuedAt  string
			kind        string
			isPrivate   int
		)
		if err := rows.Scan(
			&item.ID, &scheduledAt, &e.Seq, &enqueuedAt,
			&kind, &item.Priority, &isPrivate, &item.Payload,
			&item.TaskID, &item.Seq, &item.EstimatedSeconds,
		); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		item.DeviceID = deviceID
		item.Kind = delivery.Kind(kind)
		item.Private = isPrivate != 0
		item.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
		e.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		e.Item = &item
		out = append(out, &e)
	}
	return out, rows.Err()
}

// KnownQueueDevices lists device IDs with persisted queue entries, so the
// buffer can be restored on startup before any device reconnects.
func (s *Store) KnownQueueDevices() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT device_id FROM outbound_queue")
	if err != nil {
		return nil, fmt.Errorf("list queue devices: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan device id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---------- audit.Log ----------

// Append records an audit entry.
func (s *Store) Append(e audit.Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (kind, device_id, destination, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.DeviceID, e.Destination, e.Detail,
		e.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ---------- telemetry ----------

// LogProcessing records one processed inbound event.
func (s *Store) LogProcessing(deviceID, eventKind, actionTaken, notes string) error {
	_, err := s.db.Exec(`
		INSERT INTO processing_log (device_id, event_kind, action_taken, notes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		deviceID, eventKind, actionTaken, notes,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("log processing: %w", err)
	}
	return nil
}

// BumpDailyMetrics adds deltas to today's rollup row.
func (s *Store) BumpDailyMetrics(date string, tasksCreated, tasksCompleted, heartbeatsDelivered, itemsBuffered int) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_metrics (date, tasks_created, tasks_completed, heartbeats_delivered, items_buffered)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			tasks_created        = tasks_created + excluded.tasks_created,
			tasks_completed      = tasks_completed + excluded.tasks_completed,
			heartbeats_delivered = heartbeats_delivered + excluded.heartbeats_delivered,
			items_buffered       = items_buffered + excluded.items_buffered`,
		date, tasksCreated, tasksCompleted, heartbeatsDelivered, itemsBuffered,
	)
	if err != nil {
		return fmt.Errorf("bump daily metrics: %w", err)
	}
	return nil
}

// DailyMetrics reads one day's rollup.
func (s *Store) DailyMetrics(date string) (tasksCreated, tasksCompleted, heartbeatsDelivered, itemsBuffered int, err error) {
	row := s.db.QueryRow(`
		SELECT tasks_created, tasks_completed, heartbeats_delivered, items_buffered
		FROM daily_metrics WHERE date = ?`, date)
	err = row.Scan(&tasksCreated, &tasksCompleted, &heartbeatsDelivered, &itemsBuffered)
	if err == sql.ErrNoRows {
		return 0, 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read daily metrics: %w", err)
	}
	return tasksCreated, tasksCompleted, heartbeatsDelivered, itemsBuffered, nil
}

// SaveDeviceSnapshot upserts the last known state of a device.
func (s *Store) SaveDeviceSnapshot(d *devicemode.Device) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO devices
			(device_id, class, mode, output_available, audio_quality, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID,
		string(d.Class),
		string(d.Machine.Mode()),
		boolToInt(d.Machine.OutputAvailable()),
		d.AudioQuality(),
		d.LastSeen().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save device snapshot %q: %w", d.ID, err)
	}
	return nil
}

// ---------- helpers ----------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}
