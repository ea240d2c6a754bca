// Package tasks owns the lifecycle of extracted action items: creation from
// task candidates, reminder scheduling, snoozing, completion, overdue
// escalation, and idle re-surfacing. All mutation goes through defined
// transitions; terminal states reject everything except idempotent
// re-completion.
package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReminded  Status = "reminded"
	StatusSnoozed   Status = "snoozed"
	StatusCompleted Status = "completed"
	StatusOverdue   Status = "overdue"
)

// Errors.
var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrTaskNotFound      = errors.New("task not found")
)

// Task is a single action item.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// Description is what needs to be done.
	Description string `json:"description"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// DueAt is the optional deadline.
	DueAt *time.Time `json:"due_at,omitempty"`

	// NextRemindAt is when the next reminder becomes eligible.
	NextRemindAt *time.Time `json:"next_remind_at,omitempty"`

	// RemindCount is how many reminders have been delivered.
	RemindCount int `json:"remind_count"`

	// Private marks tasks whose reminders must never go proactive.
	Private bool `json:"private"`

	// Context is the source quote or free-text context.
	Context string `json:"context,omitempty"`

	// NotePath links to the externally-owned vault note.
	NotePath string `json:"note_path,omitempty"`

	// People are the names involved.
	People []string `json:"people,omitempty"`

	// Source records where the task came from ("conversation", "command").
	Source string `json:"source,omitempty"`

	// NeedsInfo flags a task missing information; settable from any
	// non-terminal state.
	NeedsInfo bool `json:"needs_info,omitempty"`

	// MissingInfo describes what information is missing.
	MissingInfo string `json:"missing_info,omitempty"`

	// IdleCycles counts heartbeat cycles a no-deadline task has sat
	// without user interaction.
	IdleCycles int `json:"idle_cycles"`

	// CompletedAt is set on completion.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Candidate is an externally-extracted task candidate (from the
// transcript/reasoning collaborator).
type Candidate struct {
	Description string
	DueAt       *time.Time
	Private     bool
	Context     string
	People      []string
	Source      string
	NeedsInfo   bool
	MissingInfo string
}

// Storage is the persistence collaborator for tasks.
type Storage interface {
	SaveTask(t *Task) error
	LoadTasks() ([]*Task, error)
}

// Config holds lifecycle policy knobs.
type Config struct {
	// IdleCycleThreshold is how many idle cycles a no-deadline task sits
	// before it is re-surfaced with a relevance check.
	IdleCycleThreshold int `yaml:"idle_cycle_threshold"`

	// MinSnooze is the floor for escalating reminders on dated tasks.
	MinSnooze time.Duration `yaml:"min_snooze"`

	// SnoozeHour is the local hour a no-deadline snooze reschedules to
	// on the next day.
	SnoozeHour int `yaml:"snooze_hour"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleCycleThreshold: 3,
		MinSnooze:          30 * time.Minute,
		SnoozeHour:         9,
	}
}

// Manager owns the task table. Safe for concurrent use; every transition is
// serialized under one lock so concurrent creation and reminder delivery
// cannot interleave into a lost update.
type Manager struct {
	cfg     Config
	storage Storage
	logger  *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewManager creates a task manager. Storage may be nil (in-memory only).
func NewManager(cfg Config, storage Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleCycleThreshold <= 0 {
		cfg.IdleCycleThreshold = 3
	}
	if cfg.MinSnooze <= 0 {
		cfg.MinSnooze = 30 * time.Minute
	}
	if cfg.SnoozeHour <= 0 || cfg.SnoozeHour > 23 {
		cfg.SnoozeHour = 9
	}
	return &Manager{
		cfg:     cfg,
		storage: storage,
		logger:  logger.With("component", "tasks"),
		tasks:   make(map[string]*Task),
	}
}

// Load restores persisted tasks. Called once on startup.
func (m *Manager) Load() error {
	if m.storage == nil {
		return nil
	}
	loaded, err := m.storage.LoadTasks()
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	m.mu.Lock()
	for _, t := range loaded {
		m.tasks[t.ID] = t
	}
	m.mu.Unlock()
	m.logger.Info("tasks loaded from storage", "count", len(loaded))
	return nil
}

// Create turns a candidate into a Pending task. The reminder is scheduled
// for the next qualifying heartbeat (eligible immediately). Fails with
// ErrInvalidTask on an empty description.
func (m *Manager) Create(c Candidate, now time.Time) (*Task, error) {
	if strings.TrimSpace(c.Description) == "" {
		return nil, fmt.Errorf("%w: empty description", ErrInvalidTask)
	}

	remindAt := now
	t := &Task{
		ID:           uuid.NewString()[:8],
		Description:  c.Description,
		Status:       StatusPending,
		CreatedAt:    now,
		DueAt:        c.DueAt,
		NextRemindAt: &remindAt,
		Private:      c.Private,
		Context:      c.Context,
		People:       c.People,
		Source:       c.Source,
		NeedsInfo:    c.NeedsInfo,
		MissingInfo:  c.MissingInfo,
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.persist(t)
	m.logger.Info("task created",
		"id", t.ID,
		"private", t.Private,
		"due", c.DueAt != nil,
	)
	return t, nil
}

// Get returns a copy of a task.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// MarkReminded records a delivered reminder: status becomes Reminded and
// the reminder count increments. Rejected on terminal tasks.
func (m *Manager) MarkReminded(id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == StatusCompleted {
		return fmt.Errorf("%w: task %s is completed", ErrInvalidTransition, id)
	}

	t.Status = StatusReminded
	t.RemindCount++
	t.IdleCycles = 0
	next := m.nextReminderLocked(t, now)
	t.NextRemindAt = &next
	m.persistLocked(t)
	return nil
}

// Snooze reschedules a task's reminder. No-deadline tasks move to the next
// calendar day; dated tasks escalate as the deadline approaches (half the
// remaining time, floored at MinSnooze).
func (m *Manager) Snooze(id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == StatusCompleted {
		return fmt.Errorf("%w: task %s is completed", ErrInvalidTransition, id)
	}

	t.Status = StatusSnoozed
	next := m.nextReminderLocked(t, now)
	t.NextRemindAt = &next
	m.persistLocked(t)
	m.logger.Info("task snoozed", "id", id, "next_remind_at", next.Format(time.RFC3339))
	return nil
}

// Complete marks a task done. Terminal: every later transition is rejected,
// except re-completion, which is an idempotent no-op.
func (m *Manager) Complete(id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == StatusCompleted {
		return nil
	}

	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.NextRemindAt = nil
	m.persistLocked(t)
	m.logger.Info("task completed", "id", id)
	return nil
}

// SetNeedsInfo flags a non-terminal task as missing information.
func (m *Manager) SetNeedsInfo(id, missing string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == StatusCompleted {
		return fmt.Errorf("%w: task %s is completed", ErrInvalidTransition, id)
	}
	t.NeedsInfo = true
	t.MissingInfo = missing
	m.persistLocked(t)
	return nil
}

// SweepOverdue flags tasks whose deadline passed without completion.
// Overdue tasks get elevated priority on the next heartbeat. Returns the
// IDs newly marked overdue.
func (m *Manager) SweepOverdue(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flagged []string
	for id, t := range m.tasks {
		if t.Status == StatusCompleted || t.Status == StatusOverdue {
			continue
		}
		if t.DueAt != nil && now.After(*t.DueAt) {
			t.Status = StatusOverdue
			eligible := now
			t.NextRemindAt = &eligible
			m.persistLocked(t)
			flagged = append(flagged, id)
		}
	}
	if len(flagged) > 0 {
		m.logger.Info("tasks marked overdue", "count", len(flagged))
	}
	return flagged
}

// DueReminders returns non-private tasks whose reminder time has passed,
// ordered by reminder time. PRIVATE tasks never appear here: their
// reminders can only be pulled through the reactive query path.
func (m *Manager) DueReminders(now time.Time) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Task
	for _, t := range m.tasks {
		if t.Private || t.Status == StatusCompleted {
			continue
		}
		if t.NextRemindAt != nil && !t.NextRemindAt.After(now) {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRemindAt.Before(*due[j].NextRemindAt)
	})
	return due
}

// ClaimDueReminders atomically returns due non-private tasks and advances
// their NextRemindAt, so concurrent scheduling cycles for different devices
// cannot both claim the same reminder. The status only moves to Reminded
// once MarkReminded confirms the delivery; an unclaimed-but-undelivered
// reminder simply resurfaces at the rescheduled time.
func (m *Manager) ClaimDueReminders(now time.Time) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Task
	for _, t := range m.tasks {
		if t.Private || t.Status == StatusCompleted {
			continue
		}
		if t.NextRemindAt != nil && !t.NextRemindAt.After(now) {
			cp := *t
			due = append(due, &cp)
			next := m.nextReminderLocked(t, now)
			t.NextRemindAt = &next
			m.persistLocked(t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRemindAt.Before(*due[j].NextRemindAt)
	})
	return due
}

// MarkIdleCycle increments idle counters on no-deadline tasks that were not
// interacted with this cycle, and returns tasks that crossed the threshold.
// Those are re-surfaced with an explicit relevance check instead of a plain
// reminder.
func (m *Manager) MarkIdleCycle() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var resurface []*Task
	for _, t := range m.tasks {
		if t.Status == StatusCompleted || t.DueAt != nil {
			continue
		}
		t.IdleCycles++
		if t.IdleCycles >= m.cfg.IdleCycleThreshold {
			t.IdleCycles = 0
			cp := *t
			resurface = append(resurface, &cp)
			m.persistLocked(t)
		}
	}
	return resurface
}

// CountByStatus returns task counts per status.
func (m *Manager) CountByStatus() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}

// All returns a snapshot of every task.
func (m *Manager) All() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// nextReminderLocked computes the next reminder time for a task.
// No-deadline tasks: next day at SnoozeHour. Dated tasks: half the time
// remaining to the deadline, floored at MinSnooze (escalating frequency as
// the deadline approaches). Past-deadline tasks stay eligible immediately.
func (m *Manager) nextReminderLocked(t *Task, now time.Time) time.Time {
	if t.DueAt == nil {
		next := now.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(),
			m.cfg.SnoozeHour, 0, 0, 0, now.Location())
	}

	remaining := t.DueAt.Sub(now)
	if remaining <= 0 {
		return now
	}
	offset := remaining / 2
	if offset < m.cfg.MinSnooze {
		offset = m.cfg.MinSnooze
	}
	return now.Add(offset)
}

func (m *Manager) persist(t *Task) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.persistLocked(t)
}

// persistLocked saves a task; storage failures are logged, never fatal.
func (m *Manager) persistLocked(t *Task) {
	if m.storage == nil {
		return
	}
	if err := m.storage.SaveTask(t); err != nil {
		m.logger.Error("failed to persist task", "id", t.ID, "error", err)
	}
}
