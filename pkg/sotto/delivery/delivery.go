// Package delivery defines the shared data model for proactive content
// delivery: the DeliverableItem that flows through the gate, the scheduler,
// and the offline buffer, plus the Deliverer interface every downstream
// collaborator (TTS + transport) must implement.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of a deliverable item. The kind decides the
// ranking class during heartbeat assembly.
type Kind string

const (
	KindTaskReminder Kind = "task_reminder"
	KindCalendar     Kind = "calendar"
	KindAlert        Kind = "alert"
	KindBriefing     Kind = "briefing"
	KindNotification Kind = "notification"
)

// Item is a single candidate unit of proactive content awaiting scheduling.
// The payload is opaque to the core beyond the privacy flag and priority.
type Item struct {
	// ID is the unique item identifier.
	ID string `json:"id"`

	// Kind is the content category (task_reminder, calendar, alert, ...).
	Kind Kind `json:"kind"`

	// Priority ranks items within the same kind. 1 = highest, 10 = lowest.
	Priority int `json:"priority"`

	// Private marks content that must never reach a proactive path.
	Private bool `json:"private"`

	// ScheduledAt is when the item becomes eligible for delivery.
	ScheduledAt time.Time `json:"scheduled_at"`

	// Payload is the spoken/notified content. Opaque to the core.
	Payload string `json:"payload"`

	// DeviceID is the target device.
	DeviceID string `json:"device_id"`

	// EstimatedSeconds is the estimated spoken duration. Zero means
	// "derive from the payload" (see EstimatedDuration).
	EstimatedSeconds float64 `json:"estimated_seconds,omitempty"`

	// Seq is the insertion sequence assigned when the item enters the
	// scheduler. Final tie-break for deterministic ordering.
	Seq uint64 `json:"seq"`

	// TaskID links a task_reminder item back to its task.
	TaskID string `json:"task_id,omitempty"`

	// Attempts counts delivery attempts for this scheduled occurrence.
	Attempts int `json:"attempts"`

	// DeliveredAt is set once the delivery collaborator acknowledged.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// NewItem creates an item with a fresh ID.
func NewItem(deviceID string, kind Kind, payload string, priority int, scheduledAt time.Time) *Item {
	return &Item{
		ID:          uuid.NewString(),
		Kind:        kind,
		Priority:    priority,
		ScheduledAt: scheduledAt,
		Payload:     payload,
		DeviceID:    deviceID,
	}
}

// speechWordsPerMinute is the assumed TTS speaking rate used when an item
// carries no explicit duration estimate.
const speechWordsPerMinute = 150

// EstimatedDuration returns the item's estimated spoken duration. Uses the
// explicit estimate when present, otherwise derives one from the payload
// word count at the assumed speaking rate.
func (i *Item) EstimatedDuration() time.Duration {
	if i.EstimatedSeconds > 0 {
		return time.Duration(i.EstimatedSeconds * float64(time.Second))
	}
	words := len(strings.Fields(i.Payload))
	if words == 0 {
		return 0
	}
	secs := float64(words) / speechWordsPerMinute * 60
	return time.Duration(secs * float64(time.Second))
}

// Batch is an ordered set of items emitted to one device in one delivery.
type Batch struct {
	DeviceID string
	Items    []*Item
}

// Duration sums the estimated spoken duration of all items in the batch.
func (b *Batch) Duration() time.Duration {
	var total time.Duration
	for _, item := range b.Items {
		total += item.EstimatedDuration()
	}
	return total
}

// Deliverer is the downstream delivery collaborator (TTS + transport).
// DeliverBatch is synchronous from the scheduler's perspective: a nil return
// is the acknowledgement; an error (or missing ack) leaves every item in the
// batch eligible for bounded re-attempts.
type Deliverer interface {
	DeliverBatch(ctx context.Context, deviceID string, items []*Item) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, deviceID string, items []*Item) error

// DeliverBatch calls f.
func (f DelivererFunc) DeliverBatch(ctx context.Context, deviceID string, items []*Item) error {
	return f(ctx, deviceID, items)
}

// ErrDeliveryFailed wraps a delivery collaborator failure after retries
// were exhausted.
var ErrDeliveryFailed = fmt.Errorf("delivery failed")
